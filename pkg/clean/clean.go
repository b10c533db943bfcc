// Package clean implements the deterministic peak-list normalization every
// spectrum passes through before indexing or querying.
package clean

import (
	"math"
	"sort"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

// Clean runs the fixed-order normalization pipeline over peaks and returns
// a canonical peak list: sorted ascending by mz, centroid-merged within
// opts.MinMS2DifferenceDa, noise-filtered, optionally truncated to the
// opts.MaxPeakNum highest-intensity peaks, and renormalized to sum to 1.
//
// An empty or all-invalid input yields an empty, non-nil result. Non-finite
// values are dropped silently, not reported as errors.
func Clean(peaks []spectrum.Peak, opts config.CleanOptions) []spectrum.Peak {
	out := make([]spectrum.Peak, 0, len(peaks))
	for _, p := range peaks {
		if !p.Valid() {
			continue
		}
		if opts.MaxMZ > 0 && p.MZ > opts.MaxMZ {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return out
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].MZ < out[j].MZ })

	out = centroidMerge(out, opts.MinMS2DifferenceDa)

	out = filterNoise(out, opts.NoiseThreshold)
	if len(out) == 0 {
		return out
	}

	if opts.MaxPeakNum > 0 && len(out) > opts.MaxPeakNum {
		out = topN(out, opts.MaxPeakNum)
		sort.SliceStable(out, func(i, j int) bool { return out[i].MZ < out[j].MZ })
	}

	normalize(out)
	return out
}

// centroidMerge walks the sorted peaks left to right, folding a run of
// peaks within minDiff of the run's current centroid mz into a single
// intensity-weighted-mean peak. The run compares against the running
// centroid, not the last raw peak, so a slow drift across many close peaks
// cannot chain past minDiff one pair at a time.
func centroidMerge(sorted []spectrum.Peak, minDiff float32) []spectrum.Peak {
	if len(sorted) == 0 {
		return sorted
	}

	merged := make([]spectrum.Peak, 0, len(sorted))
	curMZ := float64(sorted[0].MZ) * float64(sorted[0].Intensity)
	curIntensity := float64(sorted[0].Intensity)
	curCentroid := sorted[0].MZ

	flush := func() {
		merged = append(merged, spectrum.Peak{
			MZ:        float32(curMZ / curIntensity),
			Intensity: float32(curIntensity),
		})
	}

	for i := 1; i < len(sorted); i++ {
		p := sorted[i]
		if p.MZ-curCentroid < minDiff {
			curMZ += float64(p.MZ) * float64(p.Intensity)
			curIntensity += float64(p.Intensity)
			curCentroid = float32(curMZ / curIntensity)
			continue
		}
		flush()
		curMZ = float64(p.MZ) * float64(p.Intensity)
		curIntensity = float64(p.Intensity)
		curCentroid = p.MZ
	}
	flush()

	return merged
}

func filterNoise(peaks []spectrum.Peak, threshold float32) []spectrum.Peak {
	if len(peaks) == 0 {
		return peaks
	}
	var maxIntensity float32
	for _, p := range peaks {
		if p.Intensity > maxIntensity {
			maxIntensity = p.Intensity
		}
	}
	cutoff := threshold * maxIntensity

	out := peaks[:0:0]
	for _, p := range peaks {
		if p.Intensity >= cutoff {
			out = append(out, p)
		}
	}
	return out
}

// topN keeps the n highest-intensity peaks, ties broken toward smaller mz.
func topN(peaks []spectrum.Peak, n int) []spectrum.Peak {
	ranked := make([]spectrum.Peak, len(peaks))
	copy(ranked, peaks)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Intensity != ranked[j].Intensity {
			return ranked[i].Intensity > ranked[j].Intensity
		}
		return ranked[i].MZ < ranked[j].MZ
	})
	return ranked[:n]
}

func normalize(peaks []spectrum.Peak) {
	var sum float64
	for _, p := range peaks {
		sum += float64(p.Intensity)
	}
	if sum == 0 || math.IsNaN(sum) {
		return
	}
	for i := range peaks {
		peaks[i].Intensity = float32(float64(peaks[i].Intensity) / sum)
	}
}

// MaxMZFromPrecursor computes the default opts.MaxMZ from a spectrum's
// precursor mz and the configured removal cutoff (default 1.6 Da).
func MaxMZFromPrecursor(precursorMZ, precursorIonsRemovalDa float32) float32 {
	return precursorMZ - precursorIonsRemovalDa
}
