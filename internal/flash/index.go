// Package flash implements the compact, immutable inverted index over
// sorted fragment peaks (spec component C) and the four entropy-similarity
// search algorithms that scan it: open, identity, neutral-loss, hybrid.
package flash

import (
	"sort"

	"github.com/flashentropy/flashentropy/pkg/entropy"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

// Index is one compact ("Flash") group: every array named in the data
// model (spec §3), held in memory as plain slices. groupstore.Open decodes
// its memory-mapped array files into fresh slices of this same shape; the
// search algorithms below only ever read them.
type Index struct {
	NSpectra uint64
	NPeaks   uint64

	HasNeutralLoss    bool
	IntensityWeighted bool

	// CSR offsets into the peak arrays below, length NSpectra+1.
	ProductMZIdxStart []uint64

	AllPeaksMZ        []float32 // globally sorted ascending
	AllPeaksIntensity []float32 // entropy-weighted, aligned with AllPeaksMZ
	AllPeaksSpecIdx   []uint64
	AllIonsIdxForPeak []uint32 // inverse: position of the peak within its spectrum

	// Neutral-loss counterparts, indexed by precursor_mz - peak_mz instead
	// of peak_mz. Empty when HasNeutralLoss is false.
	NLPeaksMZ        []float32
	NLPeaksIntensity []float32
	NLPeaksSpecIdx   []uint64
	NLIonsIdxForPeak []uint32

	// SpectraPrecursorMZ is sorted ascending for identity-mode binary
	// search; SpectraOrderToGlobal[i] is the global index of the spectrum
	// at sorted position i.
	SpectraPrecursorMZ   []float32
	SpectraOrderToGlobal []uint64
}

// Close is a no-op: every Index holds plain slices, and the mapped files
// behind a groupstore-opened Index are released by the closer
// groupstore.Open returns. Exists so Index satisfies internal/cache.Closer
// when held in a group cache.
func (idx *Index) Close() error { return nil }

// Build assembles a compact Index from already-cleaned, already
// entropy-weighted spectra. Spectra are assigned global indices 0..n-1 in
// the order given. A spectrum with zero peaks contributes an empty span
// and always scores zero.
func Build(spectra []spectrum.Spectrum, intensityWeighted, neutralLoss bool) *Index {
	n := uint64(len(spectra))
	idx := &Index{
		NSpectra:             n,
		HasNeutralLoss:       neutralLoss,
		IntensityWeighted:    intensityWeighted,
		ProductMZIdxStart:    make([]uint64, n+1),
		SpectraPrecursorMZ:   make([]float32, n),
		SpectraOrderToGlobal: make([]uint64, n),
	}

	type rawPeak struct {
		mz, intensity float32
		specIdx       uint64
		ionIdx        uint32
	}
	var openPeaks []rawPeak
	var nlPeaks []rawPeak

	for s, sp := range spectra {
		idx.SpectraPrecursorMZ[s] = sp.PrecursorMZ
		idx.ProductMZIdxStart[s] = uint64(len(openPeaks))
		for ionIdx, p := range sp.Peaks {
			openPeaks = append(openPeaks, rawPeak{
				mz: p.MZ, intensity: p.Intensity,
				specIdx: uint64(s), ionIdx: uint32(ionIdx),
			})
			if neutralLoss {
				nlPeaks = append(nlPeaks, rawPeak{
					mz: sp.PrecursorMZ - p.MZ, intensity: p.Intensity,
					specIdx: uint64(s), ionIdx: uint32(ionIdx),
				})
			}
		}
	}
	idx.ProductMZIdxStart[n] = uint64(len(openPeaks))
	idx.NPeaks = uint64(len(openPeaks))

	sort.Slice(openPeaks, func(i, j int) bool { return openPeaks[i].mz < openPeaks[j].mz })
	idx.AllPeaksMZ = make([]float32, len(openPeaks))
	idx.AllPeaksIntensity = make([]float32, len(openPeaks))
	idx.AllPeaksSpecIdx = make([]uint64, len(openPeaks))
	idx.AllIonsIdxForPeak = make([]uint32, len(openPeaks))
	for i, p := range openPeaks {
		idx.AllPeaksMZ[i] = p.mz
		idx.AllPeaksIntensity[i] = p.intensity
		idx.AllPeaksSpecIdx[i] = p.specIdx
		idx.AllIonsIdxForPeak[i] = p.ionIdx
	}

	if neutralLoss {
		sort.Slice(nlPeaks, func(i, j int) bool { return nlPeaks[i].mz < nlPeaks[j].mz })
		idx.NLPeaksMZ = make([]float32, len(nlPeaks))
		idx.NLPeaksIntensity = make([]float32, len(nlPeaks))
		idx.NLPeaksSpecIdx = make([]uint64, len(nlPeaks))
		idx.NLIonsIdxForPeak = make([]uint32, len(nlPeaks))
		for i, p := range nlPeaks {
			idx.NLPeaksMZ[i] = p.mz
			idx.NLPeaksIntensity[i] = p.intensity
			idx.NLPeaksSpecIdx[i] = p.specIdx
			idx.NLIonsIdxForPeak[i] = p.ionIdx
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return idx.SpectraPrecursorMZ[order[i]] < idx.SpectraPrecursorMZ[order[j]]
	})
	sortedPrecursor := make([]float32, n)
	orderToGlobal := make([]uint64, n)
	for i, s := range order {
		sortedPrecursor[i] = idx.SpectraPrecursorMZ[s]
		orderToGlobal[i] = uint64(s)
	}
	idx.SpectraPrecursorMZ = sortedPrecursor
	idx.SpectraOrderToGlobal = orderToGlobal

	return idx
}

// rangeQuery returns [lo, hi) indices into a sorted ascending array A
// where A[i] is within [target-tol, target+tol]. O(log n) + output size.
func rangeQuery(a []float32, target, tol float32) (lo, hi int) {
	low := target - tol
	high := target + tol
	lo = sort.Search(len(a), func(i int) bool { return a[i] >= low })
	hi = sort.Search(len(a), func(i int) bool { return a[i] > high })
	return lo, hi
}

// entropyWeightOf applies the shared weighting rule when the index was
// built with intensity weighting enabled, matching whatever the query side
// already did (callers pass pre-weighted peaks; this exists for tests and
// for PairSimilarity-based validation, not the hot scan path).
func entropyWeightOf(p []float32, weighted bool) []float32 {
	if !weighted {
		return p
	}
	return entropy.Weight(p)
}
