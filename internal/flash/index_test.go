package flash

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/pkg/clean"
	"github.com/flashentropy/flashentropy/pkg/entropy"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

func mkPeaks(pairs ...[2]float32) []spectrum.Peak {
	out := make([]spectrum.Peak, len(pairs))
	for i, p := range pairs {
		out[i] = spectrum.Peak{MZ: p[0], Intensity: p[1]}
	}
	return out
}

// cleanSpectrum mirrors the high-level entry point's default behavior:
// clean then entropy-weight.
func cleanSpectrum(precursor float32, raw []spectrum.Peak) spectrum.Spectrum {
	opts := config.DefaultCleanOptions()
	opts.NoiseThreshold = 0
	cleaned := clean.Clean(raw, opts)
	intensities := make([]float32, len(cleaned))
	for i, p := range cleaned {
		intensities[i] = p.Intensity
	}
	weighted := entropy.Weight(intensities)
	out := make([]spectrum.Peak, len(cleaned))
	for i, p := range cleaned {
		out[i] = spectrum.Peak{MZ: p.MZ, Intensity: weighted[i]}
	}
	return spectrum.Spectrum{PrecursorMZ: precursor, Peaks: out}
}

func toQuery(sp spectrum.Spectrum) Query {
	q := Query{PrecursorMZ: sp.PrecursorMZ, MZ: make([]float32, len(sp.Peaks)), Intensity: make([]float32, len(sp.Peaks))}
	for i, p := range sp.Peaks {
		q.MZ[i] = p.MZ
		q.Intensity[i] = p.Intensity
	}
	return q
}

// exampleLibrary builds the 4-spectrum library used throughout spec §8's
// end-to-end scenarios, padded with two zero-peak placeholders to reach 6
// spectra as scenario 1 expects.
func exampleLibrary() []spectrum.Spectrum {
	s1 := cleanSpectrum(150.0, mkPeaks([2]float32{100, 1}, [2]float32{101, 1}, [2]float32{103, 1}))
	s2 := cleanSpectrum(200.0, mkPeaks([2]float32{100, 1}, [2]float32{101, 1}, [2]float32{102, 1}))
	s3 := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}, [2]float32{101, 1}, [2]float32{202, 1}))
	s4 := cleanSpectrum(350.0, mkPeaks([2]float32{100, 1}, [2]float32{101, 1}, [2]float32{302, 1}))
	placeholder1 := spectrum.Spectrum{PrecursorMZ: 500, Peaks: nil}
	placeholder2 := spectrum.Spectrum{PrecursorMZ: 600, Peaks: nil}
	return []spectrum.Spectrum{s1, s2, s3, s4, placeholder1, placeholder2}
}

func TestBuild_ProductMZIdxStartIsCSR(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	require.Len(t, idx.ProductMZIdxStart, len(lib)+1)
	for s := range lib {
		span := idx.ProductMZIdxStart[s+1] - idx.ProductMZIdxStart[s]
		assert.Equal(t, uint64(len(lib[s].Peaks)), span)
	}
}

func TestBuild_AllPeaksMZIsSorted(t *testing.T) {
	idx := Build(exampleLibrary(), true, true)
	for i := 1; i < len(idx.AllPeaksMZ); i++ {
		assert.LessOrEqual(t, idx.AllPeaksMZ[i-1], idx.AllPeaksMZ[i])
	}
	for i := 1; i < len(idx.NLPeaksMZ); i++ {
		assert.LessOrEqual(t, idx.NLPeaksMZ[i-1], idx.NLPeaksMZ[i])
	}
}

func TestSearchOpen_Scenario1(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	query := cleanSpectrum(150.0, mkPeaks([2]float32{100, 1}, [2]float32{101, 1}, [2]float32{102, 1}))
	scores, err := idx.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)

	require.Len(t, scores, 6)
	assert.InDelta(t, 1.0/3.0, scores[0], 1e-3)
	assert.InDelta(t, 1.0/3.0, scores[1], 1e-3)
	assert.InDelta(t, 0.0, scores[2], 1e-6)
	assert.InDelta(t, 1.0/3.0, scores[3], 1e-3)
	assert.InDelta(t, 0.0, scores[4], 1e-6)
	assert.InDelta(t, 0.0, scores[5], 1e-6)
}

func TestSearchOpen_Scenario2_SelfMatchIsOne(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	query := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}, [2]float32{101, 1}, [2]float32{202, 1}))
	scores, err := idx.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, scores[2], 1e-3)
	assert.InDelta(t, 1.0/3.0, scores[0], 1e-3)
	assert.InDelta(t, 1.0/3.0, scores[1], 1e-3)
}

func TestSearchIdentity_Scenario3(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	query := cleanSpectrum(150.0, mkPeaks([2]float32{100, 1}, [2]float32{101, 1}, [2]float32{103, 1}))
	scores, err := idx.SearchIdentity(context.Background(), toQuery(query), Tolerances{MS1: 0.01, MS2: 0.02})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, scores[0], 1e-3)
	for s := 1; s < len(scores); s++ {
		assert.InDelta(t, 0.0, scores[s], 1e-6, "spectrum %d should not be a precursor-tolerance candidate", s)
	}
}

func TestSearchNeutralLoss_Scenario4(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	query := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}, [2]float32{101, 1}, [2]float32{202, 1}))
	scores, err := idx.SearchNeutralLoss(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, scores[2], 1e-3)
	assert.InDelta(t, 1.0/3.0, scores[0], 1e-3)
}

func TestSearchNeutralLoss_RequiresNeutralLossArrays(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, false)

	query := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}))
	_, err := idx.SearchNeutralLoss(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.Error(t, err)
}

func TestSearchHybrid_TakesMaxOfOpenAndNeutralLoss(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	query := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}, [2]float32{101, 1}, [2]float32{202, 1}))
	openScores, err := idx.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)
	nlScores, err := idx.SearchNeutralLoss(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)
	hybridScores, err := idx.SearchHybrid(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)

	for s := range hybridScores {
		want := openScores[s]
		if nlScores[s] > want {
			want = nlScores[s]
		}
		assert.InDelta(t, want, hybridScores[s], 1e-5)
	}
}

func TestSearchOpen_Dedup(t *testing.T) {
	// Two query peaks both fall within tolerance of the same single
	// reference peak; it must contribute at most once. Built directly
	// from a Query (bypassing clean's centroid merge) so the two close
	// peaks reach the scan as distinct query peaks.
	ref := cleanSpectrum(100.0, mkPeaks([2]float32{100, 1}))
	idx := Build([]spectrum.Spectrum{ref}, true, false)

	query := Query{PrecursorMZ: 100, MZ: []float32{99.995, 100.005}, Intensity: []float32{0.5, 0.5}}
	scores, err := idx.SearchOpen(context.Background(), query, Tolerances{MS2: 0.02})
	require.NoError(t, err)

	assert.LessOrEqual(t, scores[0], float32(1.0+1e-5))
}

func TestSearchOpen_ZeroPeakSpectrumScoresZero(t *testing.T) {
	lib := []spectrum.Spectrum{{PrecursorMZ: 100, Peaks: nil}}
	idx := Build(lib, true, false)

	query := cleanSpectrum(100.0, mkPeaks([2]float32{100, 1}))
	scores, err := idx.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)
	assert.Equal(t, float32(0), scores[0])
}

func TestSearchOpen_ScoresInRange(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)
	query := cleanSpectrum(200.0, mkPeaks([2]float32{100, 1}, [2]float32{101, 1}, [2]float32{102, 1}))
	scores, err := idx.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, float32(-1e-6))
		assert.LessOrEqual(t, s, float32(1.0+1e-6))
	}
}

func TestTopN_Scenario6(t *testing.T) {
	lib := exampleLibrary()
	idx := Build(lib, true, true)

	query := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}, [2]float32{101, 1}, [2]float32{202, 1}))
	scores, err := idx.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)

	top := TopN(scores, 2)
	require.Len(t, top, 2)
	assert.Equal(t, uint64(2), top[0].GlobalIndex)
	assert.InDelta(t, 1.0, top[0].Score, 1e-3)
	assert.InDelta(t, 1.0/3.0, top[1].Score, 1e-3)
}

func TestTopN_TiesBrokenBySmallerGlobalIndex(t *testing.T) {
	scores := []float32{0.5, 0.5, 0.9}
	top := TopN(scores, 2)
	require.Len(t, top, 2)
	assert.Equal(t, uint64(2), top[0].GlobalIndex)
	assert.Equal(t, uint64(0), top[1].GlobalIndex)
}

func TestFanOutEquivalence_SplitVsMonolithic(t *testing.T) {
	lib := exampleLibrary()
	monolithic := Build(lib, true, true)

	bucketA := Build(lib[:2], true, true)
	bucketB := Build(lib[2:], true, true)

	query := cleanSpectrum(250.0, mkPeaks([2]float32{200, 1}, [2]float32{101, 1}, [2]float32{202, 1}))

	monoScores, err := monolithic.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)

	aScores, err := bucketA.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)
	bScores, err := bucketB.SearchOpen(context.Background(), toQuery(query), Tolerances{MS2: 0.02})
	require.NoError(t, err)
	split := append(append([]float32{}, aScores...), bScores...)

	require.Len(t, split, len(monoScores))
	for i := range monoScores {
		assert.InDelta(t, monoScores[i], split[i], 1e-5)
	}
}
