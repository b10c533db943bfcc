package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/pkg/clean"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

func mkPeaks(pairs ...[2]float32) []spectrum.Peak {
	out := make([]spectrum.Peak, len(pairs))
	for i, p := range pairs {
		out[i] = spectrum.Peak{MZ: p[0], Intensity: p[1]}
	}
	return out
}

func chargedSpectrum(precursor float32, charge int8, raw []spectrum.Peak) spectrum.Spectrum {
	cleaned := clean.Clean(raw, config.DefaultCleanOptions())
	return spectrum.Spectrum{PrecursorMZ: precursor, Peaks: cleaned, Charge: charge, HasCharge: true}
}

func TestRepositorySearch_PartitionsByChargeSign(t *testing.T) {
	r := New("", config.Default())
	specs := []spectrum.Spectrum{
		chargedSpectrum(150, 1, mkPeaks([2]float32{100, 1})),
		chargedSpectrum(200, -1, mkPeaks([2]float32{100, 1})),
	}
	res, err := r.Add(context.Background(), specs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	assert.Contains(t, r.libs, "positive")
	assert.Contains(t, r.libs, "negative")
	assert.Equal(t, uint64(1), r.libs["positive"].NSpectra())
	assert.Equal(t, uint64(1), r.libs["negative"].NSpectra())
}

func TestRepositorySearch_SkipsSpectraWithoutCharge(t *testing.T) {
	r := New("", config.Default())
	specs := []spectrum.Spectrum{
		{PrecursorMZ: 150, Peaks: mkPeaks([2]float32{100, 1})}, // no charge
	}
	res, err := r.Add(context.Background(), specs)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
}

func TestRepositorySearch_GetSpectrumDispatchesByCharge(t *testing.T) {
	r := New("", config.Default())
	_, err := r.Add(context.Background(), []spectrum.Spectrum{
		chargedSpectrum(150, 1, mkPeaks([2]float32{100, 1})),
		chargedSpectrum(200, -1, mkPeaks([2]float32{200, 1})),
	})
	require.NoError(t, err)

	sp, err := r.GetSpectrum(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float32(150), sp.PrecursorMZ, 1e-6)

	sp, err = r.GetSpectrum(context.Background(), -1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float32(200), sp.PrecursorMZ, 1e-6)
}

func TestRepositorySearch_WriteOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, config.Default())
	_, err := r.Add(context.Background(), []spectrum.Spectrum{
		chargedSpectrum(150, 1, mkPeaks([2]float32{100, 1}, [2]float32{101, 1})),
	})
	require.NoError(t, err)
	require.NoError(t, r.Write(context.Background()))

	reopened, err := Open(dir, config.Default())
	require.NoError(t, err)
	assert.Contains(t, reopened.libs, "positive")
	assert.NotContains(t, reopened.libs, "negative")

	sp, err := reopened.GetSpectrum(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float32(150), sp.PrecursorMZ, 1e-6)
}

func TestRepositorySearch_SearchUnknownChargeReturnsEmpty(t *testing.T) {
	r := New("", config.Default())
	scores, err := r.Search(context.Background(), flash.Query{PrecursorMZ: 100}, 1, flash.Tolerances{MS2: 0.02}, []config.Method{config.MethodOpen})
	require.NoError(t, err)
	assert.Nil(t, scores[config.MethodOpen])
}
