package groupstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

func mkSpectrum(precursor float32, pairs ...[2]float32) spectrum.Spectrum {
	peaks := make([]spectrum.Peak, len(pairs))
	for i, p := range pairs {
		peaks[i] = spectrum.Peak{MZ: p[0], Intensity: p[1]}
	}
	return spectrum.Spectrum{PrecursorMZ: precursor, Peaks: peaks}
}

func fixtureLibrary() []spectrum.Spectrum {
	return []spectrum.Spectrum{
		mkSpectrum(150.0, [2]float32{100, 0.5}, [2]float32{101, 0.3}, [2]float32{103, 0.2}),
		mkSpectrum(200.0, [2]float32{100, 0.4}, [2]float32{101, 0.4}, [2]float32{102, 0.2}),
		mkSpectrum(250.0, [2]float32{200, 0.6}, [2]float32{101, 0.2}, [2]float32{202, 0.2}),
		{PrecursorMZ: 500, Peaks: nil},
	}
}

func toQuery(sp spectrum.Spectrum) flash.Query {
	q := flash.Query{PrecursorMZ: sp.PrecursorMZ, MZ: make([]float32, len(sp.Peaks)), Intensity: make([]float32, len(sp.Peaks))}
	for i, p := range sp.Peaks {
		q.MZ[i] = p.MZ
		q.Intensity[i] = p.Intensity
	}
	return q
}

func TestWriteOpen_RoundTripScoresMatch(t *testing.T) {
	lib := fixtureLibrary()
	original := flash.Build(lib, true, true)

	dir := t.TempDir()
	require.NoError(t, Write(dir, original))

	reopened, closer, err := Open(dir)
	require.NoError(t, err)
	defer closer()

	query := toQuery(mkSpectrum(250.0, [2]float32{200, 0.6}, [2]float32{101, 0.2}, [2]float32{202, 0.2}))
	tol := flash.Tolerances{MS1: 0.01, MS2: 0.02}

	wantOpen, err := original.SearchOpen(context.Background(), query, tol)
	require.NoError(t, err)
	gotOpen, err := reopened.SearchOpen(context.Background(), query, tol)
	require.NoError(t, err)
	require.Len(t, gotOpen, len(wantOpen))
	for i := range wantOpen {
		assert.InDelta(t, wantOpen[i], gotOpen[i], 1e-6)
	}

	wantNL, err := original.SearchNeutralLoss(context.Background(), query, tol)
	require.NoError(t, err)
	gotNL, err := reopened.SearchNeutralLoss(context.Background(), query, tol)
	require.NoError(t, err)
	require.Len(t, gotNL, len(wantNL))
	for i := range wantNL {
		assert.InDelta(t, wantNL[i], gotNL[i], 1e-6)
	}

	assert.Equal(t, original.NSpectra, reopened.NSpectra)
	assert.Equal(t, original.NPeaks, reopened.NPeaks)
	assert.True(t, reopened.HasNeutralLoss)
	assert.True(t, reopened.IntensityWeighted)
}

func TestWriteOpen_NoNeutralLossArraysWhenDisabled(t *testing.T) {
	lib := fixtureLibrary()
	original := flash.Build(lib, true, false)

	dir := t.TempDir()
	require.NoError(t, Write(dir, original))

	reopened, closer, err := Open(dir)
	require.NoError(t, err)
	defer closer()

	assert.False(t, reopened.HasNeutralLoss)
	assert.Empty(t, reopened.NLPeaksMZ)

	_, err = reopened.SearchNeutralLoss(context.Background(), toQuery(lib[0]), flash.Tolerances{MS2: 0.02})
	assert.Error(t, err)
}

func TestOpen_MetaSchemaVersionMismatch(t *testing.T) {
	lib := fixtureLibrary()
	original := flash.Build(lib, true, true)

	dir := t.TempDir()
	require.NoError(t, Write(dir, original))

	bad := encodeMeta(groupMeta{
		SchemaVersion:     metaSchemaVersion + 1,
		NSpectra:          original.NSpectra,
		NPeaks:            original.NPeaks,
		HasNeutralLoss:    original.HasNeutralLoss,
		IntensityWeighted: original.IntensityWeighted,
	})
	require.NoError(t, writeFile(dir, fileMeta, bad))

	_, _, err := Open(dir)
	require.Error(t, err)
}

func TestOpen_MissingGroupDirFails(t *testing.T) {
	_, _, err := Open(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestWrite_CreatesMissingDir(t *testing.T) {
	lib := fixtureLibrary()
	idx := flash.Build(lib, true, false)

	dir := filepath.Join(t.TempDir(), "nested", "group")
	require.NoError(t, Write(dir, idx))

	reopened, closer, err := Open(dir)
	require.NoError(t, err)
	defer closer()
	assert.Equal(t, idx.NSpectra, reopened.NSpectra)
}

func TestWriteOpen_EmptyLibraryRoundTrips(t *testing.T) {
	idx := flash.Build(nil, true, true)

	dir := t.TempDir()
	require.NoError(t, Write(dir, idx))

	reopened, closer, err := Open(dir)
	require.NoError(t, err)
	defer closer()

	assert.Equal(t, uint64(0), reopened.NSpectra)
	assert.Equal(t, uint64(0), reopened.NPeaks)
	assert.Len(t, reopened.ProductMZIdxStart, 1)
}
