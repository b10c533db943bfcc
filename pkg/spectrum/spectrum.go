// Package spectrum defines the closed record types a cleaned or raw MS/MS
// spectrum is exchanged as across the cleaning pipeline, the compact index,
// and the dynamic index manager.
package spectrum

import "math"

// Peak is a single fragment ion: an (mz, intensity) pair. Both fields must
// be finite and positive for a peak to survive cleaning.
type Peak struct {
	MZ        float32
	Intensity float32
}

// Valid reports whether the peak has a finite, positive mz and intensity.
func (p Peak) Valid() bool {
	return p.MZ > 0 && p.Intensity > 0 &&
		!math.IsNaN(float64(p.MZ)) && !math.IsInf(float64(p.MZ), 0) &&
		!math.IsNaN(float64(p.Intensity)) && !math.IsInf(float64(p.Intensity), 0)
}

// Spectrum is the closed record type spectra are accepted and stored as.
// Metadata key/value pairs live in the metadata store, keyed by the
// spectrum's global index; they are never threaded through Spectrum itself.
type Spectrum struct {
	PrecursorMZ float32
	Peaks       []Peak

	// Charge is optional; required for repository-style, charge-partitioned
	// indexes (pkg/repository).
	Charge    int8
	HasCharge bool
}

// Record pairs a Spectrum with the global index it was assigned at
// insertion and its joined metadata, returned by get_spectrum and by
// search_topn_matches when need_metadata is requested.
type Record struct {
	GlobalIndex uint64
	Spectrum    Spectrum
	Metadata    map[string]any
}
