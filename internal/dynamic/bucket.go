// Package dynamic implements the append-only, lazily-built dynamic index
// manager (spec component E): buckets of spectra that accept inserts until
// a capacity threshold is crossed, at which point they freeze into
// immutable compact (Flash) form, while the library as a whole still
// presents one logical index to queries.
package dynamic

import (
	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/pkg/entropy"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

// bucket is one group in the dynamic index: either an open bucket of
// pending spectra, a built-but-slack bucket (arrays exist but more inserts
// are still accepted up to Capacity), or a compact (frozen) bucket.
//
// "Reserved slack" (spec §3, §9) is modeled as capacity headroom rather
// than physically oversized arrays: a built, non-compact bucket still
// accepts inserts (which mark it dirty and rebuild lazily on the next
// query or promotion), while a compact bucket refuses them outright.
type bucket struct {
	id       int
	capacity int

	spectra []spectrum.Spectrum // raw cleaned + entropy-weighted, append-only

	built   *flash.Index // nil until the first Build, or for a lazily-loaded compact bucket
	dirty   bool         // spectra appended since built was last constructed
	compact bool         // frozen; no further inserts accepted

	// dir is set when this bucket's compact form lives on disk rather than
	// in built: the bucket was reopened from a library root and its arrays
	// are loaded lazily, through the library's group cache, on first use
	// (see Library.resolveIndex). Empty for buckets built in-process.
	dir      string
	nSpectra int // authoritative count; tracks spectra for in-memory buckets, set directly for lazy ones
}

func newBucket(id, capacity int) *bucket {
	return &bucket{id: id, capacity: capacity}
}

// count returns the number of spectra the bucket currently holds,
// regardless of build state.
func (b *bucket) count() int {
	return b.nSpectra
}

// insert appends cleaned, entropy-weighted spectra to the bucket's pending
// list. Refuses the insert if the bucket is already compact (spec §4.E:
// "after promotion, further inserts into that bucket are refused").
func (b *bucket) insert(spectra ...spectrum.Spectrum) error {
	if b.compact {
		return errors.StateViolation("cannot insert into an already-compact bucket")
	}
	b.spectra = append(b.spectra, spectra...)
	b.nSpectra = len(b.spectra)
	b.dirty = true
	return nil
}

// ensureBuilt rebuilds the bucket's Flash arrays if spectra were appended
// since the last build. A no-op on a compact bucket, whose arrays never
// change after promotion.
func (b *bucket) ensureBuilt(intensityWeighted, neutralLoss bool) *flash.Index {
	if b.built != nil && !b.dirty {
		return b.built
	}
	b.built = flash.Build(b.spectra, intensityWeighted, neutralLoss)
	b.dirty = false
	return b.built
}

// promote freezes the bucket into compact form, sorting/repacking its
// arrays exactly as Build already does and forbidding further inserts.
// Promoting an already-compact bucket is a state violation (spec §9 open
// question, decided: not idempotent).
func (b *bucket) promote(intensityWeighted, neutralLoss bool) error {
	if b.compact {
		return errors.StateViolation("bucket already compact")
	}
	b.built = flash.Build(b.spectra, intensityWeighted, neutralLoss)
	b.dirty = false
	b.compact = true
	return nil
}

// atCapacity reports whether the bucket has reached its promotion
// threshold.
func (b *bucket) atCapacity() bool {
	return b.count() >= b.capacity
}

// weightSpectrum applies the entropy weighting rule (spec §4.B) to a
// cleaned spectrum's intensities, returning a copy with a new peak slice;
// sp itself is left unchanged.
// Used by Library.Add before appending to a bucket so every spectrum
// stored is already entropy-weighted per the library's configuration.
func weightSpectrum(sp spectrum.Spectrum, apply bool) spectrum.Spectrum {
	if !apply || len(sp.Peaks) == 0 {
		return sp
	}
	intensities := make([]float32, len(sp.Peaks))
	for i, p := range sp.Peaks {
		intensities[i] = p.Intensity
	}
	weighted := entropy.Weight(intensities)
	out := sp
	out.Peaks = make([]spectrum.Peak, len(sp.Peaks))
	for i, p := range sp.Peaks {
		out.Peaks[i] = spectrum.Peak{MZ: p.MZ, Intensity: weighted[i]}
	}
	return out
}
