package flash

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/pkg/entropy"
)

// Query is a cleaned, entropy-weighted query spectrum ready for scoring.
// Low-level entry points (the functions in this file) assume the caller
// already ran it through pkg/clean and pkg/entropy.Weight; passing an
// uncleaned query violates the contract and produces undefined results.
type Query struct {
	PrecursorMZ float32
	MZ          []float32
	Intensity   []float32
}

// Tolerances bundles the two Da windows every search mode consults.
type Tolerances struct {
	MS1 float32
	MS2 float32
}

// consumedKey packs a spectrum's global index and the ion index within it
// into one dedup key. A per-query roaring bitmap keyed on this value
// prevents two query peaks from both crediting the same reference peak, as
// required by spec §4.C.1 and the dedup testable property in §8.
func consumedKey(specIdx uint64, ionIdx uint32) uint64 {
	return specIdx<<32 | uint64(ionIdx)
}

// openScan walks all_peaks_mz for each query peak, accumulating the
// merged-entropy contribution of every hit into score[spec_idx], skipping
// reference peaks already consumed by an earlier query peak for the same
// spectrum. mzAxis/intensityAxis/specIdxAxis/ionIdxAxis let this same scan
// serve both the open (direct mz) and neutral-loss (precursor-delta) axes.
func openScan(
	ctx context.Context,
	queryMZ, queryIntensity []float32,
	mzAxis, intensityAxis []float32,
	specIdxAxis []uint64,
	ionIdxAxis []uint32,
	tol float32,
	score []float64,
	consumed *roaring64Set,
) error {
	for qi, qmz := range queryMZ {
		if qi%256 == 0 {
			select {
			case <-ctx.Done():
				return errors.Cancelled()
			default:
			}
		}

		lo, hi := rangeQuery(mzAxis, qmz, tol)
		qIntensity := float64(queryIntensity[qi])

		// Within this query peak's tolerance window, credit only the best
		// single reference peak per spectrum (spec §4.C.1): track the best
		// contribution seen so far per spectrum in this window and apply
		// it once the window is scanned, so a spectrum with several peaks
		// inside tolerance isn't credited multiple times for one query
		// peak either.
		best := make(map[uint64]struct {
			contribution float64
			specIdx      uint64
			ionIdx       uint32
		})
		for i := lo; i < hi; i++ {
			specIdx := specIdxAxis[i]
			ionIdx := ionIdxAxis[i]
			key := consumedKey(specIdx, ionIdx)
			if consumed.Contains(key) {
				continue
			}
			contribution := entropy.Similarity(qIntensity, float64(intensityAxis[i]))
			if existing, ok := best[specIdx]; !ok || contribution > existing.contribution {
				best[specIdx] = struct {
					contribution float64
					specIdx      uint64
					ionIdx       uint32
				}{contribution, specIdx, ionIdx}
			}
		}
		for specIdx, b := range best {
			score[specIdx] += b.contribution
			consumed.Add(consumedKey(specIdx, b.ionIdx))
		}
	}
	return nil
}

// roaring64Set adapts github.com/RoaringBitmap/roaring/v2's 32-bit bitmap
// to the 64-bit dedup keys consumedKey produces, by splitting each key
// into its high and low 32 bits and keeping one 32-bit bitmap per distinct
// high half. With keys of the form specIdx<<32 | ionIdx the high half is
// the spectrum index, so the set holds one bitmap per reference spectrum a
// query credits (spectrum 0 uses the dedicated bitmap field).
type roaring64Set struct {
	bitmap *roaring.Bitmap
	hi     map[uint32]*roaring.Bitmap
}

func newRoaring64Set() *roaring64Set {
	return &roaring64Set{bitmap: roaring.New(), hi: make(map[uint32]*roaring.Bitmap)}
}

func (s *roaring64Set) Add(key uint64) {
	hi := uint32(key >> 32)
	lo := uint32(key)
	if hi == 0 {
		s.bitmap.Add(lo)
		return
	}
	b, ok := s.hi[hi]
	if !ok {
		b = roaring.New()
		s.hi[hi] = b
	}
	b.Add(lo)
}

func (s *roaring64Set) Contains(key uint64) bool {
	hi := uint32(key >> 32)
	lo := uint32(key)
	if hi == 0 {
		return s.bitmap.Contains(lo)
	}
	b, ok := s.hi[hi]
	if !ok {
		return false
	}
	return b.Contains(lo)
}

// SearchOpen implements open search (spec §4.C.1): direct fragment m/z
// alignment, no precursor constraint.
func (idx *Index) SearchOpen(ctx context.Context, q Query, tol Tolerances) ([]float32, error) {
	score := make([]float64, idx.NSpectra)
	consumed := newRoaring64Set()
	if err := openScan(ctx, q.MZ, q.Intensity, idx.AllPeaksMZ, idx.AllPeaksIntensity, idx.AllPeaksSpecIdx, idx.AllIonsIdxForPeak, tol.MS2, score, consumed); err != nil {
		return nil, err
	}
	return toFloat32(score), nil
}

// SearchIdentity implements identity search (spec §4.C.2): open search
// restricted to reference spectra whose precursor m/z is within MS1
// tolerance of the query's.
func (idx *Index) SearchIdentity(ctx context.Context, q Query, tol Tolerances) ([]float32, error) {
	candidates := idx.precursorCandidates(q.PrecursorMZ, tol.MS1)
	mask := make(map[uint64]bool, len(candidates))
	for _, c := range candidates {
		mask[c] = true
	}

	score := make([]float64, idx.NSpectra)
	consumed := newRoaring64Set()

	for qi, qmz := range q.MZ {
		if qi%256 == 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Cancelled()
			default:
			}
		}
		lo, hi := rangeQuery(idx.AllPeaksMZ, qmz, tol.MS2)
		qIntensity := float64(q.Intensity[qi])

		best := make(map[uint64]struct {
			contribution float64
			ionIdx       uint32
		})
		for i := lo; i < hi; i++ {
			specIdx := idx.AllPeaksSpecIdx[i]
			if !mask[specIdx] {
				continue
			}
			ionIdx := idx.AllIonsIdxForPeak[i]
			key := consumedKey(specIdx, ionIdx)
			if consumed.Contains(key) {
				continue
			}
			contribution := entropy.Similarity(qIntensity, float64(idx.AllPeaksIntensity[i]))
			if existing, ok := best[specIdx]; !ok || contribution > existing.contribution {
				best[specIdx] = struct {
					contribution float64
					ionIdx       uint32
				}{contribution, ionIdx}
			}
		}
		for specIdx, b := range best {
			score[specIdx] += b.contribution
			consumed.Add(consumedKey(specIdx, b.ionIdx))
		}
	}
	return toFloat32(score), nil
}

// SearchNeutralLoss implements neutral-loss search (spec §4.C.3): alignment
// on the precursor_mz - peak_mz axis. Fatal error if the index has no
// neutral-loss arrays.
func (idx *Index) SearchNeutralLoss(ctx context.Context, q Query, tol Tolerances) ([]float32, error) {
	if !idx.HasNeutralLoss {
		return nil, errors.ModeMismatch("neutral_loss search requires an index built with index_for_neutral_loss")
	}
	nlQueryMZ := make([]float32, len(q.MZ))
	for i, mz := range q.MZ {
		nlQueryMZ[i] = q.PrecursorMZ - mz
	}

	score := make([]float64, idx.NSpectra)
	consumed := newRoaring64Set()
	if err := openScan(ctx, nlQueryMZ, q.Intensity, idx.NLPeaksMZ, idx.NLPeaksIntensity, idx.NLPeaksSpecIdx, idx.NLIonsIdxForPeak, tol.MS2, score, consumed); err != nil {
		return nil, err
	}
	return toFloat32(score), nil
}

// SearchHybrid implements hybrid search (spec §4.C.4) as two full scans,
// open and neutral-loss, each with its own dedup set, and returns for each
// spectrum the larger of the two whole-spectrum totals. The maximum is not
// taken per query peak: a spectrum's score is either its open total or its
// neutral-loss total, never a per-peak mix of the two.
func (idx *Index) SearchHybrid(ctx context.Context, q Query, tol Tolerances) ([]float32, error) {
	if !idx.HasNeutralLoss {
		return nil, errors.ModeMismatch("hybrid search requires an index built with index_for_neutral_loss")
	}

	openScore := make([]float64, idx.NSpectra)
	nlScore := make([]float64, idx.NSpectra)

	openConsumed := newRoaring64Set()
	if err := openScan(ctx, q.MZ, q.Intensity, idx.AllPeaksMZ, idx.AllPeaksIntensity, idx.AllPeaksSpecIdx, idx.AllIonsIdxForPeak, tol.MS2, openScore, openConsumed); err != nil {
		return nil, err
	}

	nlQueryMZ := make([]float32, len(q.MZ))
	for i, mz := range q.MZ {
		nlQueryMZ[i] = q.PrecursorMZ - mz
	}
	nlConsumed := newRoaring64Set()
	if err := openScan(ctx, nlQueryMZ, q.Intensity, idx.NLPeaksMZ, idx.NLPeaksIntensity, idx.NLPeaksSpecIdx, idx.NLIonsIdxForPeak, tol.MS2, nlScore, nlConsumed); err != nil {
		return nil, err
	}

	merged := make([]float64, idx.NSpectra)
	for s := range merged {
		if openScore[s] > nlScore[s] {
			merged[s] = openScore[s]
		} else {
			merged[s] = nlScore[s]
		}
	}
	return toFloat32(merged), nil
}

// precursorCandidates returns the global indices of spectra whose
// precursor m/z falls within tol of target, via binary search over the
// sorted SpectraPrecursorMZ axis.
func (idx *Index) precursorCandidates(target, tol float32) []uint64 {
	lo, hi := rangeQuery(idx.SpectraPrecursorMZ, target, tol)
	out := make([]uint64, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, idx.SpectraOrderToGlobal[i])
	}
	return out
}

func toFloat32(scores []float64) []float32 {
	out := make([]float32, len(scores))
	for i, s := range scores {
		out[i] = float32(s)
	}
	return out
}
