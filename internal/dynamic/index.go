package dynamic

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flashentropy/flashentropy/internal/cache"
	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/internal/groupstore"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

// Library is the dynamic index manager (spec component E): a sequence of
// buckets presenting one logical, append-friendly library to callers. A
// fully-built, non-mutating Library is safe for concurrent Search calls;
// mutation (Add, Build, Promote) must be externally serialized per the
// single-writer discipline (spec §5) — internal/lock.WriterLock provides
// that serialization for on-disk libraries.
type Library struct {
	cfg config.LibraryConfig

	mu      sync.RWMutex
	buckets []*bucket

	totalInserted uint64 // across the library's lifetime; locks cfg on first insert

	// groupCache bounds how many compact buckets reopened from disk are kept
	// memory-mapped at once (spec §9: large on-disk libraries should not
	// require every group resident simultaneously). Buckets built and held
	// in-process (b.dir == "") never pass through it.
	groupCache *cache.GroupCache[int, *diskGroup]
}

// New creates an empty, in-memory dynamic library with the given
// configuration. cfg.IntensityWeighted and cfg.IndexForNeutralLoss are
// fixed from this point on; see Add for the first-insert lock.
func New(cfg config.LibraryConfig) *Library {
	return &Library{cfg: cfg, groupCache: cache.New[int, *diskGroup](cache.DefaultGroupCacheSize, nil)}
}

// Config returns the library's current configuration.
func (lib *Library) Config() config.LibraryConfig {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.cfg
}

// currentBucket returns the bucket new inserts should land in, creating
// one with the library's default capacity if the last bucket is absent or
// already compact (spec §4.E step 1). Caller must hold lib.mu.
func (lib *Library) currentBucket() *bucket {
	if len(lib.buckets) == 0 || lib.buckets[len(lib.buckets)-1].compact {
		b := newBucket(len(lib.buckets), lib.cfg.DefaultBucketCapacity)
		lib.buckets = append(lib.buckets, b)
	}
	return lib.buckets[len(lib.buckets)-1]
}

// AddResult reports how many of the spectra passed to Add were accepted
// versus skipped for failing input validation (spec §7 recovery policy:
// "input-validation errors are per-item... may be reported as a
// skipped-count alongside successful insertions").
type AddResult struct {
	Inserted     int
	Skipped      int
	GlobalIndex  []uint64 // global index assigned to each accepted spectrum, in order
	InvalidIndex []int    // positions (in the input slice) of skipped spectra
}

// Add inserts cleaned spectra into the library (spec add_new_spectra).
// Spectra must already have passed pkg/clean; Add applies entropy
// weighting per the library's IntensityWeighted configuration and assigns
// global indices. The first call to Add locks IntensityWeighted and
// IndexForNeutralLoss for the library's lifetime.
func (lib *Library) Add(ctx context.Context, spectra []spectrum.Spectrum) (AddResult, error) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	var result AddResult
	var accepted []spectrum.Spectrum

	for i, sp := range spectra {
		if err := validateSpectrum(sp); err != nil {
			result.Skipped++
			result.InvalidIndex = append(result.InvalidIndex, i)
			continue
		}
		accepted = append(accepted, weightSpectrum(sp, lib.cfg.IntensityWeighted))
	}

	if len(accepted) == 0 {
		return result, nil
	}

	b := lib.currentBucket()
	baseGlobal := lib.globalStartLocked(b.id) + uint64(b.count())
	if err := b.insert(accepted...); err != nil {
		return result, err
	}

	for i := range accepted {
		result.GlobalIndex = append(result.GlobalIndex, baseGlobal+uint64(i))
	}
	result.Inserted = len(accepted)
	lib.totalInserted += uint64(len(accepted))
	lib.cfg.Locked = true

	if lib.cfg.AutoPromote && b.atCapacity() {
		if err := b.promote(lib.cfg.IntensityWeighted, lib.cfg.IndexForNeutralLoss); err != nil {
			return result, err
		}
	}

	return result, nil
}

// validateSpectrum checks the input-validation rules spec §7 names:
// missing precursor_mz, missing/empty peaks are not themselves invalid
// (zero-peak spectra are allowed, spec §3 invariant 3) but a non-positive
// precursor_mz is a malformed spectrum.
func validateSpectrum(sp spectrum.Spectrum) error {
	if sp.PrecursorMZ <= 0 {
		return errors.Validation("spectrum missing a positive precursor_mz", nil)
	}
	return nil
}

// Build forces every open bucket to be built (lazily, possibly with slack)
// so that queries may run immediately without paying rebuild cost on the
// first Search (spec build_index).
func (lib *Library) Build(ctx context.Context) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	for _, b := range lib.buckets {
		if _, err := lib.resolveIndex(b); err != nil {
			return err
		}
	}
	return nil
}

// diskGroup wraps a group's Flash arrays loaded from disk together with the
// mmap-closing function groupstore.Open returns, satisfying cache.Closer so
// the library's groupCache can unmap it on eviction.
type diskGroup struct {
	idx     *flash.Index
	closeFn func() error
}

func (g *diskGroup) Close() error { return g.closeFn() }

// resolveIndex returns the Flash arrays backing b, building them in-process
// if b is still mutable (or was built but never persisted), or loading them
// from disk through the library's bounded group cache if b is a compact
// bucket reopened from a library root. Caller need not hold lib.mu; the
// cache itself is safe for concurrent use.
func (lib *Library) resolveIndex(b *bucket) (*flash.Index, error) {
	if b.dir == "" || !b.compact {
		return b.ensureBuilt(lib.cfg.IntensityWeighted, lib.cfg.IndexForNeutralLoss), nil
	}
	if g, ok := lib.groupCache.Get(b.id); ok {
		return g.idx, nil
	}
	idx, closeFn, err := groupstore.Open(b.dir)
	if err != nil {
		return nil, errors.IO("dynamic: load compact bucket from disk", err, false)
	}
	lib.groupCache.Add(b.id, &diskGroup{idx: idx, closeFn: closeFn})
	return idx, nil
}

// Promote explicitly promotes bucketID to compact form (spec
// promote_to_compact / convert_to_fast_search). Returns a state-violation
// error if the bucket is already compact or does not exist.
func (lib *Library) Promote(ctx context.Context, bucketID int) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if bucketID < 0 || bucketID >= len(lib.buckets) {
		return errors.Validation("no such bucket", nil)
	}
	return lib.buckets[bucketID].promote(lib.cfg.IntensityWeighted, lib.cfg.IndexForNeutralLoss)
}

// GlobalStart returns the first global index owned by bucketID, computed
// from the live bucket counts (not the persisted config.GroupStart, which
// is only authoritative immediately after a write).
func (lib *Library) GlobalStart(bucketID int) uint64 {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.globalStartLocked(bucketID)
}

func (lib *Library) globalStartLocked(bucketID int) uint64 {
	var start uint64
	for i := 0; i < bucketID && i < len(lib.buckets); i++ {
		start += uint64(lib.buckets[i].count())
	}
	return start
}

// NSpectra returns the total number of spectra across every bucket.
func (lib *Library) NSpectra() uint64 {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	var n uint64
	for _, b := range lib.buckets {
		n += uint64(b.count())
	}
	return n
}

// Search runs every requested method across all buckets and concatenates
// the per-bucket dense score vectors in bucket (global-index) order (spec
// §4.E query fan-out). Each bucket's scan runs in its own goroutine via
// errgroup, matching the intra-query parallelism permitted by §5.
func (lib *Library) Search(ctx context.Context, q flash.Query, tol flash.Tolerances, methods []config.Method) (map[config.Method][]float32, error) {
	lib.mu.RLock()
	buckets := make([]*bucket, len(lib.buckets))
	copy(buckets, lib.buckets)
	lib.mu.RUnlock()

	perBucket := make([]map[config.Method][]float32, len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range buckets {
		i, b := i, b
		g.Go(func() error {
			idx, err := lib.resolveIndex(b)
			if err != nil {
				return err
			}
			scores, err := idx.Search(gctx, q, tol, methods)
			if err != nil {
				return err
			}
			perBucket[i] = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[config.Method][]float32, len(methods))
	for _, m := range methods {
		var merged []float32
		for _, bucketScores := range perBucket {
			merged = append(merged, bucketScores[m]...)
		}
		out[m] = merged
	}
	return out, nil
}

// SearchTopN runs method across all buckets and merges each bucket's
// local top-K into one library-wide top-K via a bounded min-heap (spec
// §4.E: "overall complexity O(sum(work per bucket) + total_n * log K)").
// k < 0 requests every result, sorted descending (falls back to a full
// Search + flash.TopN in that case, since a bound of size "all" degenerates
// the heap to a plain sort anyway).
func (lib *Library) SearchTopN(ctx context.Context, q flash.Query, tol flash.Tolerances, method config.Method, k int) ([]flash.Match, error) {
	if k < 0 {
		scores, err := lib.Search(ctx, q, tol, []config.Method{method})
		if err != nil {
			return nil, err
		}
		return flash.TopN(scores[method], k), nil
	}

	lib.mu.RLock()
	buckets := make([]*bucket, len(lib.buckets))
	copy(buckets, lib.buckets)
	starts := make([]uint64, len(lib.buckets))
	var cursor uint64
	for i, b := range lib.buckets {
		starts[i] = cursor
		cursor += uint64(b.count())
	}
	lib.mu.RUnlock()

	heapResult := newMatchHeap(k)
	var heapMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range buckets {
		i, b := i, b
		g.Go(func() error {
			idx, err := lib.resolveIndex(b)
			if err != nil {
				return err
			}
			scores, err := idx.Search(gctx, q, tol, []config.Method{method})
			if err != nil {
				return err
			}
			local := flash.TopN(scores[method], k)
			heapMu.Lock()
			for _, m := range local {
				heapResult.offer(starts[i]+m.GlobalIndex, m.Score)
			}
			heapMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sorted := heapResult.sorted()
	out := make([]flash.Match, len(sorted))
	for i, item := range sorted {
		out[i] = flash.Match{GlobalIndex: item.globalIndex, Score: item.score}
	}
	return out, nil
}

// SpectrumArrays holds the raw peak arrays recovered for one spectrum by
// GetSpectrum, before they are paired back into spectrum.Peak values.
type SpectrumArrays struct {
	PrecursorMZ float32
	MZ          []float32
	Intensity   []float32
}

// GetSpectrum reconstructs the Spectrum stored at globalIdx by locating its
// owning bucket (via the live bucket counts) and reading back its CSR peak
// span. Reconstructed peaks carry the entropy-weighted intensities that
// were actually indexed, not necessarily the original input intensities
// (spec §9: Spectrum is the closed record type actually stored).
func (lib *Library) GetSpectrum(ctx context.Context, globalIdx uint64) (spectrum.Spectrum, int, uint64, error) {
	lib.mu.RLock()
	defer lib.mu.RUnlock()

	var start uint64
	for _, b := range lib.buckets {
		n := uint64(b.count())
		if globalIdx < start+n {
			localIdx := globalIdx - start
			idx, err := lib.resolveIndex(b)
			if err != nil {
				return spectrum.Spectrum{}, 0, 0, err
			}
			sp, err := spectrumFromIndex(idx, localIdx)
			return sp, b.id, localIdx, err
		}
		start += n
	}
	return spectrum.Spectrum{}, 0, 0, errors.Validation("global index out of range", nil)
}

func spectrumFromIndex(idx *flash.Index, localIdx uint64) (spectrum.Spectrum, error) {
	if localIdx+1 >= uint64(len(idx.ProductMZIdxStart)) {
		return spectrum.Spectrum{}, errors.Validation("local index out of range", nil)
	}
	lo := idx.ProductMZIdxStart[localIdx]
	hi := idx.ProductMZIdxStart[localIdx+1]

	peaks := make([]spectrum.Peak, 0, hi-lo)
	type posPeak struct {
		ionIdx uint32
		peak   spectrum.Peak
	}
	var collected []posPeak
	for i := uint64(0); i < idx.NPeaks; i++ {
		if idx.AllPeaksSpecIdx[i] != localIdx {
			continue
		}
		collected = append(collected, posPeak{
			ionIdx: idx.AllIonsIdxForPeak[i],
			peak:   spectrum.Peak{MZ: idx.AllPeaksMZ[i], Intensity: idx.AllPeaksIntensity[i]},
		})
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].ionIdx < collected[j].ionIdx })
	for _, c := range collected {
		peaks = append(peaks, c.peak)
	}

	var precursorMZ float32
	for order, global := range idx.SpectraOrderToGlobal {
		if global == localIdx {
			precursorMZ = idx.SpectraPrecursorMZ[order]
			break
		}
	}

	return spectrum.Spectrum{PrecursorMZ: precursorMZ, Peaks: peaks}, nil
}

// reconstructSpectra rebuilds every spectrum's peaks from idx's
// globally-sorted arrays in a single pass, grouping peaks by spec_idx and
// ordering each spectrum's peaks by its stored ion index. Used when
// reopening a non-compact bucket from disk, which only persists the built
// arrays, not the original pending spectra list.
func reconstructSpectra(idx *flash.Index) ([]spectrum.Spectrum, error) {
	type posPeak struct {
		ionIdx uint32
		peak   spectrum.Peak
	}
	byline := make(map[uint64][]posPeak, idx.NSpectra)
	for i := uint64(0); i < idx.NPeaks; i++ {
		s := idx.AllPeaksSpecIdx[i]
		byline[s] = append(byline[s], posPeak{
			ionIdx: idx.AllIonsIdxForPeak[i],
			peak:   spectrum.Peak{MZ: idx.AllPeaksMZ[i], Intensity: idx.AllPeaksIntensity[i]},
		})
	}

	precursorByLocal := make(map[uint64]float32, idx.NSpectra)
	for order, global := range idx.SpectraOrderToGlobal {
		precursorByLocal[global] = idx.SpectraPrecursorMZ[order]
	}

	out := make([]spectrum.Spectrum, idx.NSpectra)
	for s := uint64(0); s < idx.NSpectra; s++ {
		entries := byline[s]
		sort.Slice(entries, func(i, j int) bool { return entries[i].ionIdx < entries[j].ionIdx })
		peaks := make([]spectrum.Peak, len(entries))
		for i, e := range entries {
			peaks[i] = e.peak
		}
		out[s] = spectrum.Spectrum{PrecursorMZ: precursorByLocal[s], Peaks: peaks}
	}
	return out, nil
}

// BucketCount returns the number of buckets currently in the library.
func (lib *Library) BucketCount() int {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return len(lib.buckets)
}
