// Package flashentropy is the public handle over the dynamic entropy-
// similarity spectral search index: the top-level operations named in
// spec §6 (build_new_library, add_spectra, build, write,
// promote_to_compact, search, search_topn, get_spectrum, clean), wiring
// together pkg/clean, pkg/entropy, internal/flash, internal/dynamic, and
// internal/metadata behind the single-writer/multi-reader discipline
// internal/lock enforces for on-disk libraries.
package flashentropy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/dynamic"
	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/internal/lock"
	"github.com/flashentropy/flashentropy/internal/logging"
	"github.com/flashentropy/flashentropy/internal/metadata"
	"github.com/flashentropy/flashentropy/pkg/clean"
	"github.com/flashentropy/flashentropy/pkg/entropy"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
	"github.com/flashentropy/flashentropy/pkg/version"
)

// Version returns the library's build version string (build_info).
func Version() string { return version.String() }

// Option configures a library at creation time.
type Option func(*config.LibraryConfig)

// WithIntensityWeight toggles entropy weighting (§4.B), fixed for the
// library's lifetime after the first insert.
func WithIntensityWeight(on bool) Option {
	return func(c *config.LibraryConfig) { c.IntensityWeighted = on }
}

// WithNeutralLossIndex toggles neutral-loss array construction, fixed for
// the library's lifetime after the first insert.
func WithNeutralLossIndex(on bool) Option {
	return func(c *config.LibraryConfig) { c.IndexForNeutralLoss = on }
}

// WithBucketCapacity sets the spectrum count at which an open bucket
// auto-promotes to compact form.
func WithBucketCapacity(n int) Option {
	return func(c *config.LibraryConfig) { c.DefaultBucketCapacity = n }
}

// WithAutoPromote toggles automatic capacity-triggered promotion.
func WithAutoPromote(on bool) Option {
	return func(c *config.LibraryConfig) { c.AutoPromote = on }
}

// Handle is the opaque library handle every public operation takes. The
// zero value is not usable; construct with NewLibrary or OpenLibrary.
type Handle struct {
	root     string
	lib      *dynamic.Library
	meta     *metadata.Store
	lk       *lock.WriterLock
	log      *slog.Logger
	logClose func()
}

// setupLogging wires a rotating JSON log file under the library root (spec
// ambient logging concern), falling back to the process-default logger if
// the log file can't be created so a permissions problem on logging never
// blocks opening the library itself.
func setupLogging(root string) (*slog.Logger, func()) {
	cfg := logging.DefaultConfig()
	cfg.FilePath = filepath.Join(root, "flashentropy.log")
	cfg.WriteToStderr = false
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return slog.Default(), func() {}
	}
	return logger, cleanup
}

// NewLibrary creates a new on-disk library at root (build_new_library).
// root must not already contain a library; callers who want to reopen an
// existing one use OpenLibrary.
func NewLibrary(root string, opts ...Option) (*Handle, error) {
	cfg := config.Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Validation("invalid library configuration", err)
	}

	metaStore, err := metadata.Open(root)
	if err != nil {
		return nil, err
	}

	logger, logClose := setupLogging(root)
	h := &Handle{
		root:     root,
		lib:      dynamic.New(cfg),
		meta:     metaStore,
		lk:       lock.New(root),
		log:      logger.With("component", "flashentropy", "root", root, "version", version.Short()),
		logClose: logClose,
	}
	h.log.Info("library created", "intensity_weighted", cfg.IntensityWeighted, "neutral_loss", cfg.IndexForNeutralLoss)
	return h, nil
}

// OpenLibrary reopens a library previously written at root.
func OpenLibrary(root string) (*Handle, error) {
	lib, err := dynamic.Open(root)
	if err != nil {
		return nil, err
	}
	metaStore, err := metadata.Open(root)
	if err != nil {
		return nil, err
	}
	logger, logClose := setupLogging(root)
	h := &Handle{
		root:     root,
		lib:      lib,
		meta:     metaStore,
		lk:       lock.New(root),
		log:      logger.With("component", "flashentropy", "root", root, "version", version.Short()),
		logClose: logClose,
	}
	h.log.Info("library opened", "n_spectra", lib.NSpectra(), "n_buckets", lib.BucketCount())
	return h, nil
}

// staleLockAge is how long a write lock may sit unreleased before
// lockForWrite treats it as evidence of a crashed writer worth logging,
// rather than a live process legitimately still building or writing.
const staleLockAge = 10 * time.Minute

// lockForWrite acquires the library's exclusive write lock, retrying a
// transient acquisition failure (e.g. the lock directory momentarily
// unwritable) with the package's default bounded backoff before surfacing
// a KindIO error. A lock that looks stale (spec §7 KindIO: a crashed
// writer can leave the lock file behind) is logged with its stamped owner
// PID so an operator can tell a hung process from a live one. Staleness is
// only checked when the lock is not free at once, since Unlock leaves the
// lock file (and its old timestamp) in place.
func (h *Handle) lockForWrite(ctx context.Context) error {
	if ok, err := h.lk.TryLock(); err == nil && ok {
		return nil
	}
	if h.lk.Stale(staleLockAge) {
		pid, ok := h.lk.Owner()
		h.log.Warn("write lock looks stale", "owner_pid", pid, "owner_known", ok, "path", h.lk.Path())
	}
	if err := errors.Retry(ctx, errors.DefaultRetryConfig(), h.lk.Lock); err != nil {
		return errors.IO("acquire write lock", err, true)
	}
	return nil
}

// Close releases the handle's metadata database connection and flushes its
// log file.
func (h *Handle) Close() error {
	if h.logClose != nil {
		h.logClose()
	}
	if h.meta == nil {
		return nil
	}
	return h.meta.Close()
}

// SpectrumInput is a raw, not-yet-cleaned spectrum plus its opaque
// metadata, the unit add_spectra accepts (spec §3 "Spectrum (input)").
type SpectrumInput struct {
	spectrum.Spectrum
	Metadata metadata.Record
}

// AddSpectra cleans, entropy-weights, and inserts spectra into the library
// (add_spectra), storing each accepted spectrum's metadata alongside it.
// Acquires the library's exclusive write lock for the duration (spec §5
// single-writer discipline).
func (h *Handle) AddSpectra(ctx context.Context, inputs []SpectrumInput, cleanOpts config.CleanOptions) (dynamic.AddResult, error) {
	if err := h.lockForWrite(ctx); err != nil {
		return dynamic.AddResult{}, err
	}
	defer h.lk.Unlock()

	start := time.Now()
	cleaned := make([]spectrum.Spectrum, len(inputs))
	for i, in := range inputs {
		opts := cleanOpts
		if opts.MaxMZ <= 0 && in.PrecursorMZ > 0 {
			opts.MaxMZ = clean.MaxMZFromPrecursor(in.PrecursorMZ, opts.PrecursorIonsRemovalDa)
		}
		cleaned[i] = spectrum.Spectrum{
			PrecursorMZ: in.PrecursorMZ,
			Peaks:       clean.Clean(in.Peaks, opts),
			Charge:      in.Charge,
			HasCharge:   in.HasCharge,
		}
	}

	cfg := h.lib.Config()
	result, err := h.lib.Add(ctx, cleaned)
	if err != nil {
		h.log.Error("add_spectra failed", "error", err)
		return result, err
	}

	if h.meta != nil && len(result.GlobalIndex) > 0 {
		bucketID := h.lib.BucketCount() - 1
		bucketStart := h.lib.GlobalStart(bucketID)
		for i, gi := range result.GlobalIndex {
			input := inputs[skipAdjustedIndex(i, result.InvalidIndex)]
			rec := mergeReservedKeys(input)
			localIdx := gi - bucketStart
			if err := h.meta.Put(ctx, bucketID, localIdx, rec); err != nil {
				h.log.Warn("failed to persist spectrum metadata", "global_index", gi, "error", err)
			}
		}
	}

	h.log.Info("add_spectra", "n_spectra", result.Inserted, "n_skipped", result.Skipped,
		"intensity_weighted", cfg.IntensityWeighted, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// skipAdjustedIndex maps a position in the accepted-output slice back to
// its original input index, accounting for inputs skipped as invalid.
func skipAdjustedIndex(acceptedPos int, invalid []int) int {
	pos := acceptedPos
	for _, idx := range invalid {
		if idx <= pos {
			pos++
		}
	}
	return pos
}

func mergeReservedKeys(in SpectrumInput) metadata.Record {
	rec := metadata.Record{}
	for k, v := range in.Metadata {
		rec[k] = v
	}
	rec[metadata.KeyPrecursorMZ] = in.PrecursorMZ
	if in.HasCharge {
		rec[metadata.KeyCharge] = in.Charge
	}
	return rec
}

// Build forces any trailing open bucket to be built so queries may run
// without paying rebuild cost on the first search (build).
func (h *Handle) Build(ctx context.Context) error {
	if err := h.lockForWrite(ctx); err != nil {
		return err
	}
	defer h.lk.Unlock()
	if err := h.lib.Build(ctx); err != nil {
		return err
	}
	h.log.Info("build", "n_spectra", h.lib.NSpectra(), "n_buckets", h.lib.BucketCount())
	return nil
}

// PromoteToCompact promotes one bucket to compact (Flash) form
// (promote_to_compact / convert_to_fast_search).
func (h *Handle) PromoteToCompact(ctx context.Context, bucketID int) error {
	if err := h.lockForWrite(ctx); err != nil {
		return err
	}
	defer h.lk.Unlock()
	if err := h.lib.Promote(ctx, bucketID); err != nil {
		return err
	}
	h.log.Info("promote_to_compact", "bucket_id", bucketID)
	return nil
}

// Write persists the library to its root directory (write).
func (h *Handle) Write(ctx context.Context) error {
	if err := h.lockForWrite(ctx); err != nil {
		return err
	}
	defer h.lk.Unlock()
	start := time.Now()
	if err := h.lib.Write(h.root); err != nil {
		h.log.Error("write failed", "error", err)
		return err
	}
	h.log.Info("write", "n_spectra", h.lib.NSpectra(), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Clean runs the peak-list normalization pipeline (spec §4.A, the public
// `clean` operation) over peaks.
func Clean(peaks []spectrum.Peak, opts config.CleanOptions) []spectrum.Peak {
	return clean.Clean(peaks, opts)
}

// prepareQuery cleans (unless disabled) and entropy-weights a query
// spectrum, producing the low-level flash.Query every search entry point
// requires (spec §4.C: "low-level per-method entry point... uncleaned
// query... violates the contract").
func prepareQuery(q spectrum.Spectrum, opts config.SearchOptions, intensityWeighted bool) flash.Query {
	peaks := q.Peaks
	if opts.Clean {
		cleanOpts := opts.CleanOptions
		if cleanOpts.MaxMZ <= 0 && q.PrecursorMZ > 0 {
			cleanOpts.MaxMZ = clean.MaxMZFromPrecursor(q.PrecursorMZ, cleanOpts.PrecursorIonsRemovalDa)
		}
		peaks = clean.Clean(peaks, cleanOpts)
	}

	intensities := make([]float32, len(peaks))
	mzs := make([]float32, len(peaks))
	for i, p := range peaks {
		mzs[i] = p.MZ
		intensities[i] = p.Intensity
	}
	if intensityWeighted {
		intensities = entropy.Weight(intensities)
	}
	return flash.Query{PrecursorMZ: q.PrecursorMZ, MZ: mzs, Intensity: intensities}
}
