// Package repository implements the RepositorySearch preset (spec §6): a
// dynamic index partitioned into separate sub-libraries by precursor
// charge sign, so get_spectrum(charge, spec_idx) dispatches directly to
// the sub-library owning that charge without scanning the others.
package repository

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/dynamic"
	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

// chargeKey canonicalizes a spectrum's sign into one of two partitions:
// positive (including zero) and negative. Repository-style indexes require
// charge on every spectrum (spec §3).
func chargeKey(charge int8) string {
	if charge < 0 {
		return "negative"
	}
	return "positive"
}

// RepositorySearch is the dynamic index with charge partitioning: a
// separate dynamic.Library per charge sign, presented as one handle.
type RepositorySearch struct {
	root string
	cfg  config.LibraryConfig

	libs map[string]*dynamic.Library
}

// New creates an empty, in-memory RepositorySearch. root is used only by
// Write/Open for on-disk persistence; it may be empty for a purely
// in-memory instance.
func New(root string, cfg config.LibraryConfig) *RepositorySearch {
	return &RepositorySearch{
		root: root,
		cfg:  cfg,
		libs: make(map[string]*dynamic.Library),
	}
}

func (r *RepositorySearch) subDir(key string) string {
	return filepath.Join(r.root, key)
}

func (r *RepositorySearch) libraryFor(key string) *dynamic.Library {
	lib, ok := r.libs[key]
	if !ok {
		lib = dynamic.New(r.cfg)
		r.libs[key] = lib
	}
	return lib
}

// Add partitions spectra by charge sign and inserts each partition into its
// own sub-library. Every spectrum must carry a charge (spec §3: "required
// for repository-style indexes"); spectra without one are reported as
// skipped, matching the per-item validation-error recovery policy (§7).
func (r *RepositorySearch) Add(ctx context.Context, spectra []spectrum.Spectrum) (dynamic.AddResult, error) {
	byKey := make(map[string][]spectrum.Spectrum)
	var result dynamic.AddResult

	for i, sp := range spectra {
		if !sp.HasCharge {
			result.Skipped++
			result.InvalidIndex = append(result.InvalidIndex, i)
			continue
		}
		key := chargeKey(sp.Charge)
		byKey[key] = append(byKey[key], sp)
	}

	for key, specs := range byKey {
		lib := r.libraryFor(key)
		sub, err := lib.Add(ctx, specs)
		if err != nil {
			return result, err
		}
		result.Inserted += sub.Inserted
		result.Skipped += sub.Skipped
	}
	return result, nil
}

// Build forces every sub-library's trailing open bucket to be built.
func (r *RepositorySearch) Build(ctx context.Context) error {
	for _, lib := range r.libs {
		if err := lib.Build(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Search dispatches to the sub-library matching the query's charge and
// returns its dense score vectors. A query with no charge set searches the
// positive-charge partition, matching chargeKey's default.
func (r *RepositorySearch) Search(ctx context.Context, q flash.Query, charge int8, tol flash.Tolerances, methods []config.Method) (map[config.Method][]float32, error) {
	lib, ok := r.libs[chargeKey(charge)]
	if !ok {
		out := make(map[config.Method][]float32, len(methods))
		for _, m := range methods {
			out[m] = nil
		}
		return out, nil
	}
	return lib.Search(ctx, q, tol, methods)
}

// SearchTopN dispatches search_topn to the sub-library matching charge.
func (r *RepositorySearch) SearchTopN(ctx context.Context, q flash.Query, charge int8, tol flash.Tolerances, method config.Method, k int) ([]flash.Match, error) {
	lib, ok := r.libs[chargeKey(charge)]
	if !ok {
		return nil, nil
	}
	return lib.SearchTopN(ctx, q, tol, method, k)
}

// GetSpectrum dispatches get_spectrum(charge, spec_idx) (spec §6, §9) to
// the sub-library owning that charge.
func (r *RepositorySearch) GetSpectrum(ctx context.Context, charge int8, globalIdx uint64) (spectrum.Spectrum, error) {
	lib, ok := r.libs[chargeKey(charge)]
	if !ok {
		return spectrum.Spectrum{}, errors.Validation("no sub-library for charge "+strconv.Itoa(int(charge)), nil)
	}
	sp, _, _, err := lib.GetSpectrum(ctx, globalIdx)
	return sp, err
}

// Write persists every charge partition under its own subdirectory of root.
func (r *RepositorySearch) Write(ctx context.Context) error {
	for key, lib := range r.libs {
		if err := lib.Write(r.subDir(key)); err != nil {
			return err
		}
	}
	return nil
}

// Open reloads a RepositorySearch previously written at root, discovering
// whichever charge partitions were persisted.
func Open(root string, cfg config.LibraryConfig) (*RepositorySearch, error) {
	r := New(root, cfg)
	for _, key := range []string{"positive", "negative"} {
		dir := r.subDir(key)
		if _, err := os.Stat(filepath.Join(dir, config.FileName)); err != nil {
			continue
		}
		lib, err := dynamic.Open(dir)
		if err != nil {
			return nil, err
		}
		r.libs[key] = lib
	}
	return r, nil
}
