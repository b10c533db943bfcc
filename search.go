package flashentropy

import (
	"context"
	"fmt"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/internal/flash"
	"github.com/flashentropy/flashentropy/pkg/spectrum"
)

// Search runs every method named by opts against query and returns a
// method -> dense score vector map (search).
func (h *Handle) Search(ctx context.Context, query spectrum.Spectrum, opts config.SearchOptions) (map[config.Method][]float32, error) {
	methods, err := opts.ResolvedMethods()
	if err != nil {
		return nil, errors.Validation("invalid search options", err)
	}
	cfg := h.lib.Config()
	q := prepareQuery(query, opts, cfg.IntensityWeighted)
	tol := flash.Tolerances{MS1: opts.MS1ToleranceDa, MS2: opts.MS2ToleranceDa}
	return h.lib.Search(ctx, q, tol, methods)
}

// TopNResult is the result of SearchTopN: either bare (global_idx, score)
// pairs, or full metadata records with the similarity score joined in,
// depending on opts.NeedMetadata.
type TopNResult struct {
	Matches []flash.Match
	Records []spectrum.Record
}

// similarityFieldName returns the "{method}_search_entropy_similarity"
// metadata key spec §6 names for search_topn_matches(need_metadata=true).
func similarityFieldName(m config.Method) string {
	return fmt.Sprintf("%s_search_entropy_similarity", m)
}

// SearchTopN runs the single method named by opts.Methods[0] against query
// and returns its top-K matches, bare or joined with metadata
// (search_topn_matches). opts.Methods must name exactly one concrete
// method (not "all"); callers wanting top-K under every method call this
// once per method.
func (h *Handle) SearchTopN(ctx context.Context, query spectrum.Spectrum, opts config.SearchOptions) (TopNResult, error) {
	methods, err := opts.ResolvedMethods()
	if err != nil {
		return TopNResult{}, errors.Validation("invalid search options", err)
	}
	if len(methods) != 1 {
		return TopNResult{}, errors.Validation("search_topn requires exactly one concrete method", nil)
	}
	method := methods[0]

	cfg := h.lib.Config()
	q := prepareQuery(query, opts, cfg.IntensityWeighted)
	tol := flash.Tolerances{MS1: opts.MS1ToleranceDa, MS2: opts.MS2ToleranceDa}

	k := -1
	if opts.TopN != nil {
		k = *opts.TopN
	}

	matches, err := h.lib.SearchTopN(ctx, q, tol, method, k)
	if err != nil {
		return TopNResult{}, err
	}

	if !opts.NeedMetadata {
		return TopNResult{Matches: matches}, nil
	}

	records := make([]spectrum.Record, 0, len(matches))
	for _, m := range matches {
		rec, err := h.recordFor(ctx, m.GlobalIndex)
		if err != nil {
			return TopNResult{}, err
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any)
		}
		rec.Metadata[similarityFieldName(method)] = m.Score
		records = append(records, rec)
	}
	return TopNResult{Records: records}, nil
}

// GetSpectrum reconstructs the Spectrum and joined metadata stored at
// globalIdx (get_spectrum).
func (h *Handle) GetSpectrum(ctx context.Context, globalIdx uint64) (spectrum.Record, error) {
	return h.recordFor(ctx, globalIdx)
}

func (h *Handle) recordFor(ctx context.Context, globalIdx uint64) (spectrum.Record, error) {
	sp, bucketID, localIdx, err := h.lib.GetSpectrum(ctx, globalIdx)
	if err != nil {
		return spectrum.Record{}, err
	}
	rec := spectrum.Record{GlobalIndex: globalIdx, Spectrum: sp}
	if h.meta != nil {
		meta, err := h.meta.Get(ctx, bucketID, localIdx)
		if err == nil {
			rec.Metadata = meta
		}
	}
	return rec, nil
}
