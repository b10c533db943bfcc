package flash

import (
	"context"
	"sort"

	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/errors"
)

// Search runs every requested method against the index and returns a
// method -> dense score vector map (spec §6 search). Values are 32-bit
// floats in [0,1].
func (idx *Index) Search(ctx context.Context, q Query, tol Tolerances, methods []config.Method) (map[config.Method][]float32, error) {
	out := make(map[config.Method][]float32, len(methods))
	for _, m := range methods {
		scores, err := idx.searchOne(ctx, q, tol, m)
		if err != nil {
			return nil, err
		}
		out[m] = scores
	}
	return out, nil
}

func (idx *Index) searchOne(ctx context.Context, q Query, tol Tolerances, method config.Method) ([]float32, error) {
	switch method {
	case config.MethodOpen:
		return idx.SearchOpen(ctx, q, tol)
	case config.MethodIdentity:
		return idx.SearchIdentity(ctx, q, tol)
	case config.MethodNeutralLoss:
		return idx.SearchNeutralLoss(ctx, q, tol)
	case config.MethodHybrid:
		return idx.SearchHybrid(ctx, q, tol)
	default:
		return nil, errors.Validation("unknown search method", nil)
	}
}

// Match is a single top-K result: a global index and its score.
type Match struct {
	GlobalIndex uint64
	Score       float32
}

// TopN selects the top K matches from a dense score vector (spec
// search_topn_matches), ties broken by smaller global index. k<0 returns
// all results sorted descending.
func TopN(scores []float32, k int) []Match {
	matches := make([]Match, len(scores))
	for i, s := range scores {
		matches[i] = Match{GlobalIndex: uint64(i), Score: s}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].GlobalIndex < matches[j].GlobalIndex
	})
	if k >= 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches
}
