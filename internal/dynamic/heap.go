package dynamic

import (
	"container/heap"
	"sort"
)

// matchHeap is a bounded min-heap of matchItem ordered so the *worst*
// surviving match (lowest score, ties broken toward the larger global
// index) sits at the root — the element evicted first when a better
// candidate arrives. Used to merge per-bucket top-K results into one
// library-wide top-K without materializing every bucket's full dense
// vector (spec §4.E: "maintains a bounded min-heap of size K across
// buckets").
type matchHeap struct {
	items []matchItem
	k     int
}

type matchItem struct {
	globalIndex uint64
	score       float32
}

func newMatchHeap(k int) *matchHeap {
	return &matchHeap{k: k}
}

func (h *matchHeap) Len() int { return len(h.items) }

// Less defines min-heap order by score, with the *larger* global index
// treated as "smaller" (evicted first) so that among equal scores the
// smallest global index survives — matching the tie-break convention
// decided for search_topn_matches (spec §8, DESIGN.md open question 1).
func (h *matchHeap) Less(i, j int) bool {
	if h.items[i].score != h.items[j].score {
		return h.items[i].score < h.items[j].score
	}
	return h.items[i].globalIndex > h.items[j].globalIndex
}

func (h *matchHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *matchHeap) Push(x any) { h.items = append(h.items, x.(matchItem)) }

func (h *matchHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// offer adds (globalIndex, score) to the heap, bounded at k entries: once
// full, a new candidate only displaces the current worst if it's strictly
// better under the same (score desc, global_idx asc) order.
func (h *matchHeap) offer(globalIndex uint64, score float32) {
	if h.k <= 0 {
		return
	}
	candidate := matchItem{globalIndex: globalIndex, score: score}
	if h.Len() < h.k {
		heap.Push(h, candidate)
		return
	}
	worst := h.items[0]
	if candidate.score > worst.score || (candidate.score == worst.score && candidate.globalIndex < worst.globalIndex) {
		h.items[0] = candidate
		heap.Fix(h, 0)
	}
}

// sorted returns the heap's contents in descending-score order, ties
// broken by ascending global index.
func (h *matchHeap) sorted() []matchItem {
	out := make([]matchItem, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].globalIndex < out[j].globalIndex
	})
	return out
}
