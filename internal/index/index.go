// Package index provides exact first-stage retrieval: a flat dense
// vector index and a sparse impact index, both ranking through a shared
// top-k heap.
package index

import (
	"container/heap"
	"sort"
)

// Hit is one scored document in a ranking.
type Hit struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
}

// TopK accumulates the k best hits by score. Ties order by document id.
type TopK struct {
	k int
	h hitHeap
}

// NewTopK creates an accumulator keeping at most k hits.
func NewTopK(k int) *TopK {
	if k < 1 {
		k = 1
	}
	return &TopK{k: k, h: make(hitHeap, 0, k+1)}
}

// Push offers a hit, evicting the current worst when over capacity.
func (t *TopK) Push(docID string, score float64) {
	heap.Push(&t.h, Hit{DocID: docID, Score: score})
	if t.h.Len() > t.k {
		heap.Pop(&t.h)
	}
}

// Hits drains the accumulator, best first.
func (t *TopK) Hits() []Hit {
	hits := make([]Hit, len(t.h))
	copy(hits, t.h)
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	t.h = t.h[:0]
	return hits
}

// hitHeap is a min-heap so the worst retained hit sits at the root.
type hitHeap []Hit

func (h hitHeap) Len() int { return len(h) }

func (h hitHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].DocID > h[j].DocID
}

func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(Hit)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
