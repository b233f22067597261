package vectorstore

import (
	"container/heap"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/store"
)

// mergeTopK merges per-shard ranked hit lists into a single globally ranked
// top-k list. Each input list must already be sorted by score descending.
// Ties break by shard position first, then by record id, so a merged result
// is deterministic across runs.
func mergeTopK(perShard [][]store.Hit, topK int) []store.Hit {
	h := &mergeHeap{}
	for si, hits := range perShard {
		if len(hits) > 0 {
			h.entries = append(h.entries, mergeEntry{hit: hits[0], shard: si, next: 1})
		}
	}
	heap.Init(h)

	out := make([]store.Hit, 0, topK)
	for h.Len() > 0 && len(out) < topK {
		e := heap.Pop(h).(mergeEntry)
		out = append(out, e.hit)
		if e.next < len(perShard[e.shard]) {
			heap.Push(h, mergeEntry{
				hit:   perShard[e.shard][e.next],
				shard: e.shard,
				next:  e.next + 1,
			})
		}
	}
	return out
}

type mergeEntry struct {
	hit   store.Hit
	shard int
	next  int
}

type mergeHeap struct {
	entries []mergeEntry
}

func (h *mergeHeap) Len() int { return len(h.entries) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.hit.Score != b.hit.Score {
		return a.hit.Score > b.hit.Score
	}
	if a.shard != b.shard {
		return a.shard < b.shard
	}
	return a.hit.Record.ID() < b.hit.Record.ID()
}

func (h *mergeHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *mergeHeap) Push(x any) { h.entries = append(h.entries, x.(mergeEntry)) }

func (h *mergeHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}
