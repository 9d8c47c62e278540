package scheduler

import (
	"sync"

	"github.com/ajwerner/btree"
)

// rarityItem orders chunks by how many peers have announced them via Have
// (ascending — rarer first), then by chunk index for determinism, mirroring
// the teacher's piece-request-order btree keyed by a multi-field priority
// (see the teacher's request-strategy/ajwerner-btree.go, which wraps
// btree.Set the same way).
type rarityItem struct {
	ChunkIndex int32
	Count      int32
}

func rarityLess(a, b rarityItem) int {
	switch {
	case a.Count != b.Count:
		if a.Count < b.Count {
			return -1
		}
		return 1
	case a.ChunkIndex != b.ChunkIndex:
		if a.ChunkIndex < b.ChunkIndex {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// RarityTracker supports the scheduler's optional rarest-first mode (spec
// §4.8): "select the missing chunk announced by the fewest peers". It is
// owned exclusively by the scheduler's single goroutine, same as
// ChunkState.
type RarityTracker struct {
	mu     sync.Mutex
	counts map[int32]int32
	order  btree.Set[rarityItem]
}

func NewRarityTracker() *RarityTracker {
	return &RarityTracker{
		counts: map[int32]int32{},
		order:  btree.MakeSet(rarityLess),
	}
}

// Observe adjusts chunkIndex's announce count by delta (+1 on a Have
// announcing it, -1 when the announcing peer disconnects or is dropped).
func (r *RarityTracker) Observe(chunkIndex int32, delta int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.counts[chunkIndex]
	if old != 0 {
		r.order.Delete(rarityItem{ChunkIndex: chunkIndex, Count: old})
	}
	newCount := old + delta
	if newCount < 0 {
		newCount = 0
	}
	r.counts[chunkIndex] = newCount
	r.order.Upsert(rarityItem{ChunkIndex: chunkIndex, Count: newCount})
}

// RarestMissing returns the rarest chunk index for which isMissing
// reports true, scanning in ascending-rarity order.
func (r *RarityTracker) RarestMissing(isMissing func(int32) bool) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it := r.order.Iterator()
	for it.First(); it.Valid(); it.Next() {
		item := it.Cur()
		if isMissing(item.ChunkIndex) {
			return item.ChunkIndex, true
		}
	}
	return 0, false
}
