package history

import "sort"

// slowItem is one slowest-set member. The heap is a min-heap on
// duration so the eviction candidate (the fastest of the slow) sits at
// the root; among equal durations the newest frame is evicted first.
type slowItem struct {
	durationNs uint64
	index      uint64
}

type slowHeap struct {
	items []slowItem
}

func (h *slowHeap) Len() int { return len(h.items) }

func (h *slowHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.durationNs != b.durationNs {
		return a.durationNs < b.durationNs
	}
	return a.index > b.index
}

func (h *slowHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *slowHeap) Push(x any) { h.items = append(h.items, x.(slowItem)) }

func (h *slowHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// sortedDescending returns the members slowest first, without
// disturbing the heap.
func (h *slowHeap) sortedDescending() []slowItem {
	out := make([]slowItem, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool {
		if out[i].durationNs != out[j].durationNs {
			return out[i].durationNs > out[j].durationNs
		}
		return out[i].index < out[j].index
	})
	return out
}

// sortedAscendingIndex returns the members in chronological order.
func (h *slowHeap) sortedAscendingIndex() []slowItem {
	out := make([]slowItem, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
