package fsm

import "container/heap"

// IndexSet is the set of log indexes currently live in the queue (present
// in messages, returns, or some consumer's checked-out set). It supports
// O(log n) append, delete-by-value and smallest, the same shape as the
// pending-message heap used elsewhere in this codebase's ancestry: a
// binary min-heap paired with an auxiliary map from value to heap slot so
// an arbitrary member can be located and removed without a linear scan.
type IndexSet struct {
	h   indexHeap
	pos map[uint64]int
}

func newIndexSet() *IndexSet {
	return &IndexSet{pos: map[uint64]int{}}
}

type indexHeap []uint64

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Append adds index to the set. A no-op if already present.
func (s *IndexSet) Append(index uint64) {
	if _, ok := s.pos[index]; ok {
		return
	}
	heap.Push(&indexSetAdapter{s}, index)
}

// Delete removes index from the set. A no-op if absent.
func (s *IndexSet) Delete(index uint64) {
	i, ok := s.pos[index]
	if !ok {
		return
	}
	heap.Remove(&indexSetAdapter{s}, i)
}

// Contains reports whether index is currently live.
func (s *IndexSet) Contains(index uint64) bool {
	_, ok := s.pos[index]
	return ok
}

// Smallest returns the smallest live index and true, or (0, false) if empty.
func (s *IndexSet) Smallest() (uint64, bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0], true
}

// Len reports the number of live indexes.
func (s *IndexSet) Len() int { return len(s.h) }

// Values returns all live indexes in ascending order.
func (s *IndexSet) Values() []uint64 {
	out := make([]uint64, len(s.h))
	copy(out, s.h)
	// h is heap-ordered, not sorted; sort for a stable, deterministic
	// snapshot representation.
	insertionSortU64(out)
	return out
}

func insertionSortU64(s []uint64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// indexSetAdapter implements heap.Interface over IndexSet, keeping pos in
// sync on every swap/push/pop so Delete-by-value stays O(log n).
type indexSetAdapter struct{ s *IndexSet }

func (a *indexSetAdapter) Len() int { return a.s.h.Len() }
func (a *indexSetAdapter) Less(i, j int) bool { return a.s.h.Less(i, j) }
func (a *indexSetAdapter) Swap(i, j int) {
	a.s.h.Swap(i, j)
	a.s.pos[a.s.h[i]] = i
	a.s.pos[a.s.h[j]] = j
}
func (a *indexSetAdapter) Push(x interface{}) {
	a.s.h.Push(x)
	a.s.pos[x.(uint64)] = len(a.s.h) - 1
}
func (a *indexSetAdapter) Pop() interface{} {
	v := a.s.h.Pop()
	delete(a.s.pos, v.(uint64))
	return v
}

// Clone returns an independent copy with the same live members.
func (s *IndexSet) Clone() *IndexSet {
	ns := newIndexSet()
	for _, v := range s.Values() {
		ns.Append(v)
	}
	return ns
}
