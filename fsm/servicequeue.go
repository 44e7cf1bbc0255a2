package fsm

import "container/heap"

// serviceQueueEntry is one member of the service_queue: a consumer key
// ordered by (priority desc, FIFO within priority).
type serviceQueueEntry struct {
	key      ConsumerKey
	priority int32
	seq      uint64
}

// ServiceQueue is the priority queue of consumers eligible for the next
// checkout: up, with positive credit. Same heap-plus-index-map shape as
// IndexSet, keyed by ConsumerKey instead of a log index, so an entry can be
// dropped by key in O(log n) when a consumer goes down or exhausts credit
// mid-scan.
type ServiceQueue struct {
	h   svcHeap
	pos map[ConsumerKey]int
}

func newServiceQueue() *ServiceQueue {
	return &ServiceQueue{pos: map[ConsumerKey]int{}}
}

type svcHeap []serviceQueueEntry

func (h svcHeap) Len() int { return len(h) }
func (h svcHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority // higher priority first
	}
	return h[i].seq < h[j].seq // FIFO within priority
}
func (h svcHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *svcHeap) Push(x interface{}) {
	*h = append(*h, x.(serviceQueueEntry))
}
func (h *svcHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type svcAdapter struct{ q *ServiceQueue }

func (a *svcAdapter) Len() int            { return a.q.h.Len() }
func (a *svcAdapter) Less(i, j int) bool  { return a.q.h.Less(i, j) }
func (a *svcAdapter) Swap(i, j int) {
	a.q.h.Swap(i, j)
	a.q.pos[a.q.h[i].key] = i
	a.q.pos[a.q.h[j].key] = j
}
func (a *svcAdapter) Push(x interface{}) {
	a.q.h.Push(x)
	a.q.pos[x.(serviceQueueEntry).key] = len(a.q.h) - 1
}
func (a *svcAdapter) Pop() interface{} {
	v := a.q.h.Pop()
	delete(a.q.pos, v.(serviceQueueEntry).key)
	return v
}

// Contains reports whether key is currently queued.
func (q *ServiceQueue) Contains(key ConsumerKey) bool {
	_, ok := q.pos[key]
	return ok
}

// Push inserts key with the given priority and FIFO sequence number. A
// no-op if already present (checkout re-enqueues only when absent).
func (q *ServiceQueue) Push(key ConsumerKey, priority int32, seq uint64) {
	if q.Contains(key) {
		return
	}
	heap.Push(&svcAdapter{q}, serviceQueueEntry{key: key, priority: priority, seq: seq})
}

// Remove drops key if present.
func (q *ServiceQueue) Remove(key ConsumerKey) {
	i, ok := q.pos[key]
	if !ok {
		return
	}
	heap.Remove(&svcAdapter{q}, i)
}

// Pop removes and returns the next eligible consumer key.
func (q *ServiceQueue) Pop() (ConsumerKey, bool) {
	if q.h.Len() == 0 {
		return 0, false
	}
	v := heap.Pop(&svcAdapter{q}).(serviceQueueEntry)
	return v.key, true
}

// Len reports the queue length.
func (q *ServiceQueue) Len() int { return q.h.Len() }

// Clone returns an independent copy with the same membership and ordering
// keys; physical heap layout need not match, only priority/seq semantics.
func (q *ServiceQueue) Clone() *ServiceQueue {
	nq := newServiceQueue()
	for _, e := range q.h {
		nq.Push(e.key, e.priority, e.seq)
	}
	return nq
}
