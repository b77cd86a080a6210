package loop

import (
	"container/heap"
	"time"
)

// timerSet is a min-heap of deadlines keyed by timer id. Scheduling an id
// that is already pending moves it instead of adding a second entry.
type timerSet[K comparable] struct {
	entries []*timerEntry[K]
	byID    map[K]*timerEntry[K]
}

type timerEntry[K comparable] struct {
	id       K
	deadline time.Time
	index    int
}

func newTimerSet[K comparable]() *timerSet[K] {
	return &timerSet[K]{byID: make(map[K]*timerEntry[K])}
}

func (s *timerSet[K]) schedule(id K, deadline time.Time) {
	if e, ok := s.byID[id]; ok {
		e.deadline = deadline
		heap.Fix((*timerHeap[K])(s), e.index)
		return
	}
	e := &timerEntry[K]{id: id, deadline: deadline}
	s.byID[id] = e
	heap.Push((*timerHeap[K])(s), e)
}

func (s *timerSet[K]) cancel(id K) bool {
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove((*timerHeap[K])(s), e.index)
	delete(s.byID, id)
	return true
}

// next returns the earliest deadline.
func (s *timerSet[K]) next() (time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].deadline, true
}

// popExpired removes and returns the earliest timer if it is due at now.
func (s *timerSet[K]) popExpired(now time.Time) (K, time.Time, bool) {
	if len(s.entries) == 0 || s.entries[0].deadline.After(now) {
		var zero K
		return zero, time.Time{}, false
	}
	e := heap.Pop((*timerHeap[K])(s)).(*timerEntry[K])
	delete(s.byID, e.id)
	return e.id, e.deadline, true
}

func (s *timerSet[K]) len() int { return len(s.entries) }

func (s *timerSet[K]) deadline(id K) (time.Time, bool) {
	e, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// timerHeap adapts timerSet to container/heap.
type timerHeap[K comparable] timerSet[K]

func (h *timerHeap[K]) Len() int { return len(h.entries) }

func (h *timerHeap[K]) Less(i, j int) bool {
	return h.entries[i].deadline.Before(h.entries[j].deadline)
}

func (h *timerHeap[K]) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *timerHeap[K]) Push(x any) {
	e := x.(*timerEntry[K])
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *timerHeap[K]) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	e.index = -1
	return e
}
