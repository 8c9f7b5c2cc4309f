// Package ring provides a bounded double-ended queue whose elements keep stable
// global indices across eviction.
//
// A Queue of capacity C owns C+1 physical slots. One slot always stays free so
// that head == tail means empty and (tail+1) % (C+1) == head means full. The
// evicted counter records how many elements have rolled off the front; a global
// index g is resident iff evicted <= g < evicted+Len().
package ring

import "fmt"

// Queue is a bounded ring with stable global indices.
type Queue[T any] struct {
	buf     []T
	slots   uint64
	head    uint64
	tail    uint64
	evicted uint64
}

// New returns an empty queue holding at most capacity elements.
// Backing storage grows lazily up to capacity+1 slots.
func New[T any](capacity uint64) *Queue[T] {
	if capacity == 0 {
		panic("ring: capacity must be > 0")
	}
	return &Queue[T]{slots: capacity + 1}
}

// Cap returns the number of physical slots (capacity + 1).
func (q *Queue[T]) Cap() uint64 {
	return q.slots
}

// Capacity returns the maximum number of resident elements.
func (q *Queue[T]) Capacity() uint64 {
	return q.slots - 1
}

func (q *Queue[T]) Len() uint64 {
	return (q.tail + q.slots - q.head) % q.slots
}

// Evicted returns the global index of the logical front.
func (q *Queue[T]) Evicted() uint64 {
	return q.evicted
}

// Total returns evicted + Len(), the global index the next push will receive.
func (q *Queue[T]) Total() uint64 {
	return q.evicted + q.Len()
}

func (q *Queue[T]) IsEmpty() bool {
	return q.head == q.tail
}

func (q *Queue[T]) IsFull() bool {
	return (q.tail+1)%q.slots == q.head
}

// Resident reports whether global index g currently maps to an element.
func (q *Queue[T]) Resident(g uint64) bool {
	return g >= q.evicted && g < q.evicted+q.Len()
}

// PushBack appends v, evicting the logical front first when full.
func (q *Queue[T]) PushBack(v T) {
	if q.IsFull() {
		q.clear(q.head)
		q.head = (q.head + 1) % q.slots
		q.evicted++
	}
	if q.tail < uint64(len(q.buf)) {
		q.buf[q.tail] = v
	} else {
		// tail == len(buf) until the backing array reaches full size
		q.buf = append(q.buf, v)
	}
	q.tail = (q.tail + 1) % q.slots
}

// PopFront removes and returns the logical front. It does not count as eviction.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if q.IsEmpty() {
		return zero, false
	}
	idx := q.head
	v := q.buf[idx]
	q.clear(idx)
	q.head = (q.head + 1) % q.slots
	return v, true
}

// PopBack removes and returns the logical back.
func (q *Queue[T]) PopBack() (T, bool) {
	var zero T
	if q.IsEmpty() {
		return zero, false
	}
	q.tail = (q.tail + q.slots - 1) % q.slots
	v := q.buf[q.tail]
	q.clear(q.tail)
	return v, true
}

// DiscardFront drops the logical front and counts it as evicted, so the
// remaining elements keep their global indices.
func (q *Queue[T]) DiscardFront() bool {
	if q.IsEmpty() {
		return false
	}
	q.clear(q.head)
	q.head = (q.head + 1) % q.slots
	q.evicted++
	return true
}

// DiscardBack drops the logical back.
func (q *Queue[T]) DiscardBack() bool {
	if q.IsEmpty() {
		return false
	}
	q.tail = (q.tail + q.slots - 1) % q.slots
	q.clear(q.tail)
	return true
}

// Get returns the element at global index g.
func (q *Queue[T]) Get(g uint64) (T, bool) {
	var zero T
	idx, ok := q.slot(g)
	if !ok {
		return zero, false
	}
	return q.buf[idx], true
}

// GetMut returns a pointer to the element at global index g. The pointer is
// valid until the slot is overwritten by a later push.
func (q *Queue[T]) GetMut(g uint64) (*T, bool) {
	idx, ok := q.slot(g)
	if !ok {
		return nil, false
	}
	return &q.buf[idx], true
}

// Replace stores v at global index g and returns the previous element.
func (q *Queue[T]) Replace(g uint64, v T) (T, bool) {
	var zero T
	idx, ok := q.slot(g)
	if !ok {
		return zero, false
	}
	prev := q.buf[idx]
	q.buf[idx] = v
	return prev, true
}

// Front returns the logical front without removing it.
func (q *Queue[T]) Front() (T, bool) {
	return q.Get(q.evicted)
}

// Back returns the logical back without removing it.
func (q *Queue[T]) Back() (T, bool) {
	var zero T
	if q.IsEmpty() {
		return zero, false
	}
	return q.Get(q.Total() - 1)
}

// MustGet is Get for callers that already validated g against Len/Evicted.
func (q *Queue[T]) MustGet(g uint64) T {
	v, ok := q.Get(g)
	if !ok {
		panic(fmt.Sprintf("ring: index %d out of resident range [%d, %d)", g, q.evicted, q.Total()))
	}
	return v
}

func (q *Queue[T]) slot(g uint64) (uint64, bool) {
	if !q.Resident(g) {
		return 0, false
	}
	return (q.head + g - q.evicted) % q.slots, true
}

func (q *Queue[T]) clear(idx uint64) {
	var zero T
	if idx < uint64(len(q.buf)) {
		q.buf[idx] = zero
	}
}
