package ring

import (
	"fmt"
	"iter"
)

// Iter walks the resident range of a Queue captured at creation time.
// front and back are global indices; the cursor is exhausted when front == back.
type Iter[T any] struct {
	q          *Queue[T]
	start, end uint64
	front      uint64
	back       uint64
}

// Iter returns a cursor over the resident elements in index order.
func (q *Queue[T]) Iter() *Iter[T] {
	it := &Iter[T]{q: q, start: q.evicted, end: q.Total()}
	it.Reset()
	return it
}

// Reset rewinds the cursor to the range it was created with.
func (it *Iter[T]) Reset() {
	it.front, it.back = it.start, it.end
}

// Len reports the number of elements left to yield.
func (it *Iter[T]) Len() uint64 {
	return it.back - it.front
}

func (it *Iter[T]) Next() (T, bool) {
	var zero T
	if it.front >= it.back {
		return zero, false
	}
	v := it.at(it.front)
	it.front++
	return v, true
}

func (it *Iter[T]) NextBack() (T, bool) {
	var zero T
	if it.front >= it.back {
		return zero, false
	}
	it.back--
	return it.at(it.back), true
}

// Nth skips n elements and yields the one after them.
func (it *Iter[T]) Nth(n uint64) (T, bool) {
	var zero T
	if n >= it.Len() {
		it.front = it.back
		return zero, false
	}
	it.front += n
	return it.Next()
}

// NthBack is Nth from the back end.
func (it *Iter[T]) NthBack(n uint64) (T, bool) {
	var zero T
	if n >= it.Len() {
		it.back = it.front
		return zero, false
	}
	it.back -= n
	return it.NextBack()
}

func (it *Iter[T]) at(g uint64) T {
	idx, ok := it.q.slot(g)
	if !ok {
		panic(fmt.Sprintf("ring: cursor index %d no longer resident", g))
	}
	return it.q.buf[idx]
}

// IterMut is Iter yielding pointers into the backing array.
type IterMut[T any] struct {
	inner Iter[T]
}

func (q *Queue[T]) IterMut() *IterMut[T] {
	return &IterMut[T]{inner: *q.Iter()}
}

func (it *IterMut[T]) Reset() { it.inner.Reset() }

func (it *IterMut[T]) Len() uint64 { return it.inner.Len() }

func (it *IterMut[T]) Next() (*T, bool) {
	if it.inner.front >= it.inner.back {
		return nil, false
	}
	p := it.ptr(it.inner.front)
	it.inner.front++
	return p, true
}

func (it *IterMut[T]) NextBack() (*T, bool) {
	if it.inner.front >= it.inner.back {
		return nil, false
	}
	it.inner.back--
	return it.ptr(it.inner.back), true
}

func (it *IterMut[T]) Nth(n uint64) (*T, bool) {
	if n >= it.inner.Len() {
		it.inner.front = it.inner.back
		return nil, false
	}
	it.inner.front += n
	return it.Next()
}

func (it *IterMut[T]) NthBack(n uint64) (*T, bool) {
	if n >= it.inner.Len() {
		it.inner.back = it.inner.front
		return nil, false
	}
	it.inner.back -= n
	return it.NextBack()
}

func (it *IterMut[T]) ptr(g uint64) *T {
	p, ok := it.inner.q.GetMut(g)
	if !ok {
		panic(fmt.Sprintf("ring: cursor index %d no longer resident", g))
	}
	return p
}

// All yields (global index, element) pairs front to back.
func (q *Queue[T]) All() iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		for g := q.evicted; g < q.Total(); g++ {
			if !yield(g, q.MustGet(g)) {
				return
			}
		}
	}
}

// Backward yields (global index, element) pairs back to front.
func (q *Queue[T]) Backward() iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		for g := q.Total(); g > q.evicted; g-- {
			if !yield(g-1, q.MustGet(g-1)) {
				return
			}
		}
	}
}

// Range yields resident elements with global index in [from, from+count).
// Evicted or future indices are skipped rather than reported.
func (q *Queue[T]) Range(from, count uint64) iter.Seq2[uint64, T] {
	return func(yield func(uint64, T) bool) {
		lo := max(from, q.evicted)
		hi := min(from+count, q.Total())
		if from+count < from {
			hi = q.Total()
		}
		for g := lo; g < hi; g++ {
			if !yield(g, q.MustGet(g)) {
				return
			}
		}
	}
}
