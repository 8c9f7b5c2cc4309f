package ring

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](it *Iter[T]) []T {
	var out []T
	for {
		v, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func collectBack[T any](it *Iter[T]) []T {
	var out []T
	for {
		v, ok := it.NextBack()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestQueueOverflowKeepsGlobalIndices(t *testing.T) {
	q := New[int](3)
	for _, v := range []int{1, 2, 3, 4} {
		q.PushBack(v)
	}

	assert.Equal(t, uint64(3), q.Len())
	assert.Equal(t, uint64(1), q.Evicted())
	assert.True(t, q.IsFull())

	_, ok := q.Get(0)
	assert.False(t, ok)
	v, ok := q.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = q.Get(4)
	assert.False(t, ok)

	assert.Equal(t, []int{2, 3, 4}, collect(q.Iter()))
	assert.Equal(t, []int{4, 3, 2}, collectBack(q.Iter()))
}

func TestQueueEmpty(t *testing.T) {
	q := New[string](2)
	assert.True(t, q.IsEmpty())
	assert.Equal(t, uint64(0), q.Len())
	assert.Equal(t, uint64(3), q.Cap())

	_, ok := q.PopFront()
	assert.False(t, ok)
	_, ok = q.PopBack()
	assert.False(t, ok)
	assert.False(t, q.DiscardFront())
	_, ok = q.Get(0)
	assert.False(t, ok)
	assert.Empty(t, collect(q.Iter()))
}

func TestQueuePopDoesNotCountAsEviction(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		q.PushBack(i)
	}

	front, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, 0, front)
	back, ok := q.PopBack()
	require.True(t, ok)
	assert.Equal(t, 3, back)

	assert.Equal(t, uint64(0), q.Evicted())
	assert.Equal(t, uint64(2), q.Len())

	require.True(t, q.DiscardFront())
	assert.Equal(t, uint64(1), q.Evicted())
	v, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestQueuePopBackThenPushReusesSlot(t *testing.T) {
	q := New[int](3)
	q.PushBack(1)
	q.PushBack(2)
	_, _ = q.PopBack()
	q.PushBack(5)
	q.PushBack(6)

	assert.Equal(t, []int{1, 5, 6}, collect(q.Iter()))
	assert.Equal(t, uint64(0), q.Evicted())
}

func TestQueueGetMutAndReplace(t *testing.T) {
	q := New[int](2)
	q.PushBack(10)
	q.PushBack(20)
	q.PushBack(30)

	p, ok := q.GetMut(2)
	require.True(t, ok)
	*p = 31

	prev, ok := q.Replace(1, 21)
	require.True(t, ok)
	assert.Equal(t, 20, prev)

	_, ok = q.Replace(0, 99)
	assert.False(t, ok)
	assert.Equal(t, []int{21, 31}, collect(q.Iter()))
}

func TestIterNthAndReset(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 10; i++ {
		q.PushBack(i)
	}
	// resident: 2..9

	it := q.Iter()
	assert.Equal(t, uint64(8), it.Len())

	v, ok := it.Nth(2)
	require.True(t, ok)
	assert.Equal(t, 4, v)

	v, ok = it.NthBack(1)
	require.True(t, ok)
	assert.Equal(t, 8, v)

	assert.Equal(t, []int{5, 6, 7}, collect(it))

	it.Reset()
	assert.Equal(t, uint64(8), it.Len())
	_, ok = it.Nth(100)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), it.Len())
}

func TestIterMutWritesThrough(t *testing.T) {
	q := New[int](3)
	for i := 1; i <= 5; i++ {
		q.PushBack(i)
	}
	it := q.IterMut()
	for {
		p, ok := it.Next()
		if !ok {
			break
		}
		*p *= 10
	}
	assert.Equal(t, []int{30, 40, 50}, collect(q.Iter()))

	it.Reset()
	p, ok := it.NthBack(2)
	require.True(t, ok)
	assert.Equal(t, 30, *p)
}

func TestIterPanicsOnStaleCursor(t *testing.T) {
	q := New[int](2)
	q.PushBack(1)
	q.PushBack(2)
	it := q.Iter()
	q.PushBack(3)

	assert.Panics(t, func() { it.Next() })
}

func TestAllBackwardAndRange(t *testing.T) {
	q := New[string](3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		q.PushBack(s)
	}

	var idx []uint64
	var vals []string
	for g, v := range q.All() {
		idx = append(idx, g)
		vals = append(vals, v)
	}
	assert.Equal(t, []uint64{2, 3, 4}, idx)
	assert.Equal(t, []string{"c", "d", "e"}, vals)

	vals = vals[:0]
	for _, v := range q.Backward() {
		vals = append(vals, v)
	}
	assert.Equal(t, []string{"e", "d", "c"}, vals)

	vals = vals[:0]
	for _, v := range q.Range(0, 4) {
		vals = append(vals, v)
	}
	assert.Equal(t, []string{"c", "d"}, vals)

	vals = vals[:0]
	for _, v := range q.Range(0, 2) {
		vals = append(vals, v)
	}
	assert.Empty(t, vals)
}

func TestMustGetPanicsOutsideResidentRange(t *testing.T) {
	q := New[int](1)
	q.PushBack(1)
	q.PushBack(2)
	assert.Panics(t, func() { q.MustGet(0) })
	assert.Equal(t, 2, q.MustGet(1))
}

// Random operations against an unbounded slice-backed deque. The reference keeps
// every element ever pushed; global indices in the ring must agree with it for
// everything still resident.
func TestQueueMatchesReferenceDeque(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, capacity := range []uint64{1, 2, 3, 5, 16} {
		q := New[int](capacity)
		var ref []int
		base := 0

		for step := 0; step < 2000; step++ {
			switch op := rng.Intn(10); {
			case op < 6:
				v := rng.Int()
				q.PushBack(v)
				ref = append(ref, v)
				if uint64(len(ref)) > capacity {
					ref = ref[1:]
					base++
				}
			case op < 8:
				v, ok := q.PopBack()
				if len(ref) == 0 {
					require.False(t, ok)
					continue
				}
				require.True(t, ok)
				require.Equal(t, ref[len(ref)-1], v)
				ref = ref[:len(ref)-1]
			default:
				ok := q.DiscardFront()
				if len(ref) == 0 {
					require.False(t, ok)
					continue
				}
				require.True(t, ok)
				ref = ref[1:]
				base++
			}

			require.Equal(t, uint64(len(ref)), q.Len())
			require.Equal(t, uint64(base), q.Evicted())
			require.Equal(t, nilIfEmpty(ref), nilIfEmpty(collect(q.Iter())), "capacity=%d step=%d", capacity, step)

			back := collectBack(q.Iter())
			slices.Reverse(back)
			require.Equal(t, nilIfEmpty(ref), nilIfEmpty(back))

			if base > 0 {
				_, ok := q.Get(uint64(base - 1))
				require.False(t, ok)
			}
			for i, want := range ref {
				got, ok := q.Get(uint64(base + i))
				require.True(t, ok)
				require.Equal(t, want, got)
			}
		}
	}
}

func nilIfEmpty(s []int) []int {
	if len(s) == 0 {
		return nil
	}
	return s
}
