package framequeue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/brianwynne/audyn/internal/framepool"
)

func TestNew_RejectsTooSmall(t *testing.T) {
	_, err := New(1)
	assert.Error(t, err)

	_, err = New(0)
	assert.Error(t, err)
}

func TestPushPop_FIFO(t *testing.T) {
	q, err := New(4)
	require.NoError(t, err)

	pool, err := framepool.New(4, 1, 8)
	require.NoError(t, err)

	a := pool.Acquire()
	b := pool.Acquire()
	c := pool.Acquire()

	require.True(t, q.Push(a))
	require.True(t, q.Push(b))
	require.True(t, q.Push(c))

	// Capacity 4 means 3 usable slots; the fourth push must be rejected.
	d := pool.Acquire()
	assert.False(t, q.Push(d))

	assert.Same(t, a, q.Pop())
	assert.Same(t, b, q.Pop())
	assert.Same(t, c, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestPush_RejectsNil(t *testing.T) {
	q, err := New(4)
	require.NoError(t, err)
	assert.False(t, q.Push(nil))
}

func TestCapacity_IsQMinusOne(t *testing.T) {
	q, err := New(8)
	require.NoError(t, err)
	assert.EqualValues(t, 7, q.Capacity())
}

// TestPushPopSequence_IsFIFO is a rapid property test of spec §8: the
// sequence of successful pops equals the sequence of successful pushes.
func TestPushPopSequence_IsFIFO(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q, err := New(8)
		require.NoError(t, err)

		pool, err := framepool.New(64, 1, 4)
		require.NoError(t, err)

		var pushed, popped []*framepool.Frame

		steps := rapid.IntRange(1, 300).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "push") {
				f := pool.Acquire()
				if f == nil {
					continue
				}
				if q.Push(f) {
					pushed = append(pushed, f)
				} else {
					pool.Release(f)
				}
			} else {
				f := q.Pop()
				if f != nil {
					popped = append(popped, f)
					pool.Release(f)
				}
			}
		}

		require.LessOrEqual(t, len(popped), len(pushed))
		for i := range popped {
			assert.Same(t, pushed[i], popped[i])
		}
	})
}
