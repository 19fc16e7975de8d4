package reconnect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueueDrainsInOrder(t *testing.T) {
	q := NewPendingQueue[int]()
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}

	var got []int
	n, err := q.Drain(func(v int) error {
		got = append(got, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Zero(t, q.Len())
}

func TestPendingQueueStopsAtFirstFailure(t *testing.T) {
	q := NewPendingQueue[string]()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	boom := errors.New("backend down")
	var tried []string
	n, err := q.Drain(func(v string) error {
		tried = append(tried, v)
		if v == "b" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b"}, tried, "nothing after the failure is attempted")
	assert.Equal(t, 2, q.Len())

	// the failed item is retried first next time
	tried = nil
	_, err = q.Drain(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, tried)
}

func TestPendingQueuePushDuringDrain(t *testing.T) {
	q := NewPendingQueue[int]()
	q.Push(1)

	var got []int
	_, err := q.Drain(func(v int) error {
		got = append(got, v)
		if v == 1 {
			q.Push(2) // arrives while the head is being written
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}
