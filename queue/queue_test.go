package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFOOrderWithoutConflation(t *testing.T) {
	q := New("remote", 1<<20, nil)
	q.Enqueue([]byte("first"), nil)
	q.Enqueue([]byte("second"), nil)
	q.Enqueue([]byte("third"), nil)

	for _, want := range []string{"first", "second", "third"} {
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, string(got))
	}
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestConflationReplacesInPlaceAndKeepsSlot(t *testing.T) {
	q := New("remote", 1<<20, nil)
	q.Enqueue([]byte("unrelated-before"), nil)

	key := "conflate-me"
	conflated, _ := q.Enqueue([]byte{10, 20}, key)
	require.False(t, conflated)
	q.Enqueue([]byte("unrelated-after"), nil)

	conflated, _ = q.Enqueue([]byte{11, 22, 33}, key)
	require.True(t, conflated)
	conflated, _ = q.Enqueue([]byte{12}, key)
	require.True(t, conflated)

	// Scenario S3: only the final replacement's bytes appear on the wire,
	// and they appear in the slot of the *first* enqueue of that key —
	// i.e. before "unrelated-after".
	first, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "unrelated-before", string(first))

	second, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, []byte{12}, second)

	third, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "unrelated-after", string(third))

	require.Equal(t, 0, q.QueuedBytes())
}

func TestQueuedBytesAccountingAcrossConflation(t *testing.T) {
	q := New("remote", 1<<20, nil)
	key := "k"
	q.Enqueue([]byte{1, 2, 3, 4, 5}, key) // 5 bytes
	before := q.QueuedBytes()
	require.Equal(t, 5, before)

	q.Enqueue([]byte{9, 9}, key) // replace with 2 bytes
	after := q.QueuedBytes()
	require.Equal(t, before-5+2, after)

	buf, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, []byte{9, 9}, buf)
}

func TestOverflowReportedOnceMaxBytesExceeded(t *testing.T) {
	q := New("remote", 10, nil)
	_, overflow := q.Enqueue(make([]byte, 5), nil)
	require.False(t, overflow)
	_, overflow = q.Enqueue(make([]byte, 6), nil)
	require.True(t, overflow)
}
