package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGrowPreservesPrefix(t *testing.T) {
	l := New("test")
	buf := l.Bytes()
	copy(buf, []byte("hello"))

	l.Grow(8192, 5)
	grown := l.Bytes()
	require.GreaterOrEqual(t, len(grown), 8192)
	require.Equal(t, "hello", string(grown[:5]))
}

func TestGrowIsNoopWhenBigEnough(t *testing.T) {
	l := New("test")
	before := l.Bytes()
	l.Grow(10, 0)
	after := l.Bytes()
	require.Equal(t, &before[0], &after[0])
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := New("test")
	require.NotPanics(t, func() {
		l.Release()
		l.Release()
	})
	require.Nil(t, l.Bytes())
}
