package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneSharesUntilLastRelease(t *testing.T) {
	p := NewPool()
	src := []byte{1, 2, 3}

	b := p.Get(src)
	src[0] = 9
	require.Equal(t, []byte{1, 2, 3}, b.Bytes(), "buffer must own its bytes")

	c1 := b.Clone()
	c2 := c1.Clone()
	require.Equal(t, int64(1), p.Live())
	require.Equal(t, b.Bytes(), c2.Bytes())

	b.Release()
	c1.Release()
	require.Equal(t, int64(1), p.Live())
	require.Equal(t, []byte{1, 2, 3}, c2.Bytes())

	c2.Release()
	require.Zero(t, p.Live())
}

func TestDoubleReleasePanics(t *testing.T) {
	b := NewPool().Get([]byte{1})
	b.Release()
	require.Panics(t, b.Release)
}

func TestRecycledBufferIsReset(t *testing.T) {
	p := NewPool()
	b := p.Get([]byte("a long first payload"))
	b.Release()

	b = p.Get([]byte("short"))
	defer b.Release()
	require.Equal(t, []byte("short"), b.Bytes())
	require.Equal(t, 5, b.Len())
}
