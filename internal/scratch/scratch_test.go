package scratch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

func TestAllocateReadRelease(t *testing.T) {
	t.Parallel()

	pool := NewPool(pageSize, 16)
	ref, buf := pool.Allocate(2)
	require.Len(t, buf, 2*pageSize)
	assert.Equal(t, int32(2), ref.Pages)

	buf[0] = 0xab
	buf[len(buf)-1] = 0xcd
	got := pool.Read(ref)
	assert.Equal(t, byte(0xab), got[0])
	assert.Equal(t, byte(0xcd), got[len(got)-1])
	assert.Equal(t, 2, pool.Stats().PagesInUse)

	require.NoError(t, pool.Release(ref))
	assert.Equal(t, 0, pool.Stats().PagesInUse)
	assert.ErrorIs(t, pool.Release(ref), ErrInvalidRef)
}

func TestAllocationsAreZeroed(t *testing.T) {
	t.Parallel()

	pool := NewPool(pageSize, 16)
	keep, _ := pool.Allocate(1)
	ref, buf := pool.Allocate(1)
	for i := range buf {
		buf[i] = 0xff
	}
	require.NoError(t, pool.Release(ref))

	ref2, buf2 := pool.Allocate(1)
	assert.Equal(t, ref.Position, ref2.Position, "released run is reused")
	for _, b := range buf2 {
		require.Zero(t, b)
	}
	require.NoError(t, pool.Release(keep))
	require.NoError(t, pool.Release(ref2))
}

func TestRollsOverToNewFile(t *testing.T) {
	t.Parallel()

	pool := NewPool(pageSize, 16)
	first, _ := pool.Allocate(10)
	second, _ := pool.Allocate(10)
	assert.NotEqual(t, first.File, second.File)
	assert.Equal(t, 2, pool.Stats().Files)

	// The old file goes away once its last run is released.
	require.NoError(t, pool.Release(first))
	assert.Equal(t, 1, pool.Stats().Files)
	require.NoError(t, pool.Release(second))
}

func TestOversizeAllocation(t *testing.T) {
	t.Parallel()

	pool := NewPool(pageSize, 16)
	ref, buf := pool.Allocate(40)
	assert.Len(t, buf, 40*pageSize)
	assert.Equal(t, 2, pool.Stats().Files)
	require.NoError(t, pool.Release(ref))
	assert.Equal(t, 1, pool.Stats().Files)
}

func TestSplit(t *testing.T) {
	t.Parallel()

	pool := NewPool(pageSize, 16)
	ref, buf := pool.Allocate(4)
	for i := 0; i < 4; i++ {
		buf[i*pageSize] = byte(i + 1)
	}

	head, tail, err := pool.Split(ref, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), head.Pages)
	require.Len(t, tail, 3)
	for i, r := range tail {
		assert.Equal(t, byte(i+2), pool.Read(r)[0])
	}
	assert.Equal(t, 4, pool.Stats().PagesInUse)

	require.NoError(t, pool.Release(head))
	for _, r := range tail {
		require.NoError(t, pool.Release(r))
	}
	assert.Equal(t, 0, pool.Stats().PagesInUse)

	_, _, err = pool.Split(ref, 1)
	assert.ErrorIs(t, err, ErrInvalidRef)
}
