package pagedb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagedb/internal/page"
)

func TestIteratorBothDirections(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize))
	fill(t, env, "t", 0, 2000, 60)

	readTree(t, env, func(tree *Tree) {
		require.Greater(t, tree.State().Depth, int32(1))

		it := tree.Iterate(false)
		n := 0
		for ok := it.First(); ok; ok = it.Next() {
			require.Equal(t, key(n), it.Key())
			require.Equal(t, value(n, 60), it.Value())
			n++
		}
		require.NoError(t, it.Err())
		assert.Equal(t, 2000, n)
		assert.False(t, it.Valid())

		n = 1999
		for ok := it.Last(); ok; ok = it.Prev() {
			require.Equal(t, key(n), it.Key())
			n--
		}
		require.NoError(t, it.Err())
		assert.Equal(t, -1, n)
	})
}

func TestIteratorSeek(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize))
	fill(t, env, "t", 0, 1000, 60)

	readTree(t, env, func(tree *Tree) {
		it := tree.Iterate(false)
		require.True(t, it.Seek(key(400)))
		assert.Equal(t, key(400), it.Key())

		require.True(t, it.Seek(append(key(400), 'x')))
		assert.Equal(t, key(401), it.Key())

		require.True(t, it.Seek([]byte("a")))
		assert.Equal(t, key(0), it.Key())

		assert.False(t, it.Seek([]byte("z")))
		assert.NoError(t, it.Err())
		assert.Nil(t, it.Key())

		require.True(t, it.Seek(key(500)))
		require.True(t, it.Prev())
		assert.Equal(t, key(499), it.Key())
	})
}

func TestIteratorEmptyTree(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		it := tree.Iterate(true)
		assert.False(t, it.First())
		assert.False(t, it.Last())
		assert.NoError(t, it.Err())

		k, err := tree.FirstKey()
		require.NoError(t, err)
		assert.Nil(t, k)
	})
}

func TestIteratorInvalidatedByWrite(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		for i := 0; i < 10; i++ {
			require.NoError(t, tree.Add(key(i), value(i, 10)))
		}
		it := tree.Iterate(false)
		require.True(t, it.First())
		require.True(t, it.Next())

		require.NoError(t, tree.Add([]byte("new"), []byte("v")))
		assert.False(t, it.Next())
		assert.ErrorIs(t, it.Err(), ErrIteratorInvalidated)

		require.True(t, it.First(), "repositioning recovers")
		assert.NoError(t, it.Err())
	})
}

func TestIteratorPrefetchAdvisesDataFile(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithPageCacheSize(0))
	fill(t, env, "t", 0, 3000, 100)
	require.NoError(t, env.FlushJournal())
	require.Zero(t, env.Stats().JournalPages)

	readTree(t, env, func(tree *Tree) {
		it := tree.Iterate(true)
		n := 0
		var prev []byte
		for ok := it.First(); ok; ok = it.Next() {
			require.Positive(t, bytes.Compare(it.Key(), prev))
			prev = bytes.Clone(it.Key())
			n++
		}
		require.NoError(t, it.Err())
		assert.Equal(t, 3000, n)
	})
	assert.Positive(t, env.Stats().ReadAhead)
}
