package pagedb

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagedb/internal/page"
)

func compressedLeaves(t *testing.T, tree *Tree) []int64 {
	t.Helper()
	pages, err := tree.AllPages()
	require.NoError(t, err)
	var out []int64
	for _, pn := range pages {
		p, err := tree.llt.GetPage(pn)
		require.NoError(t, err)
		if p.IsLeaf() && p.IsCompressed() {
			out = append(out, pn)
		}
	}
	return out
}

func TestCompressedTreeUsesFewerLeaves(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithDebugValidation(true))
	fill(t, env, "plain", 0, 2000, 200)
	fill(t, env, "packed", TreeLeafCompression, 2000, 200)

	err := env.View(func(tx *Transaction) error {
		plain, err := tx.OpenTree("plain")
		require.NoError(t, err)
		packed, err := tx.OpenTree("packed")
		require.NoError(t, err)

		assert.Less(t, packed.State().LeafPages, plain.State().LeafPages)
		assert.Equal(t, plain.State().Entries, packed.State().Entries)
		assert.Equal(t, keys(t, plain), keys(t, packed))
		require.NoError(t, packed.Validate())

		leaves := compressedLeaves(t, packed)
		require.NotEmpty(t, leaves)
		_, err = packed.LeafPage(leaves[0], false)
		assert.ErrorIs(t, err, ErrCompressedPage)
		view, err := packed.LeafPage(leaves[0], true)
		require.NoError(t, err)
		assert.Greater(t, view.NumEntries(), 0)
		assert.False(t, view.IsCompressed())

		for i := 0; i < 2000; i += 37 {
			r, err := packed.Read(key(i))
			require.NoError(t, err)
			require.NotNil(t, r, "key %d", i)
			assert.Equal(t, value(i, 200), r.Bytes())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCompressedTreeIncompressibleValues(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithDebugValidation(true))
	rng := rand.New(rand.NewPCG(3, 4))
	values := make(map[int][]byte)
	writeTree(t, env, TreeLeafCompression, func(_ *Transaction, tree *Tree) {
		for i := 0; i < 300; i++ {
			v := make([]byte, 600)
			for j := range v {
				v[j] = byte(rng.Uint32())
			}
			values[i] = v
			require.NoError(t, tree.Add(key(i), v))
		}
		assert.Empty(t, compressedLeaves(t, tree), "random data is stored plain")
	})

	readTree(t, env, func(tree *Tree) {
		for i, v := range values {
			r, err := tree.Read(key(i))
			require.NoError(t, err)
			assert.Equal(t, v, r.Bytes())
		}
	})
}

func TestCompressedTreeUpdatesAndDeletes(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithDebugValidation(true))
	fill(t, env, "t", TreeLeafCompression, 3000, 50)

	err := env.Update(func(tx *Transaction) error {
		tree, err := tx.OpenTree("t")
		require.NoError(t, err)
		for i := 0; i < 3000; i += 2 {
			require.NoError(t, tree.Delete(key(i)))
		}
		for i := 1; i < 3000; i += 10 {
			require.NoError(t, tree.Add(key(i), value(i+1, 80)))
		}
		require.NoError(t, tree.Add([]byte("huge"), value(0, 3*page.MinSize)))
		return tree.Validate()
	})
	require.NoError(t, err)

	readTree(t, env, func(tree *Tree) {
		assert.Equal(t, int64(1501), tree.State().Entries)
		assert.Positive(t, tree.State().OverflowPages)
		for i := 0; i < 3000; i++ {
			r, err := tree.Read(key(i))
			require.NoError(t, err)
			switch {
			case i%2 == 0:
				assert.Nil(t, r, "key %d", i)
			case i%10 == 1:
				assert.Equal(t, value(i+1, 80), r.Bytes(), "key %d", i)
			default:
				assert.Equal(t, value(i, 50), r.Bytes(), "key %d", i)
			}
		}
		r, err := tree.Read([]byte("huge"))
		require.NoError(t, err)
		assert.Equal(t, value(0, 3*page.MinSize), r.Bytes())
	})

	err = env.Update(func(tx *Transaction) error {
		tree, err := tx.OpenTree("t")
		require.NoError(t, err)
		it := tree.Iterate(false)
		var all [][]byte
		for ok := it.First(); ok; ok = it.Next() {
			all = append(all, append([]byte(nil), it.Key()...))
		}
		require.NoError(t, it.Err())
		for _, k := range all {
			require.NoError(t, tree.Delete(k))
		}
		assert.Zero(t, tree.State().Entries)
		assert.Zero(t, tree.State().OverflowPages)
		return tree.Validate()
	})
	require.NoError(t, err)
}
