package pagedb

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagedb/internal/page"
)

// writeTree opens a write transaction with a fresh tree and hands both to fn.
// The transaction is committed when fn returns.
func writeTree(t *testing.T, env *Env, flags TreeFlags, fn func(tx *Transaction, tree *Tree)) {
	t.Helper()
	tx, err := env.BeginTransaction(TxReadWrite)
	require.NoError(t, err)
	tree, err := tx.CreateTree("t", flags)
	require.NoError(t, err)
	fn(tx, tree)
	require.NoError(t, tx.Commit())
}

func readTree(t *testing.T, env *Env, fn func(tree *Tree)) {
	t.Helper()
	err := env.View(func(tx *Transaction) error {
		tree, err := tx.OpenTree("t")
		require.NoError(t, err)
		fn(tree)
		return nil
	})
	require.NoError(t, err)
}

func keys(t *testing.T, tree *Tree) [][]byte {
	t.Helper()
	var out [][]byte
	it := tree.Iterate(false)
	for ok := it.First(); ok; ok = it.Next() {
		out = append(out, bytes.Clone(it.Key()))
	}
	require.NoError(t, it.Err())
	return out
}

func TestTreeAddReadDelete(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithDebugValidation(true))
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		require.NoError(t, tree.Add([]byte("b"), []byte("2")))
		require.NoError(t, tree.Add([]byte("a"), []byte("1")))
		require.NoError(t, tree.Add([]byte("c"), []byte("3")))
		require.NoError(t, tree.Delete([]byte("b")))
		require.NoError(t, tree.Delete([]byte("missing")), "deleting a missing key is a no-op")
		assert.Equal(t, int64(2), tree.State().Entries)
	})

	readTree(t, env, func(tree *Tree) {
		r, err := tree.Read([]byte("a"))
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, "1", string(r.Bytes()))
		assert.Equal(t, 1, r.Len())

		r, err = tree.Read([]byte("b"))
		require.NoError(t, err)
		assert.Nil(t, r)

		first, err := tree.FirstKey()
		require.NoError(t, err)
		assert.Equal(t, "a", string(first))
		last, err := tree.LastKey()
		require.NoError(t, err)
		assert.Equal(t, "c", string(last))
		assert.Equal(t, "t", tree.Name())

		assert.ErrorIs(t, tree.Add([]byte("x"), nil), ErrTxNotWritable)
		assert.ErrorIs(t, tree.Delete([]byte("a")), ErrTxNotWritable)
	})
}

func TestTreeKeyLimits(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		assert.ErrorIs(t, tree.Add(nil, []byte("v")), ErrKeyEmpty)
		_, err := tree.Read([]byte{})
		assert.ErrorIs(t, err, ErrKeyEmpty)

		limit := page.MaxKeySize(env.PageSize())
		big := bytes.Repeat([]byte("k"), limit)
		require.NoError(t, tree.Add(big, []byte("v")))
		assert.ErrorIs(t, tree.Add(append(big, 'k'), []byte("v")), ErrKeyTooLarge)

		// long keys still split correctly
		for i := 0; i < 20; i++ {
			k := append(bytes.Clone(big[:limit-1]), byte('a'+i))
			require.NoError(t, tree.Add(k, []byte("v")))
		}
		assert.Greater(t, tree.State().Depth, int32(1))
		require.NoError(t, tree.Validate())
	})
}

func TestTreeUpdateInPlace(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	writeTree(t, env, 0, func(tx *Transaction, tree *Tree) {
		require.NoError(t, tree.Add([]byte("a"), []byte("v1")))
		before := tx.LowLevel().NumberOfModifiedPages()
		require.NoError(t, tree.Add([]byte("a"), []byte("v2")))
		assert.Equal(t, before, tx.LowLevel().NumberOfModifiedPages())

		require.NoError(t, tree.Add([]byte("a"), []byte("longer value")))
		assert.Equal(t, int64(1), tree.State().Entries)
		assert.Zero(t, tree.State().OverflowPages)

		r, err := tree.Read([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, "longer value", string(r.Bytes()))
	})
}

func TestTreeOverflowThreshold(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithDebugValidation(true))
	ps := env.PageSize()
	inline := page.MaxNodeSize(ps) - page.NodeHeaderSize - 1

	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		require.NoError(t, tree.Add([]byte("a"), value(0, inline)))
		assert.Zero(t, tree.State().OverflowPages, "largest inline value")

		require.NoError(t, tree.Add([]byte("b"), value(1, inline+1)))
		assert.Equal(t, int64(page.OverflowPages(inline+1, ps)), tree.State().OverflowPages)
	})

	readTree(t, env, func(tree *Tree) {
		for i, k := range []string{"a", "b"} {
			r, err := tree.Read([]byte(k))
			require.NoError(t, err)
			assert.Equal(t, value(i, inline+i), r.Bytes())
		}
	})
}

func TestTreeOverflowResize(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithDebugValidation(true))
	ps := env.PageSize()
	k := []byte("big")

	overflowPage := func(tree *Tree) int64 {
		pn, err := tree.FindPageFor(k)
		require.NoError(t, err)
		leaf, err := tree.LeafPage(pn, false)
		require.NoError(t, err)
		i, exact := leaf.Search(k)
		require.True(t, exact)
		require.Equal(t, page.NodeOverflow, leaf.Node(i).Flags())
		return leaf.Node(i).PageNumber()
	}
	update := func(size int, check func(tree *Tree)) {
		err := env.Update(func(tx *Transaction) error {
			tree, err := tx.CreateTree("t", 0)
			require.NoError(t, err)
			require.NoError(t, tree.Add(k, value(size, size)))
			check(tree)
			return nil
		})
		require.NoError(t, err)
		readTree(t, env, func(tree *Tree) {
			r, err := tree.Read(k)
			require.NoError(t, err)
			assert.Equal(t, value(size, size), r.Bytes())
		})
	}

	var first int64
	update(10000, func(tree *Tree) {
		assert.Equal(t, int64(3), tree.State().OverflowPages)
		first = overflowPage(tree)
	})
	update(9000, func(tree *Tree) {
		assert.Equal(t, int64(3), tree.State().OverflowPages, "same page count")
		assert.Equal(t, first, overflowPage(tree), "rewritten in place")
	})
	update(3000, func(tree *Tree) {
		assert.Equal(t, int64(1), tree.State().OverflowPages)
		assert.Equal(t, first, overflowPage(tree), "shrunk in place")
	})
	assert.Equal(t, 2, env.Stats().FreePages)

	update(5*ps, func(tree *Tree) {
		assert.Equal(t, int64(page.OverflowPages(5*ps, ps)), tree.State().OverflowPages)
	})
	update(10, func(tree *Tree) {
		assert.Zero(t, tree.State().OverflowPages, "back to inline")
	})
}

func TestTreeSplitsGrowDepth(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize))
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		for i := 0; i < 1000; i++ {
			require.NoError(t, tree.Add(key(i), value(i, 100)))
		}
		s := tree.State()
		assert.Equal(t, int32(2), s.Depth)
		assert.Equal(t, int64(1), s.BranchPages)
		assert.Greater(t, s.LeafPages, int64(1))
		require.NoError(t, tree.Validate())

		for i := 1000; i < 10000; i++ {
			require.NoError(t, tree.Add(key(i), value(i, 100)))
		}
		assert.GreaterOrEqual(t, tree.State().Depth, int32(3))
		require.NoError(t, tree.Validate())
	})

	readTree(t, env, func(tree *Tree) {
		assert.Equal(t, int64(10000), tree.State().Entries)
		for i := 0; i < 10000; i += 97 {
			r, err := tree.Read(key(i))
			require.NoError(t, err)
			require.NotNil(t, r, "key %d", i)
			assert.Equal(t, value(i, 100), r.Bytes())
		}
		pages, err := tree.AllPages()
		require.NoError(t, err)
		s := tree.State()
		assert.Len(t, pages, int(s.BranchPages+s.LeafPages))
	})
}

func TestTreeRandomInsertAndDelete(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithDebugValidation(true))
	rng := rand.New(rand.NewPCG(1, 2))
	order := rng.Perm(3000)

	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		for _, i := range order {
			require.NoError(t, tree.Add(key(i), value(i, 1+i%300)))
		}
	})

	err := env.Update(func(tx *Transaction) error {
		tree, err := tx.OpenTree("t")
		require.NoError(t, err)
		for _, i := range order {
			if i%3 != 0 {
				require.NoError(t, tree.Delete(key(i)))
			}
		}
		return tree.Validate()
	})
	require.NoError(t, err)

	readTree(t, env, func(tree *Tree) {
		got := keys(t, tree)
		require.Len(t, got, 1000)
		for j, k := range got {
			assert.Equal(t, key(j*3), k)
		}
	})
}

func TestTreeDeleteEverything(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize), WithDebugValidation(true))
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		for i := 0; i < 5000; i++ {
			require.NoError(t, tree.Add(key(i), value(i, 80)))
		}
	})
	var pages int64
	readTree(t, env, func(tree *Tree) {
		s := tree.State()
		pages = s.BranchPages + s.LeafPages
	})

	err := env.Update(func(tx *Transaction) error {
		tree, err := tx.OpenTree("t")
		require.NoError(t, err)
		for i := 4999; i >= 0; i-- {
			require.NoError(t, tree.Delete(key(i)))
		}
		s := tree.State()
		assert.Zero(t, s.Entries)
		assert.Equal(t, int32(1), s.Depth)
		assert.Equal(t, int64(1), s.LeafPages)
		assert.Zero(t, s.BranchPages)
		return tree.Validate()
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, env.Stats().FreePages, int(pages-1), "only the root leaf survives")
}

func TestDirectAdd(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		s, err := tree.DirectAdd([]byte("k"), 5, KindData)
		require.NoError(t, err)
		require.Len(t, s.Buffer, 5)

		_, err = tree.DirectAdd([]byte("other"), 1, KindData)
		assert.ErrorIs(t, err, ErrDirectAddInProgress)
		assert.ErrorIs(t, tree.Add([]byte("other"), nil), ErrDirectAddInProgress)
		assert.ErrorIs(t, tree.Delete([]byte("k")), ErrDirectAddInProgress)

		copy(s.Buffer, "hello")
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		r, err := tree.Read([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(r.Bytes()))
		assert.Equal(t, "hello", readAll(t, r))
	})
}

func readAll(t *testing.T, r *ReadResult) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Reader())
	require.NoError(t, err)
	return buf.String()
}

func TestCommitWithOpenDirectAddFails(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	tx, err := env.BeginTransaction(TxReadWrite)
	require.NoError(t, err)
	tree, err := tx.CreateTree("t", 0)
	require.NoError(t, err)
	_, err = tree.DirectAdd([]byte("k"), 1, KindData)
	require.NoError(t, err)
	assert.ErrorIs(t, tx.Commit(), ErrDirectAddInProgress)

	err = env.View(func(tx *Transaction) error {
		_, err := tx.OpenTree("t")
		return err
	})
	assert.ErrorIs(t, err, ErrTreeNotFound, "failed commit rolled back")
}

func TestIncrementAndAddMax(t *testing.T) {
	t.Parallel()

	env, _ := setup(t)
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		v, err := tree.Increment([]byte("n"), 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), v)
		v, err = tree.Increment([]byte("n"), -7)
		require.NoError(t, err)
		assert.Equal(t, int64(-2), v)

		v, err = tree.AddMax([]byte("n"), -10)
		require.NoError(t, err)
		assert.Equal(t, int64(-2), v, "smaller value is ignored")
		v, err = tree.AddMax([]byte("n"), 40)
		require.NoError(t, err)
		assert.Equal(t, int64(40), v)
		v, err = tree.AddMax([]byte("fresh"), 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		require.NoError(t, tree.Add([]byte("s"), []byte("abc")))
		_, err = tree.Increment([]byte("s"), 1)
		assert.ErrorIs(t, err, ErrValueNotInt64)
	})

	readTree(t, env, func(tree *Tree) {
		r, err := tree.Read([]byte("n"))
		require.NoError(t, err)
		n, err := r.Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(40), n)
	})
}

func TestRecentlyFoundCacheDoesNotChangeResults(t *testing.T) {
	t.Parallel()

	run := func(enabled bool) (page.TreeState, [][]byte) {
		env, _ := setup(t, WithPageSize(page.MinSize), WithRecentlyFoundCache(enabled))
		rng := rand.New(rand.NewPCG(7, 7))
		writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
			for _, i := range rng.Perm(4000) {
				require.NoError(t, tree.Add(key(i), value(i, 1+i%150)))
			}
			for _, i := range rng.Perm(4000) {
				if i%2 == 1 {
					require.NoError(t, tree.Delete(key(i)))
				}
			}
			require.NoError(t, tree.Validate())
		})
		var state page.TreeState
		var got [][]byte
		readTree(t, env, func(tree *Tree) {
			state = tree.State()
			got = keys(t, tree)
			for i := 0; i < 4000; i++ {
				r, err := tree.Read(key(i))
				require.NoError(t, err)
				assert.Equal(t, i%2 == 0, r != nil, "key %d", i)
			}
		})
		return state, got
	}

	cachedState, cachedKeys := run(true)
	plainState, plainKeys := run(false)
	assert.Equal(t, plainState, cachedState)
	assert.Equal(t, plainKeys, cachedKeys)
}

func TestFindPageFor(t *testing.T) {
	t.Parallel()

	env, _ := setup(t, WithPageSize(page.MinSize))
	writeTree(t, env, 0, func(_ *Transaction, tree *Tree) {
		for i := 0; i < 500; i++ {
			require.NoError(t, tree.Add(key(i), value(i, 100)))
		}
		for _, i := range []int{0, 250, 499} {
			pn, err := tree.FindPageFor(key(i))
			require.NoError(t, err)
			leaf, err := tree.LeafPage(pn, false)
			require.NoError(t, err)
			_, exact := leaf.Search(key(i))
			assert.True(t, exact, "key %d", i)
		}
		_, err := tree.LeafPage(tree.State().RootPage, false)
		assert.ErrorIs(t, err, ErrNotLeafPage)
	})
}
