package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaf(t *testing.T, size int) Page {
	t.Helper()
	p := Page(make([]byte, size))
	p.Init(7, FlagLeaf)
	return p
}

func TestInitHeader(t *testing.T) {
	t.Parallel()

	p := newLeaf(t, DefaultSize)
	assert.Equal(t, int64(7), p.Number())
	assert.True(t, p.IsLeaf())
	assert.False(t, p.IsBranch())
	assert.Equal(t, HeaderSize, p.Lower())
	assert.Equal(t, DefaultSize, p.Upper())
	assert.Equal(t, 0, p.NumEntries())
	assert.Equal(t, DefaultSize-HeaderSize, p.SizeLeft())
}

func TestValidSize(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidSize(4096))
	assert.True(t, ValidSize(8192))
	assert.True(t, ValidSize(32768))
	assert.False(t, ValidSize(2048))
	assert.False(t, ValidSize(65536))
	assert.False(t, ValidSize(5000))
}

func TestAddNodesKeepsOrder(t *testing.T) {
	t.Parallel()

	p := newLeaf(t, MinSize)
	for _, k := range []string{"m", "c", "x", "a", "q"} {
		pos, exact := p.Search([]byte(k))
		require.False(t, exact)
		copy(p.AddDataNode(pos, []byte(k), 3), "val")
	}

	require.Equal(t, 5, p.NumEntries())
	var keys []string
	for i := 0; i < p.NumEntries(); i++ {
		n := p.Node(i)
		keys = append(keys, string(n.Key()))
		assert.Equal(t, NodeData, n.Flags())
		assert.Equal(t, []byte("val"), n.Data())
	}
	assert.Equal(t, []string{"a", "c", "m", "q", "x"}, keys)

	pos, exact := p.Search([]byte("q"))
	assert.True(t, exact)
	assert.Equal(t, 3, pos)

	pos, exact = p.Search([]byte("n"))
	assert.False(t, exact)
	assert.Equal(t, 3, pos)
}

func TestRemoveAndDefrag(t *testing.T) {
	t.Parallel()

	p := newLeaf(t, MinSize)
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%02d", i))
		copy(p.AddDataNode(i, k, 100), k)
	}
	used := p.SizeUsed()

	// Remove from the middle to leave holes.
	for i := 0; i < 10; i++ {
		p.RemoveNode(5)
	}
	assert.Equal(t, 10, p.NumEntries())
	assert.Less(t, p.SizeUsed(), used)
	assert.Less(t, p.SizeLeft(), p.Free())

	p.Defrag()
	assert.Equal(t, p.SizeLeft(), p.Free())
	assert.Equal(t, []byte("key-04"), p.Node(4).Key())
	assert.Equal(t, []byte("key-15"), p.Node(5).Key())
	assert.Equal(t, []byte("key-15"), p.Node(5).Data()[:6])
}

func TestInsertDefragsWhenFragmented(t *testing.T) {
	t.Parallel()

	p := newLeaf(t, MinSize)
	i := 0
	for p.HasSpaceFor(NodeSize(8, 200)) {
		p.AddDataNode(i, []byte(fmt.Sprintf("k%07d", i)), 200)
		i++
	}
	p.RemoveNode(1)
	p.RemoveNode(1)
	require.Less(t, p.SizeLeft(), NodeSize(8, 200)+OffsetSize)
	require.True(t, p.HasSpaceFor(NodeSize(8, 200)))

	slot := p.AddDataNode(1, []byte("k0000001"), 200)
	assert.Len(t, slot, 200)
	assert.Equal(t, []byte("k0000001"), p.Node(1).Key())
}

func TestPageRefAndOverflowNodes(t *testing.T) {
	t.Parallel()

	p := Page(make([]byte, MinSize))
	p.Init(3, FlagBranch)
	p.AddPageRefNode(0, nil, 10)
	p.AddPageRefNode(1, []byte("k"), 11)

	assert.Equal(t, NodePageRef, p.Node(0).Flags())
	assert.Empty(t, p.Node(0).Key())
	assert.Equal(t, int64(10), p.Node(0).PageNumber())
	assert.Equal(t, int64(11), p.Node(1).PageNumber())

	// The empty key of entry zero sorts before everything.
	pos, exact := p.Search([]byte("a"))
	assert.Equal(t, 1, pos)
	assert.False(t, exact)

	p.Node(1).SetPageNumber(42)
	assert.Equal(t, int64(42), p.Node(1).PageNumber())

	leaf := newLeaf(t, MinSize)
	leaf.CopyNode(0, []byte("big"), MakeNode(NodeOverflow, []byte("big"), 0, 99))
	n := leaf.Node(0)
	assert.Equal(t, NodeOverflow, n.Flags())
	assert.Equal(t, int64(99), n.PageNumber())
	assert.Equal(t, NodeHeaderSize+3, n.Size())
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	p := newLeaf(t, MinSize)
	copy(p.AddDataNode(0, []byte("a"), 5), "hello")
	SetChecksum(p)
	require.NoError(t, VerifyChecksum(p))

	p[MinSize-1] ^= 0xff
	assert.ErrorIs(t, VerifyChecksum(p), ErrChecksumMismatch)
	p[MinSize-1] ^= 0xff
	require.NoError(t, VerifyChecksum(p))

	// Same content under another page number must not validate.
	p.SetNumber(8)
	assert.ErrorIs(t, VerifyChecksum(p), ErrChecksumMismatch)
}

func TestOverflowChecksumCoversValueOnly(t *testing.T) {
	t.Parallel()

	size := 5000
	pages := OverflowPages(size, MinSize)
	require.Equal(t, 2, pages)

	p := Page(make([]byte, pages*MinSize))
	p.InitOverflow(20, size)
	for i := range p.OverflowData() {
		p.OverflowData()[i] = byte(i)
	}
	SetChecksum(p)
	require.NoError(t, VerifyChecksum(p))

	// Slack after the value is not covered.
	p[len(p)-1] = 0xaa
	require.NoError(t, VerifyChecksum(p))

	p[HeaderSize+size-1] ^= 1
	assert.ErrorIs(t, VerifyChecksum(p), ErrChecksumMismatch)
}

func TestSizing(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, OverflowPages(MinSize-HeaderSize, MinSize))
	assert.Equal(t, 2, OverflowPages(MinSize-HeaderSize+1, MinSize))

	max := MaxNodeSize(DefaultSize)
	assert.True(t, IsInline(10, max-NodeHeaderSize-10, DefaultSize))
	assert.False(t, IsInline(10, max-NodeHeaderSize-9, DefaultSize))
	assert.Less(t, MaxKeySize(DefaultSize), max)
}

func TestTreeStateEncoding(t *testing.T) {
	t.Parallel()

	s := TreeState{
		RootPage:      12,
		Depth:         3,
		Flags:         TreeLeafCompression | TreeMultiValue,
		Entries:       1000,
		BranchPages:   4,
		LeafPages:     40,
		OverflowPages: 9,
	}
	buf := make([]byte, TreeStateSize)
	s.Encode(buf)
	assert.Equal(t, s, DecodeTreeState(buf))
}
