package page

import "encoding/binary"

// TreeStateSize is the encoded size of a TreeState.
// Layout: [RootPage:8][Depth:4][Flags:4][Entries:8][BranchPages:8]
// [LeafPages:8][OverflowPages:8][Reserved:16]
const TreeStateSize = 64

type TreeFlags uint32

const (
	TreeLeafCompression TreeFlags = 1 << iota
	TreeMultiValue
)

// TreeState is the persistent description of a B+Tree.
type TreeState struct {
	RootPage      int64
	Depth         int32
	Flags         TreeFlags
	Entries       int64
	BranchPages   int64
	LeafPages     int64
	OverflowPages int64
}

func (s TreeState) Encode(b []byte) {
	clear(b[:TreeStateSize])
	binary.LittleEndian.PutUint64(b[0:], uint64(s.RootPage))
	binary.LittleEndian.PutUint32(b[8:], uint32(s.Depth))
	binary.LittleEndian.PutUint32(b[12:], uint32(s.Flags))
	binary.LittleEndian.PutUint64(b[16:], uint64(s.Entries))
	binary.LittleEndian.PutUint64(b[24:], uint64(s.BranchPages))
	binary.LittleEndian.PutUint64(b[32:], uint64(s.LeafPages))
	binary.LittleEndian.PutUint64(b[40:], uint64(s.OverflowPages))
}

func DecodeTreeState(b []byte) TreeState {
	return TreeState{
		RootPage:      int64(binary.LittleEndian.Uint64(b[0:])),
		Depth:         int32(binary.LittleEndian.Uint32(b[8:])),
		Flags:         TreeFlags(binary.LittleEndian.Uint32(b[12:])),
		Entries:       int64(binary.LittleEndian.Uint64(b[16:])),
		BranchPages:   int64(binary.LittleEndian.Uint64(b[24:])),
		LeafPages:     int64(binary.LittleEndian.Uint64(b[32:])),
		OverflowPages: int64(binary.LittleEndian.Uint64(b[40:])),
	}
}
