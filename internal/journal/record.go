package journal

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// TxHeaderSize is the size of the header preceding every transaction record.
//
// Layout:
// [Marker:8][TxID:8][NextPage:8][Timestamp:8][PageCount:4][Flags:4]
// [PayloadSize:8][UncompressedSize:8][PayloadHash:8][HeaderHash:8]
// [Root:64][Reserved:8]
//
// The payload that follows is a sequence of [PageNumber:8][Size:4][Bytes]
// entries in ascending page order, lz4 compressed when TxCompressed is set.
const TxHeaderSize = 144

const (
	txMarker uint64 = 0x4c4e524a42444750 // "PGDBJRNL"

	offHeaderHash = 64
	offRoot       = 72
)

type TxFlags uint32

const (
	TxCommit TxFlags = 1 << iota
	TxCompressed
)

var errTorn = errors.New("journal: torn or incomplete record")

// TxHeader describes one committed transaction.
type TxHeader struct {
	TxID             uint64
	NextPage         int64
	Timestamp        int64
	PageCount        int32
	Flags            TxFlags
	PayloadSize      int64
	UncompressedSize int64
	PayloadHash      uint64
	Root             page.TreeState
}

func (h *TxHeader) encode(b []byte) {
	clear(b[:TxHeaderSize])
	binary.LittleEndian.PutUint64(b[0:], txMarker)
	binary.LittleEndian.PutUint64(b[8:], h.TxID)
	binary.LittleEndian.PutUint64(b[16:], uint64(h.NextPage))
	binary.LittleEndian.PutUint64(b[24:], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(b[32:], uint32(h.PageCount))
	binary.LittleEndian.PutUint32(b[36:], uint32(h.Flags))
	binary.LittleEndian.PutUint64(b[40:], uint64(h.PayloadSize))
	binary.LittleEndian.PutUint64(b[48:], uint64(h.UncompressedSize))
	binary.LittleEndian.PutUint64(b[56:], h.PayloadHash)
	h.Root.Encode(b[offRoot:])
	binary.LittleEndian.PutUint64(b[offHeaderHash:], headerHash(b))
}

func headerHash(b []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(b[:offHeaderHash])
	_, _ = d.Write(b[offRoot:TxHeaderSize])
	return d.Sum64()
}

func decodeTxHeader(b []byte) (TxHeader, error) {
	if len(b) < TxHeaderSize {
		return TxHeader{}, errTorn
	}
	if binary.LittleEndian.Uint64(b[0:]) != txMarker {
		return TxHeader{}, errTorn
	}
	if binary.LittleEndian.Uint64(b[offHeaderHash:]) != headerHash(b) {
		return TxHeader{}, errTorn
	}
	return TxHeader{
		TxID:             binary.LittleEndian.Uint64(b[8:]),
		NextPage:         int64(binary.LittleEndian.Uint64(b[16:])),
		Timestamp:        int64(binary.LittleEndian.Uint64(b[24:])),
		PageCount:        int32(binary.LittleEndian.Uint32(b[32:])),
		Flags:            TxFlags(binary.LittleEndian.Uint32(b[36:])),
		PayloadSize:      int64(binary.LittleEndian.Uint64(b[40:])),
		UncompressedSize: int64(binary.LittleEndian.Uint64(b[48:])),
		PayloadHash:      binary.LittleEndian.Uint64(b[56:]),
		Root:             page.DecodeTreeState(b[offRoot:]),
	}, nil
}

// encodeRecord builds the on-disk record for h and pages. h is updated with
// the payload fields.
func encodeRecord(h *TxHeader, pages []PageWrite, compress bool) []byte {
	raw := 0
	for _, p := range pages {
		raw += 12 + len(p.Data)
	}
	payload := make([]byte, 0, raw)
	for _, p := range pages {
		payload = binary.LittleEndian.AppendUint64(payload, uint64(p.Number))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(p.Data)))
		payload = append(payload, p.Data...)
	}

	h.PageCount = int32(len(pages))
	h.UncompressedSize = int64(len(payload))
	h.Flags &^= TxCompressed
	if compress && len(payload) > 0 {
		var c lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		if n, err := c.CompressBlock(payload, dst); err == nil && n > 0 && n < len(payload) {
			payload = dst[:n]
			h.Flags |= TxCompressed
		}
	}
	h.PayloadSize = int64(len(payload))
	h.PayloadHash = xxhash.Sum64(payload)

	rec := make([]byte, TxHeaderSize+len(payload))
	h.encode(rec)
	copy(rec[TxHeaderSize:], payload)
	return rec
}

// parseRecord reads one record from the front of b. It returns errTorn when b
// does not start with a complete, intact record.
func parseRecord(b []byte) (TxHeader, []byte, error) {
	h, err := decodeTxHeader(b)
	if err != nil {
		return TxHeader{}, nil, err
	}
	if h.PayloadSize < 0 || int64(len(b)-TxHeaderSize) < h.PayloadSize {
		return TxHeader{}, nil, errTorn
	}
	payload := b[TxHeaderSize : TxHeaderSize+int(h.PayloadSize)]
	if xxhash.Sum64(payload) != h.PayloadHash {
		return TxHeader{}, nil, errTorn
	}
	return h, payload, nil
}

// decodePages expands a verified payload back into pages.
func decodePages(h TxHeader, payload []byte, pageSize int) ([]page.Page, error) {
	raw := payload
	if h.Flags&TxCompressed != 0 {
		raw = make([]byte, h.UncompressedSize)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, errors.Wrapf(page.ErrCorruption, "tx %d: decompress payload: %v", h.TxID, err)
		}
		if int64(n) != h.UncompressedSize {
			return nil, errors.Wrapf(page.ErrCorruption, "tx %d: payload decompressed to %d bytes, want %d",
				h.TxID, n, h.UncompressedSize)
		}
	}

	pages := make([]page.Page, 0, h.PageCount)
	for len(raw) > 0 {
		if len(raw) < 12 {
			return nil, errors.Wrapf(page.ErrCorruption, "tx %d: truncated page entry", h.TxID)
		}
		number := int64(binary.LittleEndian.Uint64(raw))
		size := int(binary.LittleEndian.Uint32(raw[8:]))
		raw = raw[12:]
		if size > len(raw) || size%pageSize != 0 {
			return nil, errors.Wrapf(page.ErrCorruption, "tx %d: page %d has invalid size %d", h.TxID, number, size)
		}
		p := page.Page(append([]byte(nil), raw[:size]...))
		if p.Number() != number {
			return nil, errors.Wrapf(page.ErrCorruption, "tx %d: entry for page %d holds page %d",
				h.TxID, number, p.Number())
		}
		pages = append(pages, p)
		raw = raw[size:]
	}
	if len(pages) != int(h.PageCount) {
		return nil, errors.Wrapf(page.ErrCorruption, "tx %d: decoded %d pages, header says %d",
			h.TxID, len(pages), h.PageCount)
	}
	return pages, nil
}
