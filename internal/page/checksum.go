package page

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ComputeChecksum hashes the page number and flags as a seed, then the header
// up to the checksum field, then the body. Overflow runs only hash the value
// bytes.
func ComputeChecksum(p Page) uint64 {
	var seed [10]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(p.Number()))
	binary.LittleEndian.PutUint16(seed[8:], uint16(p.Flags()))

	d := xxhash.New()
	_, _ = d.Write(seed[:])
	_, _ = d.Write(p[:offChecksum])
	if p.IsOverflow() {
		_, _ = d.Write(p.OverflowData())
	} else {
		_, _ = d.Write(p[HeaderSize:])
	}
	return d.Sum64()
}

func SetChecksum(p Page) {
	binary.LittleEndian.PutUint64(p[offChecksum:], ComputeChecksum(p))
}

// VerifyChecksum returns ErrChecksumMismatch if the stored checksum disagrees
// with the page contents.
func VerifyChecksum(p Page) error {
	if stored, computed := p.Checksum(), ComputeChecksum(p); stored != computed {
		return fmt.Errorf("%w: page %d stored=%x computed=%x",
			ErrChecksumMismatch, p.Number(), stored, computed)
	}
	return nil
}
