package journal

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"pagedb/internal/page"
)

// RecoveryStats summarizes a Recover run.
type RecoveryStats struct {
	Files        int
	Transactions int
	Pages        int
	LastTxID     uint64
	TornTail     bool
}

// ReplayFunc applies the pages of one recovered transaction.
type ReplayFunc func(h TxHeader, pages []page.Page) error

// Recover replays every intact record newer than fromTxID in file and id
// order. Replay stops at the first torn record: that file is truncated there
// and later files are removed. A transaction id that does not increase is
// corruption.
func (j *Journal) Recover(fromTxID uint64, replay ReplayFunc) (RecoveryStats, error) {
	stats := RecoveryStats{LastTxID: fromTxID}
	numbers, err := j.listFiles()
	if err != nil {
		return stats, err
	}

	last := fromTxID
	for i, number := range numbers {
		path := filepath.Join(j.opts.Dir, fileName(number))
		data, err := os.ReadFile(path)
		if err != nil {
			return stats, err
		}
		stats.Files++
		j.nextNumber = max(j.nextNumber, number+1)

		off := 0
		for off < len(data) {
			h, payload, err := parseRecord(data[off:])
			if err != nil {
				stats.TornTail = true
				j.log.Warn("journal has a torn tail, discarding the rest",
					"file", number, "offset", off, "dropped_bytes", len(data)-off)
				if err := os.Truncate(path, int64(off)); err != nil {
					return stats, err
				}
				for _, later := range numbers[i+1:] {
					if err := os.Remove(filepath.Join(j.opts.Dir, fileName(later))); err != nil {
						return stats, err
					}
				}
				stats.LastTxID = last
				return stats, nil
			}
			off += TxHeaderSize + len(payload)

			if h.TxID <= fromTxID {
				continue
			}
			if h.TxID <= last {
				return stats, errors.Wrapf(page.ErrCorruption,
					"journal file %d: tx %d follows tx %d", number, h.TxID, last)
			}

			pages, err := decodePages(h, payload, j.opts.PageSize)
			if err != nil {
				return stats, err
			}
			if err := replay(h, pages); err != nil {
				return stats, errors.Wrapf(err, "replay tx %d", h.TxID)
			}
			last = h.TxID
			stats.Transactions++
			stats.Pages += len(pages)
		}
	}
	stats.LastTxID = last
	return stats, nil
}
