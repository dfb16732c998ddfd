//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

func adviseWillNeed(f *os.File, offset, length int64) error {
	return unix.Fadvise(int(f.Fd()), offset, length, unix.FADV_WILLNEED)
}
