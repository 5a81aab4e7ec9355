package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// OpenBSD has no unified buffer cache, so dirty mapped pages must be
// written back explicitly.
func fdatasync(f *os.File, mapping []byte) error {
	if len(mapping) != 0 {
		if err := unix.Msync(mapping, unix.MS_SYNC); err != nil {
			return err
		}
	}
	return f.Sync()
}
