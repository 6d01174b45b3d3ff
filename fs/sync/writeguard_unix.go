//go:build !windows && !plan9

package sync

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isCrossDevice reports whether a rename failed because source and
// destination are on different filesystems.
func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
