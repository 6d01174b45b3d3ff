//go:build windows || plan9

package sync

import (
	"errors"
	"os"
	"time"

	"github.com/ocrsync/ocrsync/fs/flist"
)

const haveLChtimes = false

var errUnsupported = errors.New("not supported on this platform")

// lChtimes changes the access and modification times of the named
// link, similar to the Unix utime() or utimes() functions.
//
// The underlying filesystem may truncate or round the values to a
// less precise time unit.
// If there is an error, it will be of type *PathError.
func lChtimes(name string, atime time.Time, mtime time.Time) error {
	// Does nothing
	return nil
}

func statDevIno(info os.FileInfo) (di flist.DevIno, nlink uint64, ok bool) {
	return flist.DevIno{}, 0, false
}

func statOwner(info os.FileInfo) (uid, gid uint32, ok bool) {
	return 0, 0, false
}

func lchown(name string, uid, gid uint32) error {
	return nil
}

func mkfifo(path string, mode uint32) error {
	return errUnsupported
}

func mknodDevice(path string, mode uint32, major, minor uint32) error {
	return errUnsupported
}

func statRdev(info os.FileInfo) (major, minor uint32) {
	return 0, 0
}
