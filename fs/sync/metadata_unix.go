//go:build !windows && !plan9

package sync

import (
	"os"
	"syscall"
	"time"

	"github.com/ocrsync/ocrsync/fs/flist"
	"golang.org/x/sys/unix"
)

const haveLChtimes = true

// lChtimes changes the access and modification times of the named
// link, similar to the Unix utime() or utimes() functions.
//
// The underlying filesystem may truncate or round the values to a
// less precise time unit.
// If there is an error, it will be of type *PathError.
func lChtimes(name string, atime time.Time, mtime time.Time) error {
	var utimes [2]unix.Timespec
	utimes[0] = unix.NsecToTimespec(atime.UnixNano())
	utimes[1] = unix.NsecToTimespec(mtime.UnixNano())
	if e := unix.UtimesNanoAt(unix.AT_FDCWD, name, utimes[0:], unix.AT_SYMLINK_NOFOLLOW); e != nil {
		return &os.PathError{Op: "lchtimes", Path: name, Err: e}
	}
	return nil
}

// statDevIno extracts the (device, inode) pair and link count from a
// stat result.
func statDevIno(info os.FileInfo) (di flist.DevIno, nlink uint64, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return flist.DevIno{}, 0, false
	}
	return flist.DevIno{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, uint64(st.Nlink), true
}

// statOwner extracts the numeric owner and group.
func statOwner(info os.FileInfo) (uid, gid uint32, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return st.Uid, st.Gid, true
}

// lchown changes ownership without following symlinks.
func lchown(name string, uid, gid uint32) error {
	return os.Lchown(name, int(uid), int(gid))
}

// mkfifo creates a named pipe.
func mkfifo(path string, mode uint32) error {
	return unix.Mkfifo(path, mode)
}

// mknodDevice creates a character or block device node.
func mknodDevice(path string, mode uint32, major, minor uint32) error {
	return unix.Mknod(path, mode, int(unix.Mkdev(major, minor)))
}

// statRdev extracts the device numbers of a device node.
func statRdev(info os.FileInfo) (major, minor uint32) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	rdev := uint64(st.Rdev)
	return uint32(unix.Major(rdev)), uint32(unix.Minor(rdev))
}
