//go:build !windows && !plan9

package rsyncd

import (
	"os"
	"syscall"

	"github.com/ocrsync/ocrsync/fs/flist"
)

func statOwner(info os.FileInfo) (uid, gid uint32, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return st.Uid, st.Gid, true
}

func statDevIno(info os.FileInfo) (di flist.DevIno, nlink uint64, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return flist.DevIno{}, 0, false
	}
	return flist.DevIno{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, uint64(st.Nlink), true
}
