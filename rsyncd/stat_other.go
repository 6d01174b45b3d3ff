//go:build windows || plan9

package rsyncd

import (
	"os"

	"github.com/ocrsync/ocrsync/fs/flist"
)

func statOwner(info os.FileInfo) (uid, gid uint32, ok bool) {
	return 0, 0, false
}

func statDevIno(info os.FileInfo) (di flist.DevIno, nlink uint64, ok bool) {
	return flist.DevIno{}, 0, false
}
