package sync

import (
	"os"
	"time"

	"github.com/ocrsync/ocrsync/fs"
)

// applyMetadata restores the preserved attributes of src onto dst
// after its content has been materialised. Symlink targets get
// lchtimes/lchown only; chmod on a symlink would affect the target.
func (s *syncRun) applyMetadata(dst, src string, info os.FileInfo) error {
	isLink := info.Mode()&os.ModeSymlink != 0
	if s.opt.Perms && !isLink {
		if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
			return err
		}
	}
	if s.opt.Owner || s.opt.Group {
		if uid, gid, ok := statOwner(info); ok {
			if !s.opt.Owner {
				uid = ^uint32(0)
			}
			if !s.opt.Group {
				gid = ^uint32(0)
			}
			if err := lchown(dst, uid, gid); err != nil {
				// Needing privilege for chown is routine; keep going.
				fs.Debugf(nil, "chown %q: %v", dst, err)
			}
		}
	}
	if s.opt.Xattrs && !isLink {
		if err := copyXattrs(src, dst); err != nil {
			fs.Debugf(nil, "xattrs %q: %v", dst, err)
		}
	}
	if s.opt.Times {
		mtime := info.ModTime()
		if isLink {
			if haveLChtimes {
				return lChtimes(dst, mtime, mtime)
			}
			return nil
		}
		return os.Chtimes(dst, mtime, mtime)
	}
	return nil
}

// dirTime remembers a directory whose mtime must be restored after
// everything inside it has been written.
type dirTime struct {
	path  string
	mtime time.Time
}

// applyDirTimes restores directory times in reverse traversal order so
// parent updates are not clobbered by later writes into them.
func (s *syncRun) applyDirTimes() {
	if !s.opt.Times || s.opt.OmitDirTimes {
		return
	}
	for i := len(s.dirTimes) - 1; i >= 0; i-- {
		dt := s.dirTimes[i]
		if err := os.Chtimes(dt.path, dt.mtime, dt.mtime); err != nil {
			fs.Debugf(nil, "directory times %q: %v", dt.path, err)
		}
	}
}
