//go:build !openbsd && !plan9

package sync

import (
	"fmt"
	"syscall"

	"github.com/pkg/xattr"
)

const xattrSupported = xattr.XATTR_SUPPORTED

// xattrIsNotSupported spots the errnos meaning the filesystem has no
// xattr support, which is a reason to skip quietly, not to fail.
func xattrIsNotSupported(err error) bool {
	xattrErr, ok := err.(*xattr.Error)
	if !ok {
		return false
	}
	// Xattrs not supported can be ENOTSUP or ENOATTR or EINVAL (on Solaris)
	return xattrErr.Err == syscall.EINVAL || xattrErr.Err == syscall.ENOTSUP || xattrErr.Err == xattr.ENOATTR
}

// copyXattrs copies every extended attribute from src to dst.
func copyXattrs(src, dst string) error {
	if !xattrSupported {
		return nil
	}
	names, err := xattr.LList(src)
	if err != nil {
		if xattrIsNotSupported(err) {
			return nil
		}
		return fmt.Errorf("failed to read xattr: %w", err)
	}
	for _, name := range names {
		value, err := xattr.LGet(src, name)
		if err != nil {
			if xattrIsNotSupported(err) {
				return nil
			}
			return fmt.Errorf("failed to read xattr key %q: %w", name, err)
		}
		if err := xattr.LSet(dst, name, value); err != nil {
			if xattrIsNotSupported(err) {
				return nil
			}
			return fmt.Errorf("failed to set xattr key %q: %w", name, err)
		}
	}
	return nil
}

// readXattrs enumerates src's attributes for the file list.
func readXattrs(src string) (names []string, values [][]byte, err error) {
	if !xattrSupported {
		return nil, nil, nil
	}
	list, err := xattr.LList(src)
	if err != nil {
		if xattrIsNotSupported(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, name := range list {
		value, err := xattr.LGet(src, name)
		if err != nil {
			if xattrIsNotSupported(err) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		names = append(names, name)
		values = append(values, value)
	}
	return names, values, nil
}
