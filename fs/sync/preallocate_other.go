//go:build !linux

package sync

import "os"

// preAllocate the file for performance reasons
func preAllocate(size int64, out *os.File) error {
	return nil
}
