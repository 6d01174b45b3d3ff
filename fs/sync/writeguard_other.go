//go:build windows || plan9

package sync

// isCrossDevice reports whether a rename failed because source and
// destination are on different filesystems. The errno spelling is Unix
// specific; elsewhere the copy fallback is simply never taken.
func isCrossDevice(err error) bool {
	return false
}
