//go:build openbsd || plan9

package sync

const xattrSupported = false

func copyXattrs(src, dst string) error {
	return nil
}

func readXattrs(src string) (names []string, values [][]byte, err error) {
	return nil, nil, nil
}
