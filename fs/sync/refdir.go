package sync

import (
	"os"
	"path/filepath"

	"github.com/ocrsync/ocrsync/fs"
)

// refMatch is the outcome of probing the reference directories.
type refMatch struct {
	path string
	// how the match is used
	kind refKind
}

type refKind byte

const (
	refCompare refKind = iota // identical file exists: skip the transfer
	refCopy                   // copy locally instead of transferring
	refLink                   // hard link to the reference
	refBasis                  // not identical, but usable as a basis
)

// sameFile reports whether the candidate file matches the source
// entry under the effective comparison mode: size plus mtime within
// the modify window, or strong digests with --checksum.
func (s *syncRun) sameFile(srcPath string, srcInfo os.FileInfo, candPath string, candInfo os.FileInfo) bool {
	if !candInfo.Mode().IsRegular() || candInfo.Size() != srcInfo.Size() {
		return false
	}
	if s.opt.SizeOnly {
		return true
	}
	if s.opt.Checksum {
		same, err := s.filesIdentical(srcPath, candPath)
		return err == nil && same
	}
	diff := srcInfo.ModTime().Sub(candInfo.ModTime())
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.opt.ModifyWindow
}

// probeReferenceDirs looks for the entry in the compare/copy/link
// destination directories, in option order, first viable match wins.
// A non-identical regular file in a copy-dest directory is still
// offered as a delta basis.
func (s *syncRun) probeReferenceDirs(rel, srcPath string, srcInfo os.FileInfo) *refMatch {
	probe := func(dirs []string, kind refKind) *refMatch {
		for _, dir := range dirs {
			cand := filepath.Join(dir, rel)
			ci, err := os.Lstat(cand)
			if err != nil {
				continue
			}
			if s.sameFile(srcPath, srcInfo, cand, ci) {
				return &refMatch{path: cand, kind: kind}
			}
			if kind == refCopy && ci.Mode().IsRegular() {
				return &refMatch{path: cand, kind: refBasis}
			}
		}
		return nil
	}
	if m := probe(s.opt.CompareDest, refCompare); m != nil {
		return m
	}
	if m := probe(s.opt.CopyDest, refCopy); m != nil {
		return m
	}
	if m := probe(s.opt.LinkDest, refLink); m != nil {
		return m
	}
	return nil
}

// fuzzyBasis searches the destination directory for a file with the
// same stem to serve as a delta basis when no exact basis exists.
func (s *syncRun) fuzzyBasis(dstPath string) string {
	dir := filepath.Dir(dstPath)
	base := filepath.Base(dstPath)
	stem := base
	if ext := filepath.Ext(base); ext != "" {
		stem = base[:len(base)-len(ext)]
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, ent := range entries {
		if !ent.Type().IsRegular() || ent.Name() == base {
			continue
		}
		name := ent.Name()
		candStem := name
		if ext := filepath.Ext(name); ext != "" {
			candStem = name[:len(name)-len(ext)]
		}
		if candStem == stem || name == stem {
			fs.Debugf(nil, "fuzzy basis for %q: %q", dstPath, name)
			return filepath.Join(dir, name)
		}
	}
	return ""
}
