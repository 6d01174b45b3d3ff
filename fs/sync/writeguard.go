package sync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ocrsync/ocrsync/fs"
)

// guardCounter makes staging names unique within the process; the pid
// keeps them unique across processes sharing a destination.
var guardCounter atomic.Uint64

// WriteGuard couples a staging file with its final destination. Either
// Commit renames the staging file into place atomically, or Discard
// (and Close without Commit) removes it - except in partial mode,
// where an interrupted transfer is kept for resumption. A concurrent
// reader of the destination never observes a half written file.
type WriteGuard struct {
	final   string
	staging string
	f       *os.File
	partial bool
	done    bool
}

// GuardOptions control where staging files live.
type GuardOptions struct {
	// TempDir places staging files in an explicit directory instead of
	// next to the destination.
	TempDir string
	// Partial keeps the staging file on Discard so a later run can
	// resume it.
	Partial bool
	// PartialDir is where partial files accumulate; empty means the
	// destination directory.
	PartialDir string
}

// NewWriteGuard opens a staging file for final and returns the guard
// owning both paths.
func NewWriteGuard(final string, opt GuardOptions) (*WriteGuard, error) {
	dir := opt.TempDir
	prefix := ".ocrsync-tmp"
	if opt.Partial {
		prefix = ".ocrsync-partial"
		if opt.PartialDir != "" {
			dir = opt.PartialDir
		}
	}
	if dir == "" {
		dir = filepath.Dir(final)
	}
	name := filepath.Join(dir, fmt.Sprintf("%s-%d-%d", prefix, os.Getpid(), guardCounter.Add(1)))
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	return &WriteGuard{final: final, staging: name, f: f, partial: opt.Partial}, nil
}

// Write appends to the staging file.
func (g *WriteGuard) Write(p []byte) (int, error) {
	return g.f.Write(p)
}

// File exposes the staging handle for preallocation and sparse writes.
func (g *WriteGuard) File() *os.File {
	return g.f
}

// StagingPath returns the staging file's path.
func (g *WriteGuard) StagingPath() string {
	return g.staging
}

// FinalPath returns the destination path the guard owns.
func (g *WriteGuard) FinalPath() string {
	return g.final
}

// Commit closes the staging file and renames it over the destination.
// A cross device rename falls back to copying into the final path and
// removing the staging file.
func (g *WriteGuard) Commit() error {
	if g.done {
		return nil
	}
	g.done = true
	if err := g.f.Close(); err != nil {
		_ = os.Remove(g.staging)
		return err
	}
	err := os.Rename(g.staging, g.final)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		_ = os.Remove(g.staging)
		return fmt.Errorf("commit %q: %w", g.final, err)
	}
	fs.Debugf(nil, "cross-device rename of %q, copying instead", g.final)
	if err := copyFileContents(g.staging, g.final); err != nil {
		_ = os.Remove(g.staging)
		return err
	}
	return os.Remove(g.staging)
}

// Discard abandons the transfer. The staging file is removed unless
// partial mode preserves it.
func (g *WriteGuard) Discard() {
	if g.done {
		return
	}
	g.done = true
	_ = g.f.Close()
	if g.partial {
		fs.Debugf(nil, "keeping partial file %q", g.staging)
		return
	}
	_ = os.Remove(g.staging)
}

// Close makes dropping the guard equivalent to Discard when Commit was
// never reached.
func (g *WriteGuard) Close() error {
	g.Discard()
	return nil
}

// copyFileContents is the cross device commit fallback. The copy goes
// through a sibling temp name so even this path never exposes a
// partial destination.
func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp := dst + ".ocrsync-xdev"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
