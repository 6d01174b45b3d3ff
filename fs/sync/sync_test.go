package sync

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/ocrsync/ocrsync/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func patternData(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func mustPlan(t *testing.T, src, dst string) *Plan {
	t.Helper()
	p, err := NewPlan([]string{src}, dst)
	require.NoError(t, err)
	return p
}

func TestPlanValidation(t *testing.T) {
	_, err := NewPlan(nil, "dst")
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = NewPlan([]string{""}, "dst")
	assert.ErrorIs(t, err, ErrEmptyOperand)

	_, err = NewPlan([]string{"src"}, "")
	assert.ErrorIs(t, err, ErrEmptyOperand)

	_, err = NewPlan([]string{"host:path"}, "dst")
	assert.ErrorIs(t, err, ErrRemoteOperand)

	_, err = NewPlan([]string{"rsync://host/mod"}, "dst")
	assert.ErrorIs(t, err, ErrRemoteOperand)

	p, err := NewPlan([]string{"dir/"}, "dst")
	require.NoError(t, err)
	assert.True(t, p.Sources[0].CopyContents)
	assert.Equal(t, "dir", p.Sources[0].Path)

	// A colon after the first slash is a local filename.
	_, err = NewPlan([]string{"./odd:name"}, "dst")
	require.NoError(t, err)
}

// Scenario: empty source plus --delete removes the extraneous file.
func TestEmptySourceWithDelete(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "extra.txt"), []byte("stale"), time.Time{})

	opt := DefaultOpt
	opt.Delete = fs.DeleteDuring
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.FilesCopied)
	assert.Equal(t, 1, sum.ItemsDeleted)
	ents, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

// Scenario: identical trees move nothing.
func TestIdenticalTrees(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, filepath.Join(src, "a.txt"), []byte("same bytes"), mtime)
	writeFile(t, filepath.Join(dst, "a.txt"), []byte("same bytes"), mtime)

	opt := DefaultOpt
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.FilesCopied)
	assert.Equal(t, 1, sum.RegularFilesMatched)
}

// Scenario: delta transfer moves only the divergent half.
func TestDeltaTransfer(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	data := patternData(1 << 20)
	writeFile(t, filepath.Join(src, "x.bin"), data, time.Now())
	basis := append([]byte(nil), data[:512<<10]...)
	for i := 0; i < 512<<10; i++ {
		basis = append(basis, 0xFF)
	}
	writeFile(t, filepath.Join(dst, "x.bin"), basis, time.Now().Add(-time.Hour))

	opt := DefaultOpt
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, sum.MatchedBytes, int64(512<<10))
	assert.LessOrEqual(t, sum.BytesCopied, int64(600<<10))
}

// Scenario: dir-merge filter file excludes within its subtree only.
func TestFilterWithDirMerge(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), []byte("k"), time.Time{})
	writeFile(t, filepath.Join(src, "skip.tmp"), []byte("s"), time.Time{})
	writeFile(t, filepath.Join(src, "sub", ".rsync-filter"), []byte("- *.tmp\n"), time.Time{})
	writeFile(t, filepath.Join(src, "sub", "a.tmp"), []byte("a"), time.Time{})
	writeFile(t, filepath.Join(src, "sub", "b.txt"), []byte("b"), time.Time{})

	opt := DefaultOpt
	opt.Filters = []string{":e .rsync-filter"}
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)

	exists := func(rel string) bool {
		_, err := os.Lstat(filepath.Join(dst, rel))
		return err == nil
	}
	assert.True(t, exists("keep.txt"))
	assert.True(t, exists("skip.tmp"), "*.tmp is only excluded inside sub")
	assert.True(t, exists("sub/b.txt"))
	assert.False(t, exists("sub/a.tmp"))
	assert.False(t, exists("sub/.rsync-filter"), "the filter file excludes itself")
}

// Scenario: hard linked pairs stay one inode.
func TestHardlinkPreservation(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	a := filepath.Join(src, "a")
	writeFile(t, a, []byte("shared"), time.Time{})
	require.NoError(t, os.Link(a, filepath.Join(src, "b")))

	opt := DefaultOpt
	opt.HardLinks = true
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.FilesCopied)
	assert.GreaterOrEqual(t, sum.HardLinksCreated, 1)

	sa, err := os.Stat(filepath.Join(dst, "a"))
	require.NoError(t, err)
	sb, err := os.Stat(filepath.Join(dst, "b"))
	require.NoError(t, err)
	assert.Equal(t, sa.Sys().(*syscall.Stat_t).Ino, sb.Sys().(*syscall.Stat_t).Ino)
}

func TestRecursiveCopyPreservesTimes(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mtime := time.Unix(1_600_000_000, 0)
	writeFile(t, filepath.Join(src, "d", "f.txt"), []byte("data"), mtime)
	require.NoError(t, os.Chtimes(filepath.Join(src, "d"), mtime, mtime))

	opt := DefaultOpt
	opt.Times = true
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(dst, "d", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), fi.ModTime().Unix())

	di, err := os.Stat(filepath.Join(dst, "d"))
	require.NoError(t, err)
	assert.Equal(t, mtime.Unix(), di.ModTime().Unix(), "directory times applied last")
}

func TestNestedSourceWithoutSlash(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("x"), time.Time{})

	_, err := mustPlan(t, src, dst).Execute(DefaultOpt)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, filepath.Base(src), "f"))
	assert.NoError(t, err)
}

func TestSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "target"), []byte("t"), time.Time{})
	require.NoError(t, os.Symlink("target", filepath.Join(src, "ln")))
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(src, "abs")))

	opt := DefaultOpt
	opt.Links = true
	opt.SafeLinks = true
	rep, err := mustPlan(t, src+"/", dst).ExecuteWithReport(opt)
	require.NoError(t, err)

	got, err := os.Readlink(filepath.Join(dst, "ln"))
	require.NoError(t, err)
	assert.Equal(t, "target", got)

	_, err = os.Lstat(filepath.Join(dst, "abs"))
	assert.True(t, os.IsNotExist(err), "absolute targets are unsafe")

	var sawUnsafe bool
	for _, rec := range rep.Records {
		if rec.Action == ActionSkippedUnsafeSymlink {
			sawUnsafe = true
		}
	}
	assert.True(t, sawUnsafe)
}

func TestSymlinksSkippedWithoutLinks(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.Symlink("x", filepath.Join(src, "ln")))

	sum, err := mustPlan(t, src+"/", dst).Execute(DefaultOpt)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.SymlinksCopied)
	_, err = os.Lstat(filepath.Join(dst, "ln"))
	assert.True(t, os.IsNotExist(err))
}

func TestIgnoreExisting(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("new"), time.Time{})
	writeFile(t, filepath.Join(dst, "f"), []byte("old"), time.Time{})

	opt := DefaultOpt
	opt.IgnoreExisting = true
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestUpdateSkipsNewerDestination(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("src"), time.Now().Add(-time.Hour))
	writeFile(t, filepath.Join(dst, "f"), []byte("dst"), time.Now())

	opt := DefaultOpt
	opt.Update = true
	rep, err := mustPlan(t, src+"/", dst).ExecuteWithReport(opt)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "dst", string(data))

	var saw bool
	for _, rec := range rep.Records {
		if rec.Action == ActionSkippedNewerDestination {
			saw = true
		}
	}
	assert.True(t, saw)
}

func TestChecksumDetectsSameSizeChange(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mtime := time.Unix(1_600_000_000, 0)
	writeFile(t, filepath.Join(src, "f"), []byte("aaaa"), mtime)
	writeFile(t, filepath.Join(dst, "f"), []byte("bbbb"), mtime)

	// Same size, same mtime: the default heuristic reuses it.
	sum, err := mustPlan(t, src+"/", dst).Execute(DefaultOpt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RegularFilesMatched)

	// With --checksum the difference is found.
	opt := DefaultOpt
	opt.Checksum = true
	sum, err = mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesCopied)
	data, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(data))
}

func TestSizeOnly(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("aaaa"), time.Now())
	writeFile(t, filepath.Join(dst, "f"), []byte("bbbb"), time.Now().Add(-time.Hour))

	opt := DefaultOpt
	opt.SizeOnly = true
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RegularFilesMatched)
}

func TestDeleteBeforeAndAfter(t *testing.T) {
	for _, mode := range []fs.DeleteMode{fs.DeleteBefore, fs.DeleteAfter} {
		src := t.TempDir()
		dst := t.TempDir()
		writeFile(t, filepath.Join(src, "stay"), []byte("s"), time.Time{})
		writeFile(t, filepath.Join(dst, "gone"), []byte("g"), time.Time{})

		opt := DefaultOpt
		opt.Delete = mode
		sum, err := mustPlan(t, src+"/", dst).Execute(opt)
		require.NoError(t, err, mode.String())
		assert.Equal(t, 1, sum.ItemsDeleted, mode.String())
		_, err = os.Lstat(filepath.Join(dst, "gone"))
		assert.True(t, os.IsNotExist(err), mode.String())
	}
}

func TestMaxDelete(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(dst, n), []byte(n), time.Time{})
	}

	opt := DefaultOpt
	opt.Delete = fs.DeleteDuring
	opt.MaxDelete = 1
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.ErrorIs(t, err, ErrDeleteLimit)
	var dle *DeleteLimitError
	require.ErrorAs(t, err, &dle)
	assert.Equal(t, 2, dle.Skipped)
	assert.Equal(t, 1, sum.ItemsDeleted)
}

func TestDeleteProtectedByFilter(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, "precious.dat"), []byte("p"), time.Time{})
	writeFile(t, filepath.Join(dst, "junk.dat"), []byte("j"), time.Time{})

	opt := DefaultOpt
	opt.Delete = fs.DeleteDuring
	opt.Filters = []string{"P precious.dat"}
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ItemsDeleted)
	_, err = os.Lstat(filepath.Join(dst, "precious.dat"))
	assert.NoError(t, err)
}

func TestDeleteExcluded(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "a.tmp"), []byte("a"), time.Time{})
	writeFile(t, filepath.Join(dst, "a.tmp"), []byte("old"), time.Time{})

	opt := DefaultOpt
	opt.Delete = fs.DeleteDuring
	opt.Filters = []string{"- *.tmp"}

	// Excluded entries survive --delete by default.
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	_, err = os.Lstat(filepath.Join(dst, "a.tmp"))
	assert.NoError(t, err)

	// With --delete-excluded they go.
	opt.DeleteExcluded = true
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ItemsDeleted)
	_, err = os.Lstat(filepath.Join(dst, "a.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestBackup(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("new"), time.Now())
	writeFile(t, filepath.Join(dst, "f"), []byte("old"), time.Now().Add(-time.Hour))

	opt := DefaultOpt
	opt.Backup = true
	opt.IgnoreTimes = true
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	backup, err := os.ReadFile(filepath.Join(dst, "f~"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))
}

func TestRemoveSourceFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("move me"), time.Time{})

	opt := DefaultOpt
	opt.RemoveSourceFiles = true
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SourceFilesRemoved)
	_, err = os.Lstat(filepath.Join(src, "f"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(dst, "f"))
	assert.NoError(t, err)
}

func TestExcludeIfPresentMarker(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "keep", "f"), []byte("k"), time.Time{})
	writeFile(t, filepath.Join(src, "marked", "f"), []byte("m"), time.Time{})
	writeFile(t, filepath.Join(src, "marked", ".nosync"), nil, time.Time{})

	opt := DefaultOpt
	opt.ExcludeIfPresent = []string{".nosync"}
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	_, err = os.Lstat(filepath.Join(dst, "keep", "f"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(dst, "marked"))
	assert.True(t, os.IsNotExist(err))
}

func TestLinkDest(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ref := t.TempDir()
	mtime := time.Unix(1_650_000_000, 0)
	writeFile(t, filepath.Join(src, "f"), []byte("payload"), mtime)
	writeFile(t, filepath.Join(ref, "f"), []byte("payload"), mtime)

	opt := DefaultOpt
	opt.LinkDest = []string{ref}
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.FilesCopied)
	assert.Equal(t, 1, sum.HardLinksCreated)

	sd, err := os.Stat(filepath.Join(dst, "f"))
	require.NoError(t, err)
	sr, err := os.Stat(filepath.Join(ref, "f"))
	require.NoError(t, err)
	assert.Equal(t, sr.Sys().(*syscall.Stat_t).Ino, sd.Sys().(*syscall.Stat_t).Ino)
}

func TestCompareDest(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ref := t.TempDir()
	mtime := time.Unix(1_650_000_000, 0)
	writeFile(t, filepath.Join(src, "f"), []byte("payload"), mtime)
	writeFile(t, filepath.Join(ref, "f"), []byte("payload"), mtime)

	opt := DefaultOpt
	opt.CompareDest = []string{ref}
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.FilesCopied)
	// compare-dest skips the transfer entirely.
	_, err = os.Lstat(filepath.Join(dst, "f"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopyDest(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ref := t.TempDir()
	mtime := time.Unix(1_650_000_000, 0)
	writeFile(t, filepath.Join(src, "f"), []byte("payload"), mtime)
	writeFile(t, filepath.Join(ref, "f"), []byte("payload"), mtime)

	opt := DefaultOpt
	opt.CopyDest = []string{ref}
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesCopied)

	data, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	sd, _ := os.Stat(filepath.Join(dst, "f"))
	sr, _ := os.Stat(filepath.Join(ref, "f"))
	assert.NotEqual(t, sr.Sys().(*syscall.Stat_t).Ino, sd.Sys().(*syscall.Stat_t).Ino)
}

func TestFuzzyBasis(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	data := patternData(400 << 10)
	writeFile(t, filepath.Join(src, "archive.tar"), data, time.Time{})
	// A renamed older version with the same stem sits in the dest dir.
	writeFile(t, filepath.Join(dst, "archive.old"), data[:300<<10], time.Time{})

	opt := DefaultOpt
	opt.Fuzzy = true
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Greater(t, sum.MatchedBytes, int64(0), "fuzzy basis should donate blocks")

	got, err := os.ReadFile(filepath.Join(dst, "archive.tar"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWholeFileSkipsDelta(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	data := patternData(100 << 10)
	writeFile(t, filepath.Join(src, "f"), data, time.Time{})
	writeFile(t, filepath.Join(dst, "f"), data[:50<<10], time.Now().Add(-time.Hour))

	opt := DefaultOpt
	opt.WholeFile = true
	opt.IgnoreTimes = true
	sum, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.MatchedBytes)
	assert.Equal(t, int64(len(data)), sum.LiteralBytes)
}

func TestInplace(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("fresh content"), time.Time{})
	writeFile(t, filepath.Join(dst, "f"), []byte("stale and much longer content"), time.Now().Add(-time.Hour))

	opt := DefaultOpt
	opt.Inplace = true
	opt.IgnoreTimes = true
	_, err := mustPlan(t, src+"/", dst).Execute(opt)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "fresh content", string(data))
}

func TestReportRecords(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("x"), time.Time{})

	rep, err := mustPlan(t, src+"/", dst).ExecuteWithReport(DefaultOpt)
	require.NoError(t, err)
	require.NotEmpty(t, rep.Records)

	var copied *Record
	for i := range rep.Records {
		if rep.Records[i].Action == ActionDataCopied {
			copied = &rep.Records[i]
		}
	}
	require.NotNil(t, copied)
	assert.Equal(t, "f", copied.RelativePath)
	assert.Equal(t, int64(1), copied.TotalBytes)
}

func TestFilterErrorRejectedBeforeIO(t *testing.T) {
	opt := DefaultOpt
	opt.Filters = []string{"-q bad-modifier"}
	_, err := mustPlan(t, t.TempDir(), t.TempDir()).Execute(opt)
	require.Error(t, err)
}
