package sync

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/ocrsync/ocrsync/fs"
	"github.com/ocrsync/ocrsync/fs/filter"
)

// deleteCandidate is one extraneous destination entry, discovered and
// filter-checked while the source directory was being walked so the
// dir-merge rules in effect at that moment decide its fate.
type deleteCandidate struct {
	path  string // absolute destination path
	rel   string // path relative to the destination root
	isDir bool
}

// findExtraneous lists destination entries of dstDir that the source
// directory does not carry and that the filter program allows deleting.
// keep holds the names the source will materialise.
func (s *syncRun) findExtraneous(dstDir, relDir string, keep map[string]bool) []deleteCandidate {
	entries, err := os.ReadDir(dstDir)
	if err != nil {
		return nil
	}
	var out []deleteCandidate
	for _, ent := range entries {
		name := ent.Name()
		if keep[name] {
			continue
		}
		rel := name
		if relDir != "" {
			rel = relDir + "/" + name
		}
		res := s.walker.Match(rel, ent.IsDir(), filter.DeletionContext)
		// With --delete-excluded only an explicit protect rule shields
		// an entry; a plain exclude no longer does.
		allowed := res.AllowsDeletion() || (s.opt.DeleteExcluded && !res.Protected)
		if !allowed {
			fs.Debugf(nil, "not deleting protected %q", rel)
			continue
		}
		out = append(out, deleteCandidate{
			path:  filepath.Join(dstDir, name),
			rel:   rel,
			isDir: ent.IsDir(),
		})
	}
	// Depth first removal wants children before parents; sorting the
	// level is enough because removal recurses per candidate.
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out
}

// runDeletions removes candidates, honouring the delete limit and the
// suppression rule: if transfer-side I/O errors occurred, nothing is
// deleted unless --ignore-errors.
func (s *syncRun) runDeletions(candidates []deleteCandidate) {
	if len(candidates) == 0 {
		return
	}
	if s.ioErrors > 0 && !s.opt.IgnoreErrors {
		fs.Logf(nil, "IO error encountered -- skipping file deletion")
		s.deleteSuppressed = true
		return
	}
	for _, cand := range candidates {
		if s.opt.MaxDelete >= 0 && s.summary.ItemsDeleted >= s.opt.MaxDelete {
			s.deleteSkipped++
			continue
		}
		var err error
		if cand.isDir {
			err = os.RemoveAll(cand.path)
		} else {
			err = s.removeWithBackup(cand.path, cand.rel)
		}
		if err != nil {
			s.recordError(cand.rel, ActionEntryDeleted, err)
			continue
		}
		s.summary.ItemsDeleted++
		s.record(Record{RelativePath: cand.rel, Action: ActionEntryDeleted})
		fs.Infof(nil, "deleting %s", cand.rel)
	}
}

// removeWithBackup honours --backup for deletions: the entry is moved
// aside instead of unlinked.
func (s *syncRun) removeWithBackup(path, rel string) error {
	if !s.opt.Backup {
		return os.Remove(path)
	}
	return os.Rename(path, s.backupPath(path, rel))
}

// backupPath derives where a replaced or deleted entry is parked.
func (s *syncRun) backupPath(path, rel string) string {
	suffix := s.opt.BackupSuffix
	if s.opt.BackupDir != "" {
		target := filepath.Join(s.opt.BackupDir, rel)
		_ = os.MkdirAll(filepath.Dir(target), 0o755)
		if suffix != "~" {
			target += suffix
		}
		return target
	}
	return path + suffix
}
