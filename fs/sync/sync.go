package sync

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ocrsync/ocrsync/fs"
	"github.com/ocrsync/ocrsync/fs/filter"
	"github.com/ocrsync/ocrsync/fs/flist"
	"github.com/ocrsync/ocrsync/lib/random"
)

// pipeCapacity bounds how many walked entries are in flight between
// discovery and processing.
const pipeCapacity = 128

// workItem is one discovered entry moving through the pipeline.
type workItem struct {
	rel  string // path relative to the destination root; "" is the root
	src  string
	dst  string
	info os.FileInfo

	// deletions are the extraneous destination entries discovered
	// while this directory was scanned.
	deletions []deleteCandidate

	// decision, filled in by the ready step
	action     Action
	skip       bool
	hardlinkTo string
	basis      string
	copyFrom   string
	noRecurse  bool
}

// syncRun is the state of one plan execution.
type syncRun struct {
	plan   *Plan
	opt    Options
	prog   *filter.Program
	walker *filter.Walker
	seed   uint32

	summary Summary
	records []Record
	collect bool

	dirTimes []dirTime
	hlinks   map[flist.DevIno]string
	rootDev  uint64
	haveDev  bool

	items    []*workItem
	deferred []deleteCandidate

	ioErrors         int
	deleteSkipped    int
	deleteSuppressed bool
}

// Execute runs the plan and returns the summary.
func (p *Plan) Execute(opt Options) (Summary, error) {
	rep, err := p.execute(opt, false)
	return rep.Summary, err
}

// ExecuteWithReport runs the plan collecting per-entry records.
func (p *Plan) ExecuteWithReport(opt Options) (*Report, error) {
	return p.execute(opt, true)
}

func (p *Plan) execute(opt Options, collect bool) (*Report, error) {
	var rules []*filter.Rule
	for _, line := range opt.Filters {
		r, err := filter.ParseRule(line)
		if err != nil {
			return &Report{}, err
		}
		rules = append(rules, r)
	}
	for _, marker := range opt.ExcludeIfPresent {
		r, err := filter.NewRule(filter.ExcludeIfPresent, marker, filter.Modifiers{})
		if err != nil {
			return &Report{}, err
		}
		rules = append(rules, r)
	}
	prog, err := filter.NewProgram(rules)
	if err != nil {
		return &Report{}, err
	}
	seed, err := random.ChecksumSeed()
	if err != nil {
		return &Report{}, err
	}
	s := &syncRun{
		plan:    p,
		opt:     opt,
		prog:    prog,
		walker:  filter.NewWalker(prog, opt.DeleteExcluded),
		seed:    seed,
		collect: collect || opt.CollectEvents,
		hlinks:  make(map[flist.DevIno]string),
	}
	err = s.run()
	return &Report{Summary: s.summary, Records: s.records}, err
}

func (s *syncRun) run() error {
	if err := os.MkdirAll(s.plan.Destination, 0o755); err != nil {
		return fmt.Errorf("create destination root: %w", err)
	}
	for _, spec := range s.plan.Sources {
		if err := s.walkSource(spec); err != nil {
			return err
		}
	}

	if s.opt.Delete == fs.DeleteBefore {
		// All deletions were gathered during the walk; run them before
		// any transfer touches the tree.
		var all []deleteCandidate
		for _, it := range s.items {
			all = append(all, it.deletions...)
			it.deletions = nil
		}
		s.runDeletions(all)
	}

	s.drive()

	if s.opt.Delete == fs.DeleteAfter {
		s.runDeletions(s.deferred)
		s.deferred = nil
	}
	s.applyDirTimes()

	if s.deleteSkipped > 0 {
		return &DeleteLimitError{Skipped: s.deleteSkipped}
	}
	if s.summary.Errors > 0 {
		return fmt.Errorf("%d entries could not be transferred", s.summary.Errors)
	}
	return nil
}

// drive pumps the pipeline controller over the discovered items.
func (s *syncRun) drive() {
	pipe := NewPipe(pipeCapacity)
	next := 0
	for {
		switch pipe.NextPriority() {
		case FillPipeline:
			if next >= len(s.items) {
				pipe.MarkWireExhausted()
				continue
			}
			pipe.EnqueueEntry(int32(next))
			next++
		case ReadMoreEntries:
			id, ok := pipe.MarkReady()
			if !ok {
				continue
			}
			s.decide(s.items[id])
		case ProcessReadyEntries:
			id, ok := pipe.TakeReady()
			if !ok {
				continue
			}
			s.process(s.items[id])
			pipe.PushResponse(id)
		case ProcessOneResponse:
			pipe.TakeResponse()
		default:
			if next >= len(s.items) {
				pipe.MarkWireExhausted()
			}
			if pipe.IsComplete() || pipe.Failed() {
				return
			}
		}
	}
}

// walkSource discovers one source operand into work items.
func (s *syncRun) walkSource(spec SourceSpec) error {
	info, err := s.statEntry(spec.Path)
	if err != nil {
		return fmt.Errorf("source %q: %w", spec.Path, err)
	}
	if di, _, ok := statDevIno(info); ok {
		s.rootDev = di.Dev
		s.haveDev = true
	}
	if !info.IsDir() {
		s.emit(&workItem{
			rel:  filepath.Base(spec.Path),
			src:  spec.Path,
			dst:  filepath.Join(s.plan.Destination, filepath.Base(spec.Path)),
			info: info,
		})
		return nil
	}
	rel := ""
	if !spec.CopyContents {
		rel = filepath.Base(spec.Path)
	}
	root := &workItem{
		rel:  rel,
		src:  spec.Path,
		dst:  filepath.Join(s.plan.Destination, rel),
		info: info,
	}
	s.emit(root)
	if !s.opt.Recursive {
		return nil
	}
	return s.walkDir(spec.Path, rel, root)
}

// statEntry stats honouring --copy-links at the top level.
func (s *syncRun) statEntry(path string) (os.FileInfo, error) {
	if s.opt.CopyLinks {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

// walkDir scans one source directory: filter its children, note the
// extraneous destination entries, emit items, recurse.
func (s *syncRun) walkDir(dir, rel string, dirItem *workItem) error {
	if err := s.walker.EnterDir(dir); err != nil {
		return err
	}
	defer s.walker.LeaveDir()

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.recordError(rel, ActionDirectoryCreated, err)
		return nil
	}

	keep := make(map[string]bool, len(entries))
	type child struct {
		item *workItem
		ent  os.DirEntry
	}
	var children []child
	for _, ent := range entries {
		childRel := ent.Name()
		if rel != "" {
			childRel = rel + "/" + ent.Name()
		}
		info, err := s.entryInfo(dir, ent)
		if err != nil {
			s.recordError(childRel, ActionDataCopied, err)
			continue
		}
		if !s.walker.Include(childRel, info.IsDir()) {
			fs.Debugf(nil, "excluding %s", childRel)
			continue
		}
		keep[ent.Name()] = true
		children = append(children, child{
			item: &workItem{
				rel:  childRel,
				src:  filepath.Join(dir, ent.Name()),
				dst:  filepath.Join(s.plan.Destination, childRel),
				info: info,
			},
			ent: ent,
		})
	}

	if s.opt.Delete != fs.DeleteOff {
		dstDir := filepath.Join(s.plan.Destination, rel)
		cands := s.findExtraneous(dstDir, rel, keep)
		switch s.opt.Delete {
		case fs.DeleteAfter:
			s.deferred = append(s.deferred, cands...)
		default:
			// Before-mode deletions are collected on the items and
			// hoisted out before the transfer loop starts.
			dirItem.deletions = append(dirItem.deletions, cands...)
		}
	}

	for _, c := range children {
		if c.item.info.IsDir() && s.walker.SkipDir(c.item.src) {
			fs.Debugf(nil, "skipping %s: exclude-if-present marker", c.item.rel)
			continue
		}
		s.emit(c.item)
		if c.item.info.IsDir() {
			if s.crossesFilesystem(c.item.info) {
				c.item.noRecurse = true
				if s.opt.OneFileSystem >= 2 {
					c.item.skip = true
					c.item.action = ActionSkippedMountPoint
				}
				continue
			}
			if err := s.walkDir(c.item.src, c.item.rel, c.item); err != nil {
				return err
			}
		}
	}
	return nil
}

// entryInfo stats one directory child, following symlinks only with
// --copy-links.
func (s *syncRun) entryInfo(dir string, ent os.DirEntry) (os.FileInfo, error) {
	if s.opt.CopyLinks && ent.Type()&os.ModeSymlink != 0 {
		return os.Stat(filepath.Join(dir, ent.Name()))
	}
	return ent.Info()
}

// crossesFilesystem reports whether a directory lies on a different
// device than the source root.
func (s *syncRun) crossesFilesystem(info os.FileInfo) bool {
	if s.opt.OneFileSystem == 0 || !s.haveDev {
		return false
	}
	di, _, ok := statDevIno(info)
	return ok && di.Dev != s.rootDev
}

func (s *syncRun) emit(it *workItem) {
	s.items = append(s.items, it)
}

// decide classifies an item: the per-entry decision rules, evaluated
// in order, first applicable wins.
func (s *syncRun) decide(it *workItem) {
	if it.skip {
		return
	}
	info := it.info
	mode := info.Mode()

	if mode.IsDir() {
		it.action = ActionDirectoryCreated
		return
	}

	dstInfo, dstErr := os.Lstat(it.dst)
	dstExists := dstErr == nil

	if s.opt.IgnoreExisting && dstExists {
		it.action = ActionSkippedExisting
		it.skip = true
		return
	}
	if s.opt.Existing && !dstExists {
		it.action = ActionSkippedExisting
		it.skip = true
		return
	}
	if s.opt.Update && dstExists && dstInfo.ModTime().After(info.ModTime()) {
		it.action = ActionSkippedNewerDestination
		it.skip = true
		return
	}

	switch {
	case mode&os.ModeSymlink != 0:
		if !s.opt.Links {
			it.action = ActionSkippedNonRegular
			it.skip = true
			return
		}
		target, err := os.Readlink(it.src)
		if err != nil {
			it.action = ActionSymlinkCopied
			it.skip = true
			s.recordError(it.rel, ActionSymlinkCopied, err)
			return
		}
		if s.opt.SafeLinks && unsafeLink(target, it.rel) {
			it.action = ActionSkippedUnsafeSymlink
			it.skip = true
			return
		}
		it.action = ActionSymlinkCopied
		return
	case mode&os.ModeNamedPipe != 0, mode&os.ModeSocket != 0:
		if !s.opt.Specials {
			it.action = ActionSkippedNonRegular
			it.skip = true
			return
		}
		it.action = ActionFifoCopied
		return
	case mode&os.ModeDevice != 0:
		if !s.opt.Devices {
			it.action = ActionSkippedNonRegular
			it.skip = true
			return
		}
		it.action = ActionDeviceCopied
		return
	case !mode.IsRegular():
		it.action = ActionSkippedNonRegular
		it.skip = true
		return
	}

	if s.opt.MinSize >= 0 && info.Size() < s.opt.MinSize {
		it.skip = true
		it.action = ActionSkippedExisting
		fs.Debugf(nil, "%s is under the size floor (%s)", it.rel, humanize.IBytes(uint64(s.opt.MinSize)))
		return
	}
	if s.opt.MaxSize >= 0 && info.Size() > s.opt.MaxSize {
		it.skip = true
		it.action = ActionSkippedExisting
		fs.Debugf(nil, "%s is over the size ceiling (%s)", it.rel, humanize.IBytes(uint64(s.opt.MaxSize)))
		return
	}

	// Unchanged file detection.
	if dstExists && !s.opt.IgnoreTimes && dstInfo.Mode().IsRegular() {
		if s.sameFile(it.src, info, it.dst, dstInfo) {
			it.action = ActionMetadataReused
			return
		}
	}

	// Hard link group members link to the first materialised copy.
	if s.opt.HardLinks {
		if di, nlink, ok := statDevIno(info); ok && nlink > 1 {
			if first, seen := s.hlinks[di]; seen {
				it.action = ActionHardLink
				it.hardlinkTo = first
				return
			}
			s.hlinks[di] = it.dst
		}
	}

	// Reference directories can satisfy the transfer without copying
	// over the wire, or at least donate a basis.
	if !dstExists {
		if m := s.probeReferenceDirs(it.rel, it.src, info); m != nil {
			switch m.kind {
			case refCompare:
				it.action = ActionMetadataReused
				return
			case refLink:
				it.action = ActionHardLink
				it.hardlinkTo = m.path
				return
			case refCopy:
				it.action = ActionDataCopied
				it.copyFrom = m.path
				return
			case refBasis:
				it.basis = m.path
			}
		}
		if it.basis == "" && s.opt.Fuzzy {
			it.basis = s.fuzzyBasis(it.dst)
		}
	} else if dstInfo.Mode().IsRegular() {
		it.basis = it.dst
	}
	it.action = ActionDataCopied
}

// unsafeLink reports whether a symlink target escapes the transfer
// tree: absolute, or enough dot-dots to climb out of it.
func unsafeLink(target, rel string) bool {
	if filepath.IsAbs(target) {
		return true
	}
	depth := 0
	if dir := path.Dir(filepath.ToSlash(rel)); dir != "." && dir != "/" {
		depth = len(strings.Split(dir, "/"))
	}
	for _, part := range strings.Split(filepath.ToSlash(target), "/") {
		switch part {
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		case ".", "":
		default:
			depth++
		}
	}
	return false
}

// process performs one decided item.
func (s *syncRun) process(it *workItem) {
	start := time.Now()
	if it.skip {
		s.summary.EntriesSkipped++
		s.record(Record{RelativePath: it.rel, Action: it.action, Elapsed: time.Since(start)})
		// During-mode deletions attached to skipped directories still
		// run: their children were filtered, not lost.
		if s.opt.Delete == fs.DeleteDuring && len(it.deletions) > 0 {
			s.runDeletions(it.deletions)
		}
		return
	}
	var err error
	var moved int64
	switch it.action {
	case ActionDirectoryCreated:
		err = s.processDir(it)
	case ActionSymlinkCopied:
		err = s.processSymlink(it)
	case ActionFifoCopied, ActionDeviceCopied:
		err = s.processSpecial(it)
	case ActionMetadataReused:
		// A compare-dest hit reuses a file outside the destination, so
		// there may be nothing local to touch up.
		if _, statErr := os.Lstat(it.dst); statErr == nil {
			err = s.applyMetadata(it.dst, it.src, it.info)
		}
	case ActionHardLink:
		err = s.processHardlink(it)
	case ActionDataCopied:
		moved, err = s.processFile(it)
	}
	if err != nil {
		s.recordError(it.rel, it.action, err)
		return
	}
	s.applySummary(it.action, it.info.Size())
	rec := Record{
		RelativePath: it.rel,
		Action:       it.action,
		Bytes:        moved,
		TotalBytes:   it.info.Size(),
		Elapsed:      time.Since(start),
	}
	if s.collect {
		if uid, gid, ok := statOwner(it.info); ok {
			rec.Metadata = &Metadata{
				Mode:  flist.ModeFromFileMode(it.info.Mode()),
				Mtime: it.info.ModTime(),
				Size:  it.info.Size(),
				UID:   uid,
				GID:   gid,
			}
		}
	}
	s.record(rec)

	if s.opt.Delete == fs.DeleteDuring && len(it.deletions) > 0 {
		s.runDeletions(it.deletions)
	}
	if s.opt.RemoveSourceFiles && it.action == ActionDataCopied {
		if err := os.Remove(it.src); err != nil {
			s.recordError(it.rel, ActionSourceRemoved, err)
		} else {
			s.summary.SourceFilesRemoved++
			s.record(Record{RelativePath: it.rel, Action: ActionSourceRemoved})
		}
	}
}

func (s *syncRun) processDir(it *workItem) error {
	if it.dst != s.plan.Destination {
		if err := os.MkdirAll(it.dst, 0o755); err != nil {
			return err
		}
	}
	if s.opt.Times && !s.opt.OmitDirTimes {
		s.dirTimes = append(s.dirTimes, dirTime{path: it.dst, mtime: it.info.ModTime()})
	}
	if s.opt.Perms {
		if err := os.Chmod(it.dst, it.info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func (s *syncRun) processSymlink(it *workItem) error {
	target, err := os.Readlink(it.src)
	if err != nil {
		return err
	}
	if err := os.Remove(it.dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(target, it.dst); err != nil {
		return err
	}
	return s.applyMetadata(it.dst, it.src, it.info)
}

func (s *syncRun) processSpecial(it *workItem) error {
	mode := flist.ModeFromFileMode(it.info.Mode())
	if err := os.Remove(it.dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	var err error
	if it.info.Mode()&os.ModeNamedPipe != 0 {
		err = mkfifo(it.dst, mode&0o7777)
	} else if it.info.Mode()&os.ModeDevice != 0 {
		major, minor := statRdev(it.info)
		err = mknodDevice(it.dst, mode, major, minor)
	} else {
		// Sockets are skipped: a socket with no listener is nothing.
		fs.Debugf(nil, "not recreating socket %s", it.rel)
		return nil
	}
	if err != nil {
		return err
	}
	return s.applyMetadata(it.dst, it.src, it.info)
}

func (s *syncRun) processHardlink(it *workItem) error {
	if err := os.Remove(it.dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(it.hardlinkTo, it.dst); err != nil {
		// A cross-filesystem destination cannot hold the link; fall
		// back to copying content with a warning record.
		if isCrossDevice(err) {
			fs.Logf(nil, "cannot hard link %s across filesystems, copying", it.rel)
			it.action = ActionDataCopied
			_, cerr := s.processFile(it)
			return cerr
		}
		return err
	}
	return nil
}

// processFile is the delta copy of one regular file.
func (s *syncRun) processFile(it *workItem) (int64, error) {
	src := it.src
	if it.copyFrom != "" {
		src = it.copyFrom
	}
	if s.opt.Backup {
		if _, err := os.Lstat(it.dst); err == nil {
			if err := os.Rename(it.dst, s.backupPath(it.dst, it.rel)); err != nil {
				return 0, err
			}
			if it.basis == it.dst {
				it.basis = s.backupPath(it.dst, it.rel)
			}
		}
	}
	stats, err := s.copyFile(src, it.dst, it.basis, it.info.Size())
	if err != nil {
		return 0, err
	}
	s.summary.LiteralBytes += stats.LiteralBytes
	s.summary.MatchedBytes += stats.MatchedBytes
	s.summary.BytesCopied += stats.LiteralBytes
	if err := s.applyMetadata(it.dst, it.src, it.info); err != nil {
		return stats.LiteralBytes, err
	}
	fs.Infof(nil, "%s: copied %s (%s matched)", it.rel,
		humanize.IBytes(uint64(stats.LiteralBytes)), humanize.IBytes(uint64(stats.MatchedBytes)))
	return stats.LiteralBytes, nil
}

func (s *syncRun) applySummary(a Action, size int64) {
	switch a {
	case ActionDataCopied:
		s.summary.FilesCopied++
	case ActionMetadataReused:
		s.summary.RegularFilesMatched++
	case ActionDirectoryCreated:
		s.summary.DirectoriesCreated++
	case ActionSymlinkCopied:
		s.summary.SymlinksCopied++
	case ActionDeviceCopied:
		s.summary.DevicesCopied++
	case ActionFifoCopied:
		s.summary.FifosCopied++
	case ActionHardLink:
		s.summary.HardLinksCreated++
	}
}

func (s *syncRun) record(rec Record) {
	if s.collect {
		s.records = append(s.records, rec)
	}
}

func (s *syncRun) recordError(rel string, action Action, err error) {
	s.summary.Errors++
	s.ioErrors++
	fs.Errorf(nil, "%s: %v", rel, err)
	if s.collect {
		s.records = append(s.records, Record{RelativePath: rel, Action: action, Err: err})
	}
}
