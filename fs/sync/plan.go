package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Argument errors, raised before any I/O.
var (
	ErrNoSources     = errors.New("no source operands")
	ErrEmptyOperand  = errors.New("empty operand")
	ErrRemoteOperand = errors.New("remote operand in a local-only plan")
	ErrDeleteLimit   = errors.New("delete limit exceeded")
)

// DeleteLimitError reports how many deletions --max-delete suppressed.
type DeleteLimitError struct {
	Skipped int
}

func (e *DeleteLimitError) Error() string {
	return fmt.Sprintf("delete limit exceeded, %d deletions skipped", e.Skipped)
}

// Is makes the error match ErrDeleteLimit.
func (e *DeleteLimitError) Is(target error) bool {
	return target == ErrDeleteLimit
}

// SourceSpec is one source operand. A trailing slash means the
// directory's contents are copied rather than the directory itself.
type SourceSpec struct {
	Path         string
	CopyContents bool
}

// Plan is a validated local copy: sources into one destination.
type Plan struct {
	Sources     []SourceSpec
	Destination string
}

// looksRemote spots rsync remote operand syntax: host:path,
// host::module and rsync:// URLs.
func looksRemote(operand string) bool {
	if strings.HasPrefix(operand, "rsync://") {
		return true
	}
	// A colon before the first slash marks a remote operand; a colon
	// after it is just a strange filename.
	slash := strings.IndexByte(operand, '/')
	colon := strings.IndexByte(operand, ':')
	return colon >= 0 && (slash < 0 || colon < slash)
}

// NewPlan validates operands into a Plan.
func NewPlan(sources []string, destination string) (*Plan, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if destination == "" {
		return nil, fmt.Errorf("destination: %w", ErrEmptyOperand)
	}
	if looksRemote(destination) {
		return nil, fmt.Errorf("destination %q: %w", destination, ErrRemoteOperand)
	}
	p := &Plan{Destination: destination}
	for _, src := range sources {
		if src == "" {
			return nil, fmt.Errorf("source: %w", ErrEmptyOperand)
		}
		if looksRemote(src) {
			return nil, fmt.Errorf("source %q: %w", src, ErrRemoteOperand)
		}
		spec := SourceSpec{Path: src}
		if strings.HasSuffix(src, "/") && len(src) > 1 {
			spec.Path = strings.TrimRight(src, "/")
			spec.CopyContents = true
		}
		p.Sources = append(p.Sources, spec)
	}
	return p, nil
}

// Action classifies what the engine did with one entry.
type Action byte

// Per-entry actions.
const (
	ActionDataCopied Action = iota
	ActionMetadataReused
	ActionHardLink
	ActionSymlinkCopied
	ActionFifoCopied
	ActionDeviceCopied
	ActionDirectoryCreated
	ActionSkippedExisting
	ActionSkippedNewerDestination
	ActionSkippedNonRegular
	ActionSkippedUnsafeSymlink
	ActionSkippedMountPoint
	ActionEntryDeleted
	ActionSourceRemoved
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionDataCopied:
		return "data-copied"
	case ActionMetadataReused:
		return "metadata-reused"
	case ActionHardLink:
		return "hard-link"
	case ActionSymlinkCopied:
		return "symlink-copied"
	case ActionFifoCopied:
		return "fifo-copied"
	case ActionDeviceCopied:
		return "device-copied"
	case ActionDirectoryCreated:
		return "directory-created"
	case ActionSkippedExisting:
		return "skipped-existing"
	case ActionSkippedNewerDestination:
		return "skipped-newer-destination"
	case ActionSkippedNonRegular:
		return "skipped-non-regular"
	case ActionSkippedUnsafeSymlink:
		return "skipped-unsafe-symlink"
	case ActionSkippedMountPoint:
		return "skipped-mount-point"
	case ActionEntryDeleted:
		return "entry-deleted"
	case ActionSourceRemoved:
		return "source-removed"
	}
	return "unknown"
}

// Metadata is the snapshot recorded with a report entry.
type Metadata struct {
	Mode  uint32
	Mtime time.Time
	Size  int64
	UID   uint32
	GID   uint32
}

// Record is one report line: what happened to one relative path.
type Record struct {
	RelativePath string
	Action       Action
	Bytes        int64 // bytes moved for this entry
	TotalBytes   int64 // full size of the entry
	Elapsed      time.Duration
	Metadata     *Metadata
	Err          error
}

// Summary is the counter block every execution produces.
type Summary struct {
	FilesCopied         int
	RegularFilesMatched int
	DirectoriesCreated  int
	SymlinksCopied      int
	DevicesCopied       int
	FifosCopied         int
	HardLinksCreated    int
	ItemsDeleted        int
	SourceFilesRemoved  int
	EntriesSkipped      int
	BytesCopied         int64
	LiteralBytes        int64
	MatchedBytes        int64
	Errors              int
}

// Report is a summary plus the ordered per-entry records.
type Report struct {
	Summary Summary
	Records []Record
}
