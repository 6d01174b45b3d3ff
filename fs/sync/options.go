package sync

import (
	"time"

	"github.com/ocrsync/ocrsync/fs"
	"github.com/ocrsync/ocrsync/fs/hash"
)

// Options is the full option surface of the local copy engine.
type Options struct {
	// Traversal
	Recursive     bool
	Dirs          bool // transfer directories encountered without recursing
	OneFileSystem int  // 0 off, 1 skip mount contents, 2 also skip the mount point

	// Symlinks
	Links     bool // recreate symlinks
	CopyLinks bool // follow symlinks and copy the target
	SafeLinks bool // ignore symlinks pointing outside the tree

	// Metadata
	Perms        bool
	Times        bool
	OmitDirTimes bool
	Owner        bool
	Group        bool
	NumericIDs   bool
	ACLs         bool
	Xattrs       bool

	// Special files
	Devices  bool
	Specials bool

	// Hard links
	HardLinks bool

	// Change detection
	Checksum     bool
	ChecksumType hash.Type
	SizeOnly     bool
	IgnoreTimes  bool
	ModifyWindow time.Duration

	// Skips
	IgnoreExisting bool // never update existing destination files
	Existing       bool // never create new destination files
	Update         bool // skip files newer on the destination
	MinSize        int64
	MaxSize        int64

	// Transfer
	WholeFile     bool
	BlockSize     int32
	Compress      bool
	CompressLevel int
	Fuzzy         bool
	Inplace       bool
	Partial       bool
	PartialDir    string
	TempDir       string
	Preallocate   bool
	Sparse        bool

	// Deletion
	Delete         fs.DeleteMode
	DeleteExcluded bool
	MaxDelete      int // <0 means no limit
	IgnoreErrors   bool

	// Backups
	Backup       bool
	BackupDir    string
	BackupSuffix string

	// Source side
	RemoveSourceFiles bool

	// Reference directories, probed in order.
	CompareDest []string
	CopyDest    []string
	LinkDest    []string

	// Filters are rsync filter rule lines compiled at plan time.
	Filters []string
	// ExcludeIfPresent names marker files whose presence prunes a
	// whole directory.
	ExcludeIfPresent []string

	// CollectEvents records a per-entry report alongside the summary.
	CollectEvents bool
}

// DefaultOpt is the defaults the command layer starts from.
var DefaultOpt = Options{
	Recursive:    true,
	ChecksumType: hash.MD5,
	MaxDelete:    -1,
	MinSize:      -1,
	MaxSize:      -1,
	BackupSuffix: "~",
}
