// Package cmd implements the command line surface: a cobra command
// tree whose flags bind straight onto the engine option structs.
package cmd

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocrsync/ocrsync/fs"
	"github.com/ocrsync/ocrsync/fs/hash"
	"github.com/ocrsync/ocrsync/fs/sync"
	"github.com/ocrsync/ocrsync/rsyncd"
	"github.com/prometheus/client_golang/prometheus"
)

// Root is the top level command.
var Root = &cobra.Command{
	Use:           "ocrsync",
	Short:         "rsync-compatible file synchronisation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var verbose int

func init() {
	Root.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase verbosity")
	Root.AddCommand(newCopyCommand(), newDaemonCommand(), newVersionCommand())
}

func setupLogging() {
	switch {
	case verbose >= 2:
		fs.SetLogLevel(fs.LogLevelDebug)
	case verbose == 1:
		fs.SetLogLevel(fs.LogLevelInfo)
	default:
		fs.SetLogLevel(fs.LogLevelWarning)
	}
}

func newCopyCommand() *cobra.Command {
	opt := sync.DefaultOpt
	var deleteMode string
	var checksumChoice string

	cmd := &cobra.Command{
		Use:   "copy SOURCE... DEST",
		Short: "Copy sources to a local destination",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			switch deleteMode {
			case "":
				opt.Delete = fs.DeleteOff
			case "before":
				opt.Delete = fs.DeleteBefore
			case "during":
				opt.Delete = fs.DeleteDuring
			case "after", "delay":
				opt.Delete = fs.DeleteAfter
			default:
				return errors.New("unknown delete mode " + deleteMode)
			}
			if checksumChoice != "" {
				if err := opt.ChecksumType.Set(checksumChoice); err != nil {
					return err
				}
			}
			plan, err := sync.NewPlan(args[:len(args)-1], args[len(args)-1])
			if err != nil {
				return err
			}
			summary, err := plan.Execute(opt)
			if err != nil {
				return err
			}
			fs.Infof(nil, "copied %d files (%d matched), deleted %d",
				summary.FilesCopied, summary.RegularFilesMatched, summary.ItemsDeleted)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opt.Recursive, "recursive", "r", opt.Recursive, "recurse into directories")
	flags.BoolVarP(&opt.Links, "links", "l", false, "copy symlinks as symlinks")
	flags.BoolVarP(&opt.CopyLinks, "copy-links", "L", false, "transform symlinks into their targets")
	flags.BoolVar(&opt.SafeLinks, "safe-links", false, "ignore symlinks that point outside the tree")
	flags.BoolVarP(&opt.Perms, "perms", "p", false, "preserve permissions")
	flags.BoolVarP(&opt.Times, "times", "t", false, "preserve modification times")
	flags.BoolVarP(&opt.Owner, "owner", "o", false, "preserve owner")
	flags.BoolVarP(&opt.Group, "group", "g", false, "preserve group")
	flags.BoolVar(&opt.Devices, "devices", false, "preserve device files")
	flags.BoolVar(&opt.Specials, "specials", false, "preserve special files")
	flags.BoolVarP(&opt.HardLinks, "hard-links", "H", false, "preserve hard links")
	flags.BoolVarP(&opt.Xattrs, "xattrs", "X", false, "preserve extended attributes")
	flags.BoolVarP(&opt.Checksum, "checksum", "c", false, "compare by checksum, not size and time")
	flags.StringVar(&checksumChoice, "checksum-choice", "", "strong checksum algorithm")
	flags.BoolVar(&opt.SizeOnly, "size-only", false, "compare by size only")
	flags.BoolVarP(&opt.IgnoreTimes, "ignore-times", "I", false, "transfer unchanged files too")
	flags.DurationVar(&opt.ModifyWindow, "modify-window", 0, "mtime comparison tolerance")
	flags.BoolVar(&opt.IgnoreExisting, "ignore-existing", false, "skip files that exist on the destination")
	flags.BoolVar(&opt.Existing, "existing", false, "skip creating new files")
	flags.BoolVarP(&opt.Update, "update", "u", false, "skip files newer on the destination")
	flags.BoolVarP(&opt.WholeFile, "whole-file", "W", false, "disable the delta algorithm")
	flags.Int32VarP(&opt.BlockSize, "block-size", "B", 0, "force the delta block size")
	flags.BoolVarP(&opt.Compress, "compress", "z", false, "compress literal data")
	flags.IntVar(&opt.CompressLevel, "compress-level", 0, "compression level")
	flags.BoolVarP(&opt.Fuzzy, "fuzzy", "y", false, "find similar basis files when none exists")
	flags.BoolVar(&opt.Inplace, "inplace", false, "update destination files in place")
	flags.BoolVar(&opt.Partial, "partial", false, "keep partially transferred files")
	flags.StringVar(&opt.PartialDir, "partial-dir", "", "where to keep partial files")
	flags.StringVarP(&opt.TempDir, "temp-dir", "T", "", "where to stage files")
	flags.BoolVar(&opt.Preallocate, "preallocate", false, "preallocate destination files")
	flags.BoolVarP(&opt.Sparse, "sparse", "S", false, "turn runs of zeroes into holes")
	flags.StringVar(&deleteMode, "delete", "", "delete extraneous files: before, during or after")
	flags.BoolVar(&opt.DeleteExcluded, "delete-excluded", false, "also delete excluded destination files")
	flags.IntVar(&opt.MaxDelete, "max-delete", -1, "refuse to delete more than this many files")
	flags.BoolVar(&opt.IgnoreErrors, "ignore-errors", false, "delete even when there are I/O errors")
	flags.BoolVarP(&opt.Backup, "backup", "b", false, "back up replaced and deleted files")
	flags.StringVar(&opt.BackupDir, "backup-dir", "", "backup into this directory")
	flags.StringVar(&opt.BackupSuffix, "suffix", "~", "backup filename suffix")
	flags.BoolVar(&opt.RemoveSourceFiles, "remove-source-files", false, "remove synchronised source files")
	flags.CountVarP(&opt.OneFileSystem, "one-file-system", "x", "do not cross filesystem boundaries (repeat for strict)")
	flags.Int64Var(&opt.MinSize, "min-size", -1, "do not transfer files smaller than this")
	flags.Int64Var(&opt.MaxSize, "max-size", -1, "do not transfer files larger than this")
	flags.StringArrayVar(&opt.Filters, "filter", nil, "add a filter rule")
	flags.StringArrayVar(&opt.ExcludeIfPresent, "exclude-if-present", nil, "skip directories containing this file")
	flags.StringArrayVar(&opt.CompareDest, "compare-dest", nil, "also compare destination files relative to this directory")
	flags.StringArrayVar(&opt.CopyDest, "copy-dest", nil, "like compare-dest, but local copies are made")
	flags.StringArrayVar(&opt.LinkDest, "link-dest", nil, "hardlink to files in this directory when unchanged")
	return cmd
}

func newDaemonCommand() *cobra.Command {
	var addr string
	var modules []string
	var metricsOn bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Serve modules to rsync clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			opt := rsyncd.Options{}
			for _, spec := range modules {
				name, path, ok := cutModule(spec)
				if !ok {
					return errors.New("module must be name=path: " + spec)
				}
				opt.Modules = append(opt.Modules, rsyncd.Module{Name: name, Path: path})
			}
			if metricsOn {
				opt.Metrics = rsyncd.NewMetrics(prometheus.DefaultRegisterer)
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			fs.Infof(nil, "daemon listening on %s", ln.Addr())
			return rsyncd.NewServer(opt).Serve(context.Background(), ln)
		},
	}
	cmd.Flags().StringVar(&addr, "address", ":873", "listen address")
	cmd.Flags().StringArrayVar(&modules, "module", nil, "module as name=path")
	cmd.Flags().BoolVar(&metricsOn, "metrics", false, "register prometheus metrics")
	return cmd
}

func cutModule(spec string) (name, path string, ok bool) {
	for i := range spec {
		if spec[i] == '=' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("ocrsync %s (protocols 28-32, %s checksums)\n", fs.Version, hash.MD5)
		},
	}
}

// Main runs the root command and exits with the appropriate status.
func Main() {
	if err := Root.Execute(); err != nil {
		fs.Errorf(nil, "%v", err)
		code := fs.ExitCodeUsage
		if errors.Is(err, sync.ErrDeleteLimit) {
			code = fs.ExitCodeMaxDeleteExceeded
		} else if errors.Is(err, sync.ErrRemoteOperand) || errors.Is(err, sync.ErrEmptyOperand) {
			code = fs.ExitCodePartialTransfer
		}
		os.Exit(code)
	}
}
