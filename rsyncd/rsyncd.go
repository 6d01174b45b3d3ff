// Package rsyncd implements the daemon side of a session: the legacy
// line oriented greeting, module selection, remote option parsing and
// the per-session sender loop feeding the wire from a module tree.
package rsyncd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ocrsync/ocrsync/fs"
	"github.com/ocrsync/ocrsync/fs/delta"
	"github.com/ocrsync/ocrsync/fs/flist"
	"github.com/ocrsync/ocrsync/fs/hash"
	"github.com/ocrsync/ocrsync/fs/proto"
	"github.com/ocrsync/ocrsync/lib/random"
)

// Module is one exported subtree.
type Module struct {
	Name     string
	Path     string
	Comment  string
	ReadOnly bool
	// Filters are rule lines applied to every session of the module.
	Filters []string
}

// Options configures a Server.
type Options struct {
	Modules []Module
	// Metrics receives session counters; nil disables them.
	Metrics *Metrics
}

// Server serves daemon sessions.
type Server struct {
	opt     Options
	modules map[string]Module
}

// NewServer returns a Server for the given options.
func NewServer(opt Options) *Server {
	s := &Server{opt: opt, modules: make(map[string]Module)}
	for _, m := range opt.Modules {
		s.modules[m.Name] = m
	}
	return s
}

var errNoSuchModule = errors.New("unknown module")

func (s *Server) getModule(name string) (Module, error) {
	m, ok := s.modules[name]
	if !ok {
		return Module{}, fmt.Errorf("%q: %w", name, errNoSuchModule)
	}
	return m, nil
}

// Serve accepts connections until the listener closes or the context
// is cancelled. Each session runs in its own goroutine with its own
// engine state.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			defer func() { _ = conn.Close() }()
			s.opt.Metrics.sessionStarted()
			defer s.opt.Metrics.sessionEnded()
			if err := s.HandleConn(conn); err != nil && !errors.Is(err, io.EOF) {
				fs.Errorf(nil, "[%s] session: %v", conn.RemoteAddr(), err)
			}
			return nil
		})
	}
}

// sessionOptions is what a client may request through the option words
// it sends after module selection.
type sessionOptions struct {
	Server    bool
	Sender    bool
	Recurse   bool
	Links     bool
	Perms     bool
	Times     bool
	Group     bool
	Owner     bool
	Devices   bool
	Specials  bool
	HardLinks bool
	Compress  bool
	Verbose   int
}

// parseSessionFlags parses the option words a client sent. The flag
// set mirrors the upstream spellings, short bundles included.
func parseSessionFlags(words []string) (*sessionOptions, error) {
	opts := &sessionOptions{}
	flags := pflag.NewFlagSet("session", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.BoolVar(&opts.Server, "server", false, "")
	flags.BoolVar(&opts.Sender, "sender", false, "")
	flags.BoolVarP(&opts.Recurse, "recursive", "r", false, "")
	flags.BoolVarP(&opts.Links, "links", "l", false, "")
	flags.BoolVarP(&opts.Perms, "perms", "p", false, "")
	flags.BoolVarP(&opts.Times, "times", "t", false, "")
	flags.BoolVarP(&opts.Group, "group", "g", false, "")
	flags.BoolVarP(&opts.Owner, "owner", "o", false, "")
	flags.BoolVarP(&opts.Compress, "compress", "z", false, "")
	flags.BoolVarP(&opts.HardLinks, "hard-links", "H", false, "")
	devices := flags.BoolP("devices", "D", false, "")
	flags.CountVarP(&opts.Verbose, "verbose", "v", "")
	if err := flags.Parse(words); err != nil {
		return nil, fmt.Errorf("client options: %w", err)
	}
	if *devices {
		opts.Devices = true
		opts.Specials = true
	}
	return opts, nil
}

// HandleConn speaks one daemon session on conn.
func (s *Server) HandleConn(conn io.ReadWriter) error {
	// Greeting exchange. The server speaks first.
	if _, err := io.WriteString(conn, proto.FormatLegacyGreeting(proto.NewestVersion, 0)); err != nil {
		return err
	}
	line, err := proto.ReadLine(conn)
	if err != nil {
		return err
	}
	major, _, err := proto.ParseLegacyGreeting(line)
	if err != nil {
		return err
	}
	version, _, err := proto.Clamp(major)
	if err != nil {
		_, _ = io.WriteString(conn, "@ERROR: protocol version not supported\n")
		return err
	}

	// Module selection; an empty line or #list asks for the listing.
	module, err := proto.ReadLine(conn)
	if err != nil {
		return err
	}
	module = strings.TrimSpace(module)
	if module == "" || module == "#list" {
		for _, m := range s.opt.Modules {
			if _, err := fmt.Fprintf(conn, "%-15s %s\n", m.Name, m.Comment); err != nil {
				return err
			}
		}
		_, err := io.WriteString(conn, "@RSYNCD: EXIT\n")
		return err
	}
	mod, err := s.getModule(module)
	if err != nil {
		_, _ = fmt.Fprintf(conn, "@ERROR: unknown module %q\n", module)
		return err
	}
	if _, err := io.WriteString(conn, "@RSYNCD: OK\n"); err != nil {
		return err
	}

	// Option words, one per line, blank terminated.
	var words []string
	for {
		w, err := proto.ReadLine(conn)
		if err != nil {
			return err
		}
		w = strings.TrimSpace(w)
		if w == "" {
			break
		}
		words = append(words, w)
	}
	opts, err := parseSessionFlags(words)
	if err != nil {
		_, _ = fmt.Fprintf(conn, "@ERROR: %v\n", err)
		return err
	}
	if !opts.Sender {
		_, _ = io.WriteString(conn, "@ERROR: only sender mode is supported\n")
		return fmt.Errorf("client requested receiver mode")
	}

	return s.runSenderSession(conn, version, mod, opts)
}

// runSenderSession drives the post-negotiation phases: seed, file
// list, transfer loop, statistics.
func (s *Server) runSenderSession(conn io.ReadWriter, version proto.Version, mod Module, opts *sessionOptions) error {
	session := proto.NewSession()
	session.SetProtocolVersion(version)
	seed, err := random.ChecksumSeed()
	if err != nil {
		return err
	}
	session.SetChecksumSeed(seed)
	if err := proto.WriteInt(conn, int32(seed)); err != nil {
		return err
	}

	// Server to client traffic is multiplexed from here on; the client
	// direction stays raw.
	mux := proto.NewMuxWriter(conn)

	fl, err := session.BeginFileList()
	if err != nil {
		return err
	}
	entries, err := s.buildFileList(mod, opts)
	if err != nil {
		_ = mux.WriteMsg(proto.MsgError, []byte(err.Error()))
		return err
	}
	encOpts := flist.Options{
		Version:           version,
		PreserveUIDs:      opts.Owner,
		PreserveGIDs:      opts.Group,
		PreserveLinks:     opts.Links,
		PreserveDevices:   opts.Devices,
		PreserveSpecials:  opts.Specials,
		PreserveHardlinks: opts.HardLinks,
	}
	enc := flist.NewEncoder(mux, encOpts)
	for _, ent := range entries {
		if err := enc.Send(ent); err != nil {
			return err
		}
	}
	if err := enc.SendEnd(0); err != nil {
		return err
	}
	if err := mux.Flush(); err != nil {
		return err
	}
	fl.SetFileCount(len(entries))
	transfer, err := fl.BeginTransfer()
	if err != nil {
		return err
	}

	strongType := hash.ForProtocol(int32(version))
	readInt := func() (int32, error) {
		if version.UsesVarintEncoding() {
			return proto.ReadVarint(conn)
		}
		return proto.ReadInt(conn)
	}

	// Transfer loop: the client requests file indexes with the block
	// signature of whatever basis it holds; we answer each with a
	// token stream. Index -1 ends a phase.
	var bytesSent int64
	for {
		idx, err := readInt()
		if err != nil {
			return err
		}
		if idx == -1 {
			if err := writePhaseEnd(mux, version); err != nil {
				return err
			}
			break
		}
		if idx < 0 || int(idx) >= len(entries) {
			return fmt.Errorf("client requested index %d of %d: %w", idx, len(entries), proto.ErrVarintOverflow)
		}
		sig, err := delta.DecodeSignature(conn, version, strongType, seed)
		if err != nil {
			return err
		}
		ent := entries[idx]
		n, err := s.sendFile(mux, version, mod, ent, sig, idx, strongType, seed, opts.Compress)
		if err != nil {
			_ = mux.WriteMsg(proto.MsgErrorXfer, []byte(fmt.Sprintf("%s: %v", ent.Name, err)))
			continue
		}
		bytesSent += n
		transfer.RecordTransfer()
		s.opt.Metrics.addBytes(n)
	}

	fin := transfer.BeginFinalize()
	sum := fin.Summary()
	fs.Infof(nil, "module %q: sent %d/%d files", mod.Name, sum.FilesTransferred, sum.TotalFiles)

	// Statistics trailer: bytes read, bytes written, total size.
	for _, v := range []int64{0, bytesSent, totalSize(entries)} {
		if err := writeLongTo(mux, version, v); err != nil {
			return err
		}
	}
	return mux.Flush()
}

func writePhaseEnd(mux *proto.MuxWriter, version proto.Version) error {
	if version.UsesVarintEncoding() {
		if err := proto.WriteVarint(mux, -1); err != nil {
			return err
		}
	} else {
		if err := proto.WriteInt(mux, -1); err != nil {
			return err
		}
	}
	return mux.Flush()
}

func writeLongTo(mux *proto.MuxWriter, version proto.Version, v int64) error {
	if version.UsesVarintEncoding() {
		return proto.WriteVarlong(mux, v, 3)
	}
	return proto.WriteLong(mux, v)
}

func totalSize(entries []*flist.Entry) int64 {
	var n int64
	for _, e := range entries {
		if e.IsRegular() {
			n += e.Len
		}
	}
	return n
}

// sendFile answers one transfer request with index echo, sum head and
// token stream.
func (s *Server) sendFile(mux *proto.MuxWriter, version proto.Version, mod Module, ent *flist.Entry, sig *delta.Signature, idx int32, strongType hash.Type, seed uint32, compress bool) (int64, error) {
	path := filepath.Join(mod.Path, filepath.FromSlash(ent.Name))
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	if version.UsesVarintEncoding() {
		if err := proto.WriteVarint(mux, idx); err != nil {
			return 0, err
		}
	} else {
		if err := proto.WriteInt(mux, idx); err != nil {
			return 0, err
		}
	}
	if err := sig.Head.Encode(mux, version); err != nil {
		return 0, err
	}

	whole := hash.New(strongType, seed)
	tw := delta.NewTokenWriter(mux, version, compress, 0)
	stats, err := delta.Match(io.TeeReader(f, whole), sig, tw)
	if err != nil {
		return 0, err
	}
	if err := tw.End(whole.Sum(nil)); err != nil {
		return 0, err
	}
	return stats.LiteralBytes, mux.Flush()
}

// buildFileList enumerates the module tree in sender order.
func (s *Server) buildFileList(mod Module, opts *sessionOptions) ([]*flist.Entry, error) {
	var entries []*flist.Entry
	links := flist.NewHardlinkTable()
	err := filepath.Walk(mod.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(mod.Path, path)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = "."
		} else {
			rel = filepath.ToSlash(rel)
		}
		if !opts.Recurse && info.IsDir() && rel != "." {
			return filepath.SkipDir
		}
		ent := flist.NewEntry(rel)
		ent.Len = info.Size()
		ent.Mtime = info.ModTime().Unix()
		ent.Mode = flist.ModeFromFileMode(info.Mode())
		if uid, gid, ok := statOwner(info); ok {
			ent.UID = uid
			ent.GID = gid
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Readlink(path); err == nil {
				ent.LinkTarget = target
			}
		}
		if opts.HardLinks && info.Mode().IsRegular() {
			if di, nlink, ok := statDevIno(info); ok && nlink > 1 {
				switch l := links.FindOrInsert(di, int32(len(entries))); l.State {
				case flist.First:
					ent.HlinkLeader = true
					ent.HlinkFirst = int32(len(entries))
				case flist.LinkTo:
					ent.HlinkFirst = l.FirstIndex
				}
			}
		}
		entries = append(entries, ent)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
