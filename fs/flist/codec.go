package flist

import (
	"errors"
	"fmt"
	"io"

	"github.com/ocrsync/ocrsync/fs/proto"
)

// Per-entry transmit flags. The low byte travels always; the extended
// bits force the two byte form.
const (
	flagTopDir        = 1 << 0
	flagSameMode      = 1 << 1
	flagExtended      = 1 << 2
	flagSameUID       = 1 << 3
	flagSameGID       = 1 << 4
	flagSameName      = 1 << 5
	flagLongName      = 1 << 6
	flagSameTime      = 1 << 7
	flagSameRdevMajor = 1 << 8
	flagHlinked       = 1 << 9
	flagUserName      = 1 << 10
	flagGroupName     = 1 << 11
	flagHlinkFirst    = 1 << 12
)

// ErrBitmapMismatch is returned when the receiver cannot reconcile a
// flag byte with the fields that follow. Any such disagreement is
// unrecoverable: the two sides no longer share framing.
var ErrBitmapMismatch = errors.New("file list bitmap mismatch")

// Options selects the optional file list fields. Both sides must be
// constructed from the same negotiated options or decoding fails.
type Options struct {
	Version           proto.Version
	PreserveUIDs      bool
	PreserveGIDs      bool
	PreserveLinks     bool
	PreserveDevices   bool
	PreserveSpecials  bool
	PreserveHardlinks bool
	PreserveACLs      bool
	PreserveXattrs    bool
	// SendNames attaches textual owner/group names to entries that
	// carry new ids.
	SendNames bool
}

// Encoder serialises entries. Fields equal to the previous entry are
// elided and flagged, so a sorted list compresses well.
type Encoder struct {
	w        io.Writer
	opt      Options
	prev     Entry
	havePrev bool
	acl      *ACLCache
	xattr    *XattrCache
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer, opt Options) *Encoder {
	return &Encoder{
		w:     w,
		opt:   opt,
		acl:   NewACLCache(),
		xattr: NewXattrCache(),
	}
}

// samePrefixLen returns how many leading bytes a shares with b,
// capped at 255 so it fits the wire byte.
func samePrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] && n < 255 {
		n++
	}
	return n
}

func (e *Encoder) varintOK() bool {
	return e.opt.Version.UsesVarintEncoding()
}

func (e *Encoder) writeInt(x int32) error {
	if e.varintOK() {
		return proto.WriteVarint(e.w, x)
	}
	return proto.WriteInt(e.w, x)
}

func (e *Encoder) writeLen(x int64) error {
	if e.varintOK() {
		return proto.WriteVarlong(e.w, x, 3)
	}
	return proto.WriteLong(e.w, x)
}

func (e *Encoder) writeTime(x int64) error {
	if e.varintOK() {
		return proto.WriteVarlong(e.w, x, 4)
	}
	return proto.WriteInt(e.w, int32(x))
}

// Send writes one entry. Entries must arrive in emit order; hardlink
// back-references must point at an already sent index.
func (e *Encoder) Send(ent *Entry) error {
	var flags uint32

	prefix := 0
	if e.havePrev {
		prefix = samePrefixLen(ent.Name, e.prev.Name)
		if prefix > 0 {
			flags |= flagSameName
		}
		if ent.Mode == e.prev.Mode {
			flags |= flagSameMode
		}
		if e.opt.Version.SupportsFlistTimes() && ent.Mtime == e.prev.Mtime {
			flags |= flagSameTime
		}
		if e.opt.PreserveUIDs && ent.UID == e.prev.UID {
			flags |= flagSameUID
		}
		if e.opt.PreserveGIDs && ent.GID == e.prev.GID {
			flags |= flagSameGID
		}
	}
	suffix := ent.Name[prefix:]
	if len(suffix) > 255 {
		flags |= flagLongName
	}
	sendDev := (ent.IsDevice() && e.opt.PreserveDevices) ||
		(ent.IsSpecial() && e.opt.PreserveSpecials)
	if sendDev && e.havePrev && ent.RdevMajor == e.prev.RdevMajor {
		flags |= flagSameRdevMajor
	}
	linked := e.opt.PreserveHardlinks && ent.HlinkFirst >= 0
	if linked {
		flags |= flagHlinked
		if ent.HlinkLeader {
			flags |= flagHlinkFirst
		}
	}
	if e.opt.PreserveUIDs && e.opt.SendNames && ent.User != "" && flags&flagSameUID == 0 {
		flags |= flagUserName
	}
	if e.opt.PreserveGIDs && e.opt.SendNames && ent.Group != "" && flags&flagSameGID == 0 {
		flags |= flagGroupName
	}

	// A zero first byte would read as the list terminator, so zero
	// flags are forced into the extended form.
	if flags&^uint32(0xFF) != 0 || flags == 0 {
		flags |= flagExtended
		if err := proto.WriteByte(e.w, byte(flags)); err != nil {
			return err
		}
		if err := proto.WriteByte(e.w, byte(flags>>8)); err != nil {
			return err
		}
	} else {
		if err := proto.WriteByte(e.w, byte(flags)); err != nil {
			return err
		}
	}

	if flags&flagSameName != 0 {
		if err := proto.WriteByte(e.w, byte(prefix)); err != nil {
			return err
		}
	}
	if flags&flagLongName != 0 {
		if err := e.writeInt(int32(len(suffix))); err != nil {
			return err
		}
	} else {
		if err := proto.WriteByte(e.w, byte(len(suffix))); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(e.w, suffix); err != nil {
		return err
	}

	// A later member of a hardlink group is only a back-reference.
	// prev deliberately keeps the last full entry so both sides elide
	// against the same state.
	if linked && !ent.HlinkLeader {
		return e.writeInt(ent.HlinkFirst)
	}

	if err := e.writeLen(ent.Len); err != nil {
		return err
	}
	if e.opt.Version.SupportsFlistTimes() && flags&flagSameTime == 0 {
		if err := e.writeTime(ent.Mtime); err != nil {
			return err
		}
	}
	if flags&flagSameMode == 0 {
		if err := e.writeInt(int32(ent.Mode)); err != nil {
			return err
		}
	}
	if e.opt.PreserveUIDs && flags&flagSameUID == 0 {
		if err := e.writeInt(int32(ent.UID)); err != nil {
			return err
		}
		if flags&flagUserName != 0 {
			if err := proto.WriteByte(e.w, byte(len(ent.User))); err != nil {
				return err
			}
			if _, err := io.WriteString(e.w, ent.User); err != nil {
				return err
			}
		}
	}
	if e.opt.PreserveGIDs && flags&flagSameGID == 0 {
		if err := e.writeInt(int32(ent.GID)); err != nil {
			return err
		}
		if flags&flagGroupName != 0 {
			if err := proto.WriteByte(e.w, byte(len(ent.Group))); err != nil {
				return err
			}
			if _, err := io.WriteString(e.w, ent.Group); err != nil {
				return err
			}
		}
	}
	if sendDev {
		if flags&flagSameRdevMajor == 0 {
			if err := e.writeInt(int32(ent.RdevMajor)); err != nil {
				return err
			}
		}
		if err := e.writeInt(int32(ent.RdevMinor)); err != nil {
			return err
		}
	}
	if ent.IsSymlink() && e.opt.PreserveLinks {
		if err := proto.WriteString(e.w, e.opt.Version, ent.LinkTarget); err != nil {
			return err
		}
	}
	if e.opt.PreserveACLs && !ent.IsSymlink() {
		a := ent.ACL
		if a == nil {
			a = &ACL{}
		}
		if err := e.acl.Send(e.w, a, false); err != nil {
			return err
		}
		if ent.IsDir() {
			da := ent.DefACL
			if da == nil {
				da = &ACL{}
			}
			if err := e.acl.Send(e.w, da, true); err != nil {
				return err
			}
		}
	}
	if e.opt.PreserveXattrs {
		x := ent.Xattrs
		if x == nil {
			x = &Xattr{}
		}
		if err := e.xattr.Send(e.w, x); err != nil {
			return err
		}
	}

	e.prev = *ent
	e.havePrev = true
	return nil
}

// SendEnd terminates the list and reports the sender's accumulated
// I/O error count.
func (e *Encoder) SendEnd(ioErrors int32) error {
	if err := proto.WriteByte(e.w, 0); err != nil {
		return err
	}
	return e.writeInt(ioErrors)
}

// Decoder reconstructs a dense entry array from the wire.
type Decoder struct {
	r        io.Reader
	opt      Options
	prev     Entry
	havePrev bool
	entries  []*Entry
	acl      *ACLCache
	xattr    *XattrCache
}

// NewDecoder returns a Decoder reading from r. The options must match
// the sender's.
func NewDecoder(r io.Reader, opt Options) *Decoder {
	return &Decoder{
		r:     r,
		opt:   opt,
		acl:   NewACLCache(),
		xattr: NewXattrCache(),
	}
}

func (d *Decoder) varintOK() bool {
	return d.opt.Version.UsesVarintEncoding()
}

func (d *Decoder) readInt() (int32, error) {
	if d.varintOK() {
		return proto.ReadVarint(d.r)
	}
	return proto.ReadInt(d.r)
}

func (d *Decoder) readLen() (int64, error) {
	if d.varintOK() {
		return proto.ReadVarlong(d.r, 3)
	}
	return proto.ReadLong(d.r)
}

func (d *Decoder) readTime() (int64, error) {
	if d.varintOK() {
		return proto.ReadVarlong(d.r, 4)
	}
	v, err := proto.ReadInt(d.r)
	return int64(v), err
}

// Receive reads the next entry, or (nil, nil) at the list terminator.
func (d *Decoder) Receive() (*Entry, error) {
	b, err := proto.ReadByte(d.r)
	if err != nil {
		return nil, err
	}
	flags := uint32(b)
	if flags == 0 {
		return nil, nil
	}
	if flags&flagExtended != 0 {
		b2, err := proto.ReadByte(d.r)
		if err != nil {
			return nil, err
		}
		flags |= uint32(b2) << 8
	}

	prefix := 0
	if flags&flagSameName != 0 {
		if !d.havePrev {
			return nil, fmt.Errorf("same-name flag on the first entry: %w", ErrBitmapMismatch)
		}
		pb, err := proto.ReadByte(d.r)
		if err != nil {
			return nil, err
		}
		prefix = int(pb)
		if prefix > len(d.prev.Name) {
			return nil, fmt.Errorf("name prefix %d longer than previous name: %w", prefix, ErrBitmapMismatch)
		}
	}
	var suffixLen int32
	if flags&flagLongName != 0 {
		suffixLen, err = d.readInt()
		if err != nil {
			return nil, err
		}
		if suffixLen < 0 {
			return nil, fmt.Errorf("negative name length: %w", ErrBitmapMismatch)
		}
	} else {
		sb, err := proto.ReadByte(d.r)
		if err != nil {
			return nil, err
		}
		suffixLen = int32(sb)
	}
	suffix := make([]byte, suffixLen)
	if _, err := io.ReadFull(d.r, suffix); err != nil {
		return nil, err
	}
	ent := NewEntry(d.prev.Name[:prefix] + string(suffix))

	if d.opt.PreserveHardlinks && flags&flagHlinked != 0 && flags&flagHlinkFirst == 0 {
		first, err := d.readInt()
		if err != nil {
			return nil, err
		}
		if first < 0 || int(first) >= len(d.entries) {
			return nil, fmt.Errorf("hardlink reference %d out of range: %w", first, ErrBitmapMismatch)
		}
		leader := d.entries[first]
		ent.Len = leader.Len
		ent.Mtime = leader.Mtime
		ent.Mode = leader.Mode
		ent.UID = leader.UID
		ent.GID = leader.GID
		ent.User = leader.User
		ent.Group = leader.Group
		ent.HlinkFirst = first
		d.entries = append(d.entries, ent)
		return ent, nil
	}

	if ent.Len, err = d.readLen(); err != nil {
		return nil, err
	}
	if d.opt.Version.SupportsFlistTimes() {
		if flags&flagSameTime != 0 {
			ent.Mtime = d.prev.Mtime
		} else {
			if ent.Mtime, err = d.readTime(); err != nil {
				return nil, err
			}
		}
	}
	if flags&flagSameMode != 0 {
		ent.Mode = d.prev.Mode
	} else {
		mode, err := d.readInt()
		if err != nil {
			return nil, err
		}
		ent.Mode = uint32(mode)
	}
	if d.opt.PreserveUIDs {
		if flags&flagSameUID != 0 {
			ent.UID = d.prev.UID
			ent.User = d.prev.User
		} else {
			uid, err := d.readInt()
			if err != nil {
				return nil, err
			}
			ent.UID = uint32(uid)
			if flags&flagUserName != 0 {
				nb, err := proto.ReadByte(d.r)
				if err != nil {
					return nil, err
				}
				name := make([]byte, nb)
				if _, err := io.ReadFull(d.r, name); err != nil {
					return nil, err
				}
				ent.User = string(name)
			}
		}
	}
	if d.opt.PreserveGIDs {
		if flags&flagSameGID != 0 {
			ent.GID = d.prev.GID
			ent.Group = d.prev.Group
		} else {
			gid, err := d.readInt()
			if err != nil {
				return nil, err
			}
			ent.GID = uint32(gid)
			if flags&flagGroupName != 0 {
				nb, err := proto.ReadByte(d.r)
				if err != nil {
					return nil, err
				}
				name := make([]byte, nb)
				if _, err := io.ReadFull(d.r, name); err != nil {
					return nil, err
				}
				ent.Group = string(name)
			}
		}
	}
	readDev := (ent.IsDevice() && d.opt.PreserveDevices) ||
		(ent.IsSpecial() && d.opt.PreserveSpecials)
	if readDev {
		if flags&flagSameRdevMajor != 0 {
			ent.RdevMajor = d.prev.RdevMajor
		} else {
			major, err := d.readInt()
			if err != nil {
				return nil, err
			}
			ent.RdevMajor = uint32(major)
		}
		minor, err := d.readInt()
		if err != nil {
			return nil, err
		}
		ent.RdevMinor = uint32(minor)
	}
	if ent.IsSymlink() && d.opt.PreserveLinks {
		if ent.LinkTarget, err = proto.ReadString(d.r, d.opt.Version); err != nil {
			return nil, err
		}
	}
	if d.opt.PreserveHardlinks && flags&flagHlinkFirst != 0 {
		ent.HlinkLeader = true
		ent.HlinkFirst = int32(len(d.entries))
	}
	if d.opt.PreserveACLs && ent.Kind() != KindSymlink {
		if ent.ACL, err = d.acl.Receive(d.r, false); err != nil {
			return nil, err
		}
		if ent.IsDir() {
			if ent.DefACL, err = d.acl.Receive(d.r, true); err != nil {
				return nil, err
			}
		}
	}
	if d.opt.PreserveXattrs {
		if ent.Xattrs, err = d.xattr.Receive(d.r); err != nil {
			return nil, err
		}
	}

	d.entries = append(d.entries, ent)
	d.prev = *ent
	d.havePrev = true
	return ent, nil
}

// ReceiveAll reads entries until the terminator and returns the dense
// array plus the sender's I/O error count.
func (d *Decoder) ReceiveAll() ([]*Entry, int32, error) {
	for {
		ent, err := d.Receive()
		if err != nil {
			return nil, 0, err
		}
		if ent == nil {
			break
		}
	}
	ioErrors, err := d.readInt()
	if err != nil {
		return nil, 0, err
	}
	return d.entries, ioErrors, nil
}

// Entries returns the entries decoded so far.
func (d *Decoder) Entries() []*Entry {
	return d.entries
}
