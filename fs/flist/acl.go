package flist

import (
	"fmt"
	"io"

	"github.com/ocrsync/ocrsync/fs/proto"
)

// Access is a 3 bit rwx permission triple.
type Access uint8

// Permission bits within an Access.
const (
	AccessExecute Access = 1 << 0
	AccessWrite   Access = 1 << 1
	AccessRead    Access = 1 << 2
)

// Presence flags synthesised into the ACL's flags byte.
const (
	aclHaveOwner = 1 << 0
	aclHaveGroup = 1 << 1
	aclHaveMask  = 1 << 2
	aclHaveOther = 1 << 3
	aclHaveNamed = 1 << 4
)

// IDAccess is a named user or group entry in an ACL.
type IDAccess struct {
	ID     uint32
	Access Access
	IsUser bool
}

// ACL is a parsed access control list: the four classic triples plus
// the ordered named entries. Which fields are meaningful is tracked so
// a default ACL with no owner triple survives a round trip.
type ACL struct {
	Owner, Group, Mask, Other Access
	HaveOwner, HaveGroup      bool
	HaveMask, HaveOther       bool
	Named                     []IDAccess
}

// Flags synthesises the presence byte transmitted ahead of the fields.
func (a *ACL) Flags() uint8 {
	var f uint8
	if a.HaveOwner {
		f |= aclHaveOwner
	}
	if a.HaveGroup {
		f |= aclHaveGroup
	}
	if a.HaveMask {
		f |= aclHaveMask
	}
	if a.HaveOther {
		f |= aclHaveOther
	}
	if len(a.Named) > 0 {
		f |= aclHaveNamed
	}
	return f
}

// Equal reports whether two ACLs are semantically identical, named
// entries included (order matters, as it does on the wire).
func (a *ACL) Equal(b *ACL) bool {
	if a.Flags() != b.Flags() ||
		a.Owner != b.Owner || a.Group != b.Group ||
		a.Mask != b.Mask || a.Other != b.Other ||
		len(a.Named) != len(b.Named) {
		return false
	}
	for i := range a.Named {
		if a.Named[i] != b.Named[i] {
			return false
		}
	}
	return true
}

// encode writes the ACL literal form.
func (a *ACL) encode(w io.Writer) error {
	if err := proto.WriteByte(w, a.Flags()); err != nil {
		return err
	}
	for _, f := range []struct {
		have bool
		val  Access
	}{
		{a.HaveOwner, a.Owner},
		{a.HaveGroup, a.Group},
		{a.HaveMask, a.Mask},
		{a.HaveOther, a.Other},
	} {
		if !f.have {
			continue
		}
		if err := proto.WriteByte(w, uint8(f.val)); err != nil {
			return err
		}
	}
	if len(a.Named) == 0 {
		return nil
	}
	if err := proto.WriteVarint(w, int32(len(a.Named))); err != nil {
		return err
	}
	for _, n := range a.Named {
		if err := proto.WriteVarint(w, int32(n.ID)); err != nil {
			return err
		}
		// Access in the low bits, the user/group marker above them.
		b := uint8(n.Access)
		if n.IsUser {
			b |= 1 << 3
		}
		if err := proto.WriteByte(w, b); err != nil {
			return err
		}
	}
	return nil
}

// decodeACL reads an ACL literal.
func decodeACL(r io.Reader) (*ACL, error) {
	flags, err := proto.ReadByte(r)
	if err != nil {
		return nil, err
	}
	a := &ACL{
		HaveOwner: flags&aclHaveOwner != 0,
		HaveGroup: flags&aclHaveGroup != 0,
		HaveMask:  flags&aclHaveMask != 0,
		HaveOther: flags&aclHaveOther != 0,
	}
	for _, f := range []struct {
		have bool
		dst  *Access
	}{
		{a.HaveOwner, &a.Owner},
		{a.HaveGroup, &a.Group},
		{a.HaveMask, &a.Mask},
		{a.HaveOther, &a.Other},
	} {
		if !f.have {
			continue
		}
		b, err := proto.ReadByte(r)
		if err != nil {
			return nil, err
		}
		*f.dst = Access(b)
	}
	if flags&aclHaveNamed == 0 {
		return a, nil
	}
	count, err := proto.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("negative named entry count %d: %w", count, proto.ErrVarintOverflow)
	}
	for i := int32(0); i < count; i++ {
		id, err := proto.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		b, err := proto.ReadByte(r)
		if err != nil {
			return nil, err
		}
		a.Named = append(a.Named, IDAccess{
			ID:     uint32(id),
			Access: Access(b & 0x7),
			IsUser: b&(1<<3) != 0,
		})
	}
	return a, nil
}

// ACLCache is the per-session, per-side store for ACL values. Access
// and default ACLs live in separate vectors; both peers insert literals
// at the same implied index, so a bare index is enough afterwards.
type ACLCache struct {
	access   []*ACL
	defaults []*ACL
}

// NewACLCache returns an empty cache.
func NewACLCache() *ACLCache {
	return &ACLCache{}
}

func (c *ACLCache) vector(isDefault bool) *[]*ACL {
	if isDefault {
		return &c.defaults
	}
	return &c.access
}

// Send writes either a cached index reference or the literal form of
// the ACL, inserting the literal into the cache so the next identical
// value goes by index. The sentinel index 0 announces a literal;
// references are sent as index+1.
func (c *ACLCache) Send(w io.Writer, a *ACL, isDefault bool) error {
	vec := c.vector(isDefault)
	for i, cached := range *vec {
		if cached.Equal(a) {
			return proto.WriteVarint(w, int32(i)+1)
		}
	}
	if err := proto.WriteVarint(w, 0); err != nil {
		return err
	}
	*vec = append(*vec, a)
	return a.encode(w)
}

// Receive reads what Send wrote and returns the ACL, inserting
// literals at the implied next slot.
func (c *ACLCache) Receive(r io.Reader, isDefault bool) (*ACL, error) {
	vec := c.vector(isDefault)
	idx, err := proto.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		a, err := decodeACL(r)
		if err != nil {
			return nil, err
		}
		*vec = append(*vec, a)
		return a, nil
	}
	i := idx - 1
	if i < 0 || int(i) >= len(*vec) {
		return nil, fmt.Errorf("acl index %d out of range (cache holds %d)", i, len(*vec))
	}
	return (*vec)[i], nil
}

// Len returns the number of cached values on the given side.
func (c *ACLCache) Len(isDefault bool) int {
	return len(*c.vector(isDefault))
}
