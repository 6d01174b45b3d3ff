package flist

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ocrsync/ocrsync/fs/proto"
)

// Xattr is one extended attribute name/value pair list as attached to
// a single file. Pairs keep the order they were enumerated in.
type Xattr struct {
	Names  []string
	Values [][]byte
}

// Equal reports whether two attribute sets are identical.
func (x *Xattr) Equal(y *Xattr) bool {
	if len(x.Names) != len(y.Names) {
		return false
	}
	for i := range x.Names {
		if x.Names[i] != y.Names[i] || !bytes.Equal(x.Values[i], y.Values[i]) {
			return false
		}
	}
	return true
}

func (x *Xattr) encode(w io.Writer) error {
	if err := proto.WriteVarint(w, int32(len(x.Names))); err != nil {
		return err
	}
	for i, name := range x.Names {
		if err := proto.WriteVarint(w, int32(len(name))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, name); err != nil {
			return err
		}
		if err := proto.WriteVarint(w, int32(len(x.Values[i]))); err != nil {
			return err
		}
		if _, err := w.Write(x.Values[i]); err != nil {
			return err
		}
	}
	return nil
}

func decodeXattr(r io.Reader) (*Xattr, error) {
	count, err := proto.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("negative xattr count %d: %w", count, proto.ErrVarintOverflow)
	}
	x := &Xattr{}
	for i := int32(0); i < count; i++ {
		nameLen, err := proto.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		valLen, err := proto.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		val := make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		x.Names = append(x.Names, string(name))
		x.Values = append(x.Values, val)
	}
	return x, nil
}

// XattrCache transmits attribute sets by cached index, the same scheme
// the ACL cache uses: literal on first sight, a bare index afterwards.
type XattrCache struct {
	values []*Xattr
}

// NewXattrCache returns an empty cache.
func NewXattrCache() *XattrCache {
	return &XattrCache{}
}

// Send writes an index reference or the literal, caching the literal.
func (c *XattrCache) Send(w io.Writer, x *Xattr) error {
	for i, cached := range c.values {
		if cached.Equal(x) {
			return proto.WriteVarint(w, int32(i)+1)
		}
	}
	if err := proto.WriteVarint(w, 0); err != nil {
		return err
	}
	c.values = append(c.values, x)
	return x.encode(w)
}

// Receive reads what Send wrote.
func (c *XattrCache) Receive(r io.Reader) (*Xattr, error) {
	idx, err := proto.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		x, err := decodeXattr(r)
		if err != nil {
			return nil, err
		}
		c.values = append(c.values, x)
		return x, nil
	}
	i := idx - 1
	if i < 0 || int(i) >= len(c.values) {
		return nil, fmt.Errorf("xattr index %d out of range (cache holds %d)", i, len(c.values))
	}
	return c.values[i], nil
}

// Len returns the number of cached attribute sets.
func (c *XattrCache) Len() int {
	return len(c.values)
}
