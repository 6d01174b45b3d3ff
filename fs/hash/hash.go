// Package hash provides the strong digests and the rolling checksum the
// delta algorithm is built on.
//
// Every strong digest is available one-shot through Sum and
// incrementally through New; for any partitioning of the input the two
// agree. A non-zero session seed is folded in ahead of the data so
// checksums are not comparable across sessions.
package hash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	stdhash "hash"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/md4"
)

// Type indicates a strong digest algorithm.
type Type int

// Supported strong digest algorithms. MD4 is what protocols below 30
// negotiate; MD5 is the default from protocol 30 on; the xxhash and SHA
// forms back the checksum choice negotiation of newer peers.
const (
	None Type = iota
	MD4
	MD5
	XXH64
	SHA1
	SHA256
)

// ErrUnsupported is returned when a checksum name is not recognised.
var ErrUnsupported = errors.New("hash type not supported")

// String returns the negotiation name of the hash type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case MD4:
		return "md4"
	case MD5:
		return "md5"
	case XXH64:
		return "xxh64"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	}
	return fmt.Sprintf("unknown-%d", int(t))
}

// Set converts a negotiation name into a Type. It implements
// pflag.Value.
func (t *Type) Set(s string) error {
	switch strings.ToLower(s) {
	case "none":
		*t = None
	case "md4":
		*t = MD4
	case "md5":
		*t = MD5
	case "xxh64", "xxhash":
		*t = XXH64
	case "sha1":
		*t = SHA1
	case "sha256":
		*t = SHA256
	default:
		return fmt.Errorf("%q: %w", s, ErrUnsupported)
	}
	return nil
}

// Type implements pflag.Value.
func (t Type) Type() string {
	return "string"
}

// Size returns the digest length in bytes.
func (t Type) Size() int {
	switch t {
	case MD4, MD5:
		return 16
	case XXH64:
		return 8
	case SHA1:
		return 20
	case SHA256:
		return 32
	}
	return 0
}

// ForProtocol returns the default whole-file digest for a protocol
// version: MD4 below 30, MD5 from 30 on.
func ForProtocol(version int32) Type {
	if version >= 30 {
		return MD5
	}
	return MD4
}

// New returns an incremental digest for the type, primed with the
// session seed. A zero seed leaves the digest unperturbed, which is the
// form used for whole-file checksums inside the file list.
func New(t Type, seed uint32) stdhash.Hash {
	var h stdhash.Hash
	switch t {
	case MD4:
		h = md4.New()
	case MD5:
		h = md5.New()
	case XXH64:
		h = xxhash.New()
	case SHA1:
		h = sha1.New()
	case SHA256:
		h = sha256.New()
	default:
		panic("hash: New called with unsupported type " + t.String())
	}
	if seed != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], seed)
		_, _ = h.Write(b[:])
	}
	return h
}

// Sum computes the one-shot digest of p under seed. It always equals
// feeding p through New in any number of pieces.
func Sum(t Type, seed uint32, p []byte) []byte {
	h := New(t, seed)
	_, _ = h.Write(p)
	return h.Sum(nil)
}
