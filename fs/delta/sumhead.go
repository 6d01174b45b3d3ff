// Package delta implements the block matching transfer algorithm: per
// file block signatures, the literal/match token stream and the
// reconstruction of a file from its basis plus that stream.
package delta

import (
	"fmt"
	"io"
	"math"

	"github.com/ocrsync/ocrsync/fs/proto"
)

// Block sizing constants, matching upstream.
const (
	// MinBlockSize is the smallest derived block size.
	MinBlockSize = 700
	// MaxBlockSize caps derived block sizes for protocol 30 and later.
	MaxBlockSize = 1 << 17
	// OldMaxBlockSize is the cap before protocol 30.
	OldMaxBlockSize = 1 << 29
	// blocksumBias feeds the strong sum truncation formula.
	blocksumBias = 10
	// MaxStrongLength is the widest strong sum prefix ever sent.
	MaxStrongLength = 16
	// MinStrongLength is the narrowest strong sum prefix ever sent.
	MinStrongLength = 2
)

// SumHead parameterises one file's block signature array.
type SumHead struct {
	// ChecksumCount is the number of blocks.
	ChecksumCount int32
	// BlockLength is the size of each block except possibly the last.
	BlockLength int32
	// ChecksumLength is how many bytes of each strong sum are sent.
	ChecksumLength int32
	// RemainderLength is the size of the final short block, or zero
	// when the file divides evenly.
	RemainderLength int32
}

// Encode writes the head in the version selected layout.
func (s *SumHead) Encode(w io.Writer, v proto.Version) error {
	write := func(x int32) error {
		if v.UsesVarintEncoding() {
			return proto.WriteVarint(w, x)
		}
		return proto.WriteInt(w, x)
	}
	for _, x := range []int32{s.ChecksumCount, s.BlockLength, s.ChecksumLength, s.RemainderLength} {
		if err := write(x); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a head written by Encode.
func (s *SumHead) Decode(r io.Reader, v proto.Version) error {
	read := func() (int32, error) {
		if v.UsesVarintEncoding() {
			return proto.ReadVarint(r)
		}
		return proto.ReadInt(r)
	}
	var err error
	if s.ChecksumCount, err = read(); err != nil {
		return err
	}
	if s.BlockLength, err = read(); err != nil {
		return err
	}
	if s.ChecksumLength, err = read(); err != nil {
		return err
	}
	if s.RemainderLength, err = read(); err != nil {
		return err
	}
	if s.ChecksumCount < 0 || s.BlockLength < 0 ||
		s.ChecksumLength < 0 || s.ChecksumLength > MaxStrongLength ||
		s.RemainderLength < 0 || s.RemainderLength >= max32(s.BlockLength, 1) {
		return fmt.Errorf("implausible sum head %+v", *s)
	}
	return nil
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// SumSizes derives the block size and strong sum truncation for a file
// of the given length, the way both sides must so their signatures are
// interchangeable. blockSizeOverride forces the block size when the
// user specified one.
func SumSizes(fileLen int64, v proto.Version, blockSizeOverride int32) SumHead {
	var blength int32
	maxBlock := int32(MaxBlockSize)
	if !v.UsesVarintEncoding() {
		maxBlock = OldMaxBlockSize
	}
	switch {
	case blockSizeOverride > 0:
		blength = blockSizeOverride
	case fileLen <= MinBlockSize*MinBlockSize:
		blength = MinBlockSize
	default:
		// Rounded square root of the file length, kept a multiple of 8.
		root := int32(math.Sqrt(float64(fileLen)))
		blength = root &^ 7
		if blength < MinBlockSize {
			blength = MinBlockSize
		}
		if blength > maxBlock {
			blength = maxBlock
		}
	}

	// blocksum_bits = bias + 2*log2(len) - log2(blength), which keeps
	// the collision probability constant as files grow.
	var s2length int32
	if blockSizeOverride > 0 && blockSizeOverride > int32(fileLen) {
		s2length = MaxStrongLength
	} else {
		b := blocksumBias
		l := fileLen
		for l >>= 1; l != 0; l >>= 1 {
			b += 2
		}
		c := blength
		for c >>= 1; c != 0; c >>= 1 {
			b--
		}
		s2length = int32(b+1+7) / 8
		if s2length < MinStrongLength {
			s2length = MinStrongLength
		}
		if s2length > MaxStrongLength {
			s2length = MaxStrongLength
		}
	}

	count := int32(0)
	remainder := int32(0)
	if fileLen > 0 {
		count = int32((fileLen + int64(blength) - 1) / int64(blength))
		remainder = int32(fileLen % int64(blength))
	}
	return SumHead{
		ChecksumCount:   count,
		BlockLength:     blength,
		ChecksumLength:  s2length,
		RemainderLength: remainder,
	}
}

// BlockLen returns the length of block i under the head.
func (s *SumHead) BlockLen(i int32) int32 {
	if i == s.ChecksumCount-1 && s.RemainderLength != 0 {
		return s.RemainderLength
	}
	return s.BlockLength
}

// FileLen returns the basis file length the head describes.
func (s *SumHead) FileLen() int64 {
	if s.ChecksumCount == 0 {
		return 0
	}
	return int64(s.ChecksumCount-1)*int64(s.BlockLength) + int64(s.BlockLen(s.ChecksumCount-1))
}
