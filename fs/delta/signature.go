package delta

import (
	"fmt"
	"io"

	"github.com/ocrsync/ocrsync/fs/asyncreader"
	"github.com/ocrsync/ocrsync/fs/hash"
	"github.com/ocrsync/ocrsync/fs/proto"
)

// BlockSum is one block's signature: the weak rolling checksum plus a
// truncated strong digest.
type BlockSum struct {
	Weak   uint32
	Strong []byte
}

// Signature is the per-file block signature array the receiver computes
// over its basis file and sends to the sender.
type Signature struct {
	Head   SumHead
	Blocks []BlockSum

	StrongType hash.Type
	Seed       uint32
}

// GenerateSignature computes the signature of a basis file. The reader
// is consumed through the double buffered block reader so checksum
// computation overlaps the next read on large files.
func GenerateSignature(in io.Reader, fileLen int64, head SumHead, strongType hash.Type, seed uint32) (*Signature, error) {
	sig := &Signature{Head: head, StrongType: strongType, Seed: seed}
	if head.ChecksumCount == 0 {
		return sig, nil
	}
	ar, err := asyncreader.New(in, asyncreader.Options{BlockSize: int(head.BlockLength)}, fileLen)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ar.Close() }()

	for {
		block, err := ar.NextBlock()
		if err != nil {
			return nil, err
		}
		if block == nil {
			break
		}
		strong := hash.Sum(strongType, seed, block)
		sig.Blocks = append(sig.Blocks, BlockSum{
			Weak:   hash.RollingSum32(block),
			Strong: strong[:head.ChecksumLength],
		})
	}
	if int32(len(sig.Blocks)) != head.ChecksumCount {
		return nil, fmt.Errorf("basis file produced %d blocks, sum head promised %d", len(sig.Blocks), head.ChecksumCount)
	}
	return sig, nil
}

// Encode writes the head and every block signature.
func (sig *Signature) Encode(w io.Writer, v proto.Version) error {
	if err := sig.Head.Encode(w, v); err != nil {
		return err
	}
	for i := range sig.Blocks {
		b := &sig.Blocks[i]
		if err := proto.WriteInt(w, int32(b.Weak)); err != nil {
			return err
		}
		if _, err := w.Write(b.Strong); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSignature reads what Encode wrote.
func DecodeSignature(r io.Reader, v proto.Version, strongType hash.Type, seed uint32) (*Signature, error) {
	sig := &Signature{StrongType: strongType, Seed: seed}
	if err := sig.Head.Decode(r, v); err != nil {
		return nil, err
	}
	for i := int32(0); i < sig.Head.ChecksumCount; i++ {
		weak, err := proto.ReadInt(r)
		if err != nil {
			return nil, err
		}
		strong := make([]byte, sig.Head.ChecksumLength)
		if _, err := io.ReadFull(r, strong); err != nil {
			return nil, err
		}
		sig.Blocks = append(sig.Blocks, BlockSum{Weak: uint32(weak), Strong: strong})
	}
	return sig, nil
}
