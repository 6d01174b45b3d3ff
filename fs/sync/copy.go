package sync

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ocrsync/ocrsync/fs"
	"github.com/ocrsync/ocrsync/fs/delta"
	"github.com/ocrsync/ocrsync/fs/hash"
	"github.com/ocrsync/ocrsync/fs/proto"
)

// localApply realises the scanner's decisions straight onto the
// destination writer, copying matched blocks out of the basis. It is
// the local fast path: same decisions as the wire token stream, no
// framing in between.
type localApply struct {
	dst    io.Writer
	sum    io.Writer // hashes everything, holes included
	seeker io.Seeker // non-nil enables sparse holes
	basis  io.ReaderAt
	head   delta.SumHead
	buf    []byte
	// sparseTail counts zero bytes skipped but not yet materialised.
	sparseTail int64
	stats      *delta.Stats
}

func (a *localApply) writeChunk(p []byte) error {
	if _, err := a.sum.Write(p); err != nil {
		return err
	}
	if a.seeker != nil && isZeroes(p) {
		if _, err := a.seeker.Seek(int64(len(p)), io.SeekCurrent); err == nil {
			a.sparseTail += int64(len(p))
			return nil
		}
	}
	if _, err := a.dst.Write(p); err != nil {
		return err
	}
	a.sparseTail = 0
	return nil
}

func (a *localApply) Literal(p []byte) error {
	a.stats.LiteralBytes += int64(len(p))
	return a.writeChunk(p)
}

func (a *localApply) Match(index, run int32) error {
	for i := int32(0); i < run; i++ {
		n := a.head.BlockLen(index + i)
		off := int64(index+i) * int64(a.head.BlockLength)
		if _, err := a.basis.ReadAt(a.buf[:n], off); err != nil {
			return fmt.Errorf("read basis block %d: %w", index+i, err)
		}
		a.stats.MatchedBytes += int64(n)
		a.stats.MatchedBlocks++
		if err := a.writeChunk(a.buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

func isZeroes(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return len(p) > 0
}

// copyFile transfers one regular file from src to dst using the delta
// algorithm against basisPath (empty means no basis: whole file). The
// write goes through a write guard unless inplace is on. Returns the
// scanner stats for accounting.
func (s *syncRun) copyFile(src, dst, basisPath string, size int64) (delta.Stats, error) {
	var stats delta.Stats

	in, err := os.Open(src)
	if err != nil {
		return stats, err
	}
	defer func() { _ = in.Close() }()

	var basis *os.File
	var sig *delta.Signature
	useDelta := basisPath != "" && !s.opt.WholeFile && !s.opt.Inplace
	if useDelta {
		basis, err = os.Open(basisPath)
		if err != nil {
			useDelta = false
		} else {
			defer func() { _ = basis.Close() }()
			bi, err := basis.Stat()
			if err != nil {
				return stats, err
			}
			head := delta.SumSizes(bi.Size(), proto.NewestVersion, s.opt.BlockSize)
			sig, err = delta.GenerateSignature(basis, bi.Size(), head, s.checksumType(), s.seed)
			if err != nil {
				return stats, err
			}
		}
	}

	var out io.Writer
	var guard *WriteGuard
	var inplaceFile *os.File
	if s.opt.Inplace {
		inplaceFile, err = os.OpenFile(dst, os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			return stats, err
		}
		out = inplaceFile
	} else {
		guard, err = NewWriteGuard(dst, GuardOptions{
			TempDir:    s.opt.TempDir,
			Partial:    s.opt.Partial,
			PartialDir: s.opt.PartialDir,
		})
		if err != nil {
			return stats, err
		}
		defer guard.Discard()
		if s.opt.Preallocate {
			if err := preAllocate(size, guard.File()); err != nil {
				fs.Debugf(nil, "preallocate %q: %v", dst, err)
			}
		}
		out = guard
	}

	// The whole file digest is computed on both ends of the local
	// pipeline: over the source as it is scanned and over the bytes
	// that actually landed, so a torn read or write cannot go
	// unnoticed.
	srcSum := hash.New(s.checksumType(), s.seed)
	dstSum := hash.New(s.checksumType(), s.seed)

	apply := &localApply{
		dst:   out,
		sum:   dstSum,
		stats: &stats,
	}
	if s.opt.Sparse && guard != nil {
		apply.seeker = guard.File()
		apply.dst = guard.File()
	}
	if useDelta {
		apply.basis = basis
		apply.head = sig.Head
		apply.buf = make([]byte, sig.Head.BlockLength)
		_, err = delta.Match(io.TeeReader(in, srcSum), sig, apply)
	} else {
		empty := &delta.Signature{StrongType: s.checksumType(), Seed: s.seed}
		_, err = delta.Match(io.TeeReader(in, srcSum), empty, apply)
	}
	if err != nil {
		if inplaceFile != nil {
			_ = inplaceFile.Close()
		}
		return stats, err
	}

	if !bytes.Equal(srcSum.Sum(nil), dstSum.Sum(nil)) {
		if inplaceFile != nil {
			_ = inplaceFile.Close()
		}
		return stats, fmt.Errorf("%q: %w", dst, delta.ErrChecksumMismatch)
	}

	if inplaceFile != nil {
		if err := inplaceFile.Truncate(stats.LiteralBytes + stats.MatchedBytes); err != nil {
			_ = inplaceFile.Close()
			return stats, err
		}
		return stats, inplaceFile.Close()
	}
	if apply.sparseTail > 0 {
		// A trailing hole needs an explicit truncate to take effect.
		if err := guard.File().Truncate(stats.LiteralBytes + stats.MatchedBytes); err != nil {
			return stats, err
		}
	}
	return stats, guard.Commit()
}

func (s *syncRun) checksumType() hash.Type {
	if s.opt.ChecksumType != hash.None {
		return s.opt.ChecksumType
	}
	return hash.MD5
}

// filesIdentical compares two files by strong digest, the --checksum
// comparison.
func (s *syncRun) filesIdentical(a, b string) (bool, error) {
	da, err := fileDigest(s.checksumType(), a)
	if err != nil {
		return false, err
	}
	db, err := fileDigest(s.checksumType(), b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}

func fileDigest(t hash.Type, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := hash.New(t, 0)
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
