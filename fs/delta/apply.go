package delta

import (
	"errors"
	"fmt"
	"io"

	"github.com/ocrsync/ocrsync/fs/hash"
)

// ErrChecksumMismatch is returned when the reconstructed file's strong
// digest disagrees with the sender's. The file on disk must not be
// kept.
var ErrChecksumMismatch = errors.New("whole file checksum mismatch")

// Apply consumes the token stream, copying matched blocks out of basis
// and literal runs off the wire into dst, then verifies the whole file
// digest the sender appended. basis may be nil when the head promises
// no blocks.
func Apply(dst io.Writer, basis io.ReaderAt, sig *Signature, tokens *TokenReader) (Stats, error) {
	var stats Stats
	whole := hash.New(sig.StrongType, sig.Seed)
	out := io.MultiWriter(dst, whole)
	blockBuf := make([]byte, sig.Head.BlockLength)

	for {
		tok, err := tokens.Next()
		if err != nil {
			return stats, err
		}
		switch tok.Kind {
		case TokenLiteral:
			if _, err := out.Write(tok.Data); err != nil {
				return stats, err
			}
			stats.LiteralBytes += int64(len(tok.Data))
		case TokenMatch:
			if tok.Index < 0 || tok.Index >= sig.Head.ChecksumCount {
				return stats, fmt.Errorf("match references block %d of %d", tok.Index, sig.Head.ChecksumCount)
			}
			if basis == nil {
				return stats, errors.New("match token but no basis file")
			}
			n := sig.Head.BlockLen(tok.Index)
			off := int64(tok.Index) * int64(sig.Head.BlockLength)
			if _, err := basis.ReadAt(blockBuf[:n], off); err != nil {
				return stats, fmt.Errorf("read basis block %d: %w", tok.Index, err)
			}
			if _, err := out.Write(blockBuf[:n]); err != nil {
				return stats, err
			}
			stats.MatchedBytes += int64(n)
			stats.MatchedBlocks++
		case TokenEnd:
			want, err := tokens.ReadFileSum(sig.StrongType.Size())
			if err != nil {
				return stats, err
			}
			got := whole.Sum(nil)
			if !bytesEqual(got, want) {
				return stats, fmt.Errorf("got %x, sender sent %x: %w", got, want, ErrChecksumMismatch)
			}
			return stats, nil
		}
	}
}
