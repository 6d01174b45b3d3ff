package delta

import (
	"io"

	"github.com/ocrsync/ocrsync/fs/hash"
)

// maxLiteralRun bounds how much literal data accumulates before being
// flushed as one token, amortising the per-token framing.
const maxLiteralRun = 32 * 1024

// Output receives the match/literal decisions of the scanner.
type Output interface {
	// Literal sends bytes that have no counterpart in the basis.
	Literal(p []byte) error
	// Match references run consecutive basis blocks starting at index.
	Match(index, run int32) error
}

// Stats counts what the scanner produced.
type Stats struct {
	MatchedBytes  int64
	LiteralBytes  int64
	MatchedBlocks int64
}

// blockTable indexes block signatures by weak checksum for O(1) probes
// while the window slides.
type blockTable struct {
	byWeak map[uint32][]int32
	sig    *Signature
}

func newBlockTable(sig *Signature) *blockTable {
	t := &blockTable{byWeak: make(map[uint32][]int32, len(sig.Blocks)), sig: sig}
	for i := range sig.Blocks {
		w := sig.Blocks[i].Weak
		t.byWeak[w] = append(t.byWeak[w], int32(i))
	}
	return t
}

// probe returns the index of a basis block matching the window, or -1.
// The weak hit is verified with the strong digest before it counts.
func (t *blockTable) probe(weak uint32, window []byte) int32 {
	candidates, ok := t.byWeak[weak]
	if !ok {
		return -1
	}
	var strong []byte
	for _, idx := range candidates {
		if int(t.sig.Head.BlockLen(idx)) != len(window) {
			continue
		}
		if strong == nil {
			full := hash.Sum(t.sig.StrongType, t.sig.Seed, window)
			strong = full[:t.sig.Head.ChecksumLength]
		}
		if bytesEqual(strong, t.sig.Blocks[idx].Strong) {
			return idx
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Match scans src against the signature, emitting literals and block
// references so the receiver can rebuild src from its basis plus the
// literal bytes. Consecutive block hits coalesce into runs.
func Match(src io.Reader, sig *Signature, out Output) (Stats, error) {
	var stats Stats
	blockLen := int(sig.Head.BlockLength)
	if sig.Head.ChecksumCount == 0 || blockLen == 0 {
		return matchWhole(src, out)
	}
	table := newBlockTable(sig)

	// The working buffer holds the unmatched tail: at most a pending
	// literal run plus one full window.
	buf := make([]byte, 0, maxLiteralRun+2*blockLen)
	lit := 0 // start of the pending literal run
	w := 0   // window start
	eof := false

	var runStart, runLen int32 = -1, 0
	flushRun := func() error {
		if runLen == 0 {
			return nil
		}
		err := out.Match(runStart, runLen)
		runStart, runLen = -1, 0
		return err
	}
	emitLiteral := func(upTo int) error {
		for lit < upTo {
			n := upTo - lit
			if n > maxLiteralRun {
				n = maxLiteralRun
			}
			if err := flushRun(); err != nil {
				return err
			}
			if err := out.Literal(buf[lit : lit+n]); err != nil {
				return err
			}
			stats.LiteralBytes += int64(n)
			lit += n
		}
		return nil
	}

	var roll hash.Rolling
	haveRoll := false

	for {
		// Refill so a full window plus one lookahead byte follows w,
		// compacting consumed bytes.
		if w+blockLen+1 > len(buf) && !eof {
			if lit > 0 {
				buf = append(buf[:0], buf[lit:]...)
				w -= lit
				lit = 0
			}
			for len(buf) < w+blockLen+1 {
				chunk := make([]byte, 64*1024)
				n, err := src.Read(chunk)
				if n > 0 {
					buf = append(buf, chunk[:n]...)
				}
				if err == io.EOF {
					eof = true
					break
				}
				if err != nil {
					return stats, err
				}
			}
		}
		remaining := len(buf) - w
		if remaining == 0 {
			break
		}
		window := blockLen
		if remaining < blockLen {
			if !eof {
				continue
			}
			// Tail: only the remainder block can match a short window.
			window = remaining
			idx := int32(-1)
			if sig.Head.RemainderLength == int32(remaining) {
				idx = table.probe(hash.RollingSum32(buf[w:]), buf[w:])
				if idx != sig.Head.ChecksumCount-1 {
					idx = -1
				}
			}
			if idx >= 0 {
				if err := emitLiteral(w); err != nil {
					return stats, err
				}
				if runLen > 0 && runStart+runLen == idx {
					runLen++
				} else {
					if err := flushRun(); err != nil {
						return stats, err
					}
					runStart, runLen = idx, 1
				}
				stats.MatchedBytes += int64(window)
				stats.MatchedBlocks++
				w += window
				lit = w
			}
			break
		}

		if !haveRoll {
			roll = hash.RollingFromBytes(buf[w : w+blockLen])
			haveRoll = true
		}
		idx := table.probe(roll.Sum32(), buf[w:w+blockLen])
		if idx >= 0 {
			if err := emitLiteral(w); err != nil {
				return stats, err
			}
			if runLen > 0 && runStart+runLen == idx {
				runLen++
			} else {
				if err := flushRun(); err != nil {
					return stats, err
				}
				runStart, runLen = idx, 1
			}
			stats.MatchedBytes += int64(blockLen)
			stats.MatchedBlocks++
			w += blockLen
			lit = w
			haveRoll = false
			continue
		}

		// No hit: the window byte at w becomes literal backlog. At end
		// of input there is no byte to roll in, so the window shrinks
		// towards the tail case instead.
		if w+blockLen < len(buf) {
			roll.Roll(buf[w+blockLen], buf[w], blockLen)
			w++
		} else {
			w++
			haveRoll = false
		}
		if w-lit >= maxLiteralRun {
			if err := emitLiteral(w); err != nil {
				return stats, err
			}
		}
	}

	if err := emitLiteral(len(buf)); err != nil {
		return stats, err
	}
	return stats, flushRun()
}

// matchWhole streams src entirely as literals, the no-basis and
// whole-file path.
func matchWhole(src io.Reader, out Output) (Stats, error) {
	var stats Stats
	buf := make([]byte, maxLiteralRun)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if err := out.Literal(buf[:n]); err != nil {
				return stats, err
			}
			stats.LiteralBytes += int64(n)
		}
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
	}
}
