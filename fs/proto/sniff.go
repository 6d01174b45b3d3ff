package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ocrsync/ocrsync/lib/readers"
)

// Decision is the outcome of sniffing the negotiation prologue.
type Decision byte

// Possible sniff outcomes.
const (
	// NeedMoreData means the bytes seen so far are consistent with more
	// than one style and the caller should read further.
	NeedMoreData Decision = iota
	// Binary means the peer opened with a big-endian version word.
	Binary
	// LegacyAscii means the peer opened with the @RSYNCD: greeting.
	LegacyAscii
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Binary:
		return "binary"
	case LegacyAscii:
		return "legacy-ascii"
	}
	return "need-more-data"
}

// legacyPrefix is the opening of the legacy daemon greeting.
var legacyPrefix = []byte("@RSYNCD:")

// sniffMax is how many bytes the sniffer will buffer before deciding.
const sniffMax = 8

// ErrInvalidPrologue is returned when the first bytes from the peer
// match neither negotiation style.
var ErrInvalidPrologue = errors.New("peer sent neither a binary handshake nor an @RSYNCD greeting")

// SniffPrefix classifies a buffered prefix without consuming anything.
//
// A prefix of @RSYNCD: (possibly incomplete) is legacy ASCII. Four bytes
// that decode as a big-endian u32 of at least the oldest supported
// version are binary. Anything else is invalid.
func SniffPrefix(prefix []byte) (Decision, error) {
	if len(prefix) == 0 {
		return NeedMoreData, nil
	}
	n := len(prefix)
	if n > len(legacyPrefix) {
		n = len(legacyPrefix)
	}
	if bytes.Equal(prefix[:n], legacyPrefix[:n]) {
		if len(prefix) >= len(legacyPrefix) {
			return LegacyAscii, nil
		}
		// '@' alone could still become @RSYNCD: only.
		return NeedMoreData, nil
	}
	if prefix[0] == '@' {
		return 0, fmt.Errorf("prefix %q: %w", prefix, ErrInvalidPrologue)
	}
	if len(prefix) < 4 {
		return NeedMoreData, nil
	}
	word := uint32(prefix[0])<<24 | uint32(prefix[1])<<16 | uint32(prefix[2])<<8 | uint32(prefix[3])
	if word < uint32(OldestVersion) {
		return 0, fmt.Errorf("version word %d: %w", word, ErrInvalidPrologue)
	}
	return Binary, nil
}

// SniffResult is a decided negotiation style plus the stream rewound so
// the consumed bytes replay on the next read.
type SniffResult struct {
	Decision Decision
	// Stream replays the sniffed prefix before the transport.
	Stream *readers.ReplayReader
	// SniffedPrefixLen is how many bytes were consumed deciding.
	SniffedPrefixLen int
}

// Sniff reads just enough of the transport to classify the negotiation
// style and returns a replayable stream positioned at the start.
func Sniff(in io.Reader) (*SniffResult, error) {
	buf := make([]byte, 0, sniffMax)
	one := make([]byte, 1)
	for {
		d, err := SniffPrefix(buf)
		if err != nil {
			return nil, err
		}
		if d != NeedMoreData {
			return &SniffResult{
				Decision:         d,
				Stream:           readers.NewReplayReader(in, buf),
				SniffedPrefixLen: len(buf),
			}, nil
		}
		if len(buf) == sniffMax {
			break
		}
		if _, err := io.ReadFull(in, one); err != nil {
			return nil, err
		}
		buf = append(buf, one[0])
	}
	return nil, fmt.Errorf("prefix %q: %w", buf, ErrInvalidPrologue)
}
