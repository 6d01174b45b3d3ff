package delta

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/ocrsync/ocrsync/fs/proto"
)

// The token stream is a sequence of int32 tokens: a positive value is a
// literal run of that many bytes which follow inline, a negative value
// -(i+1) references basis block i, and zero ends the stream, followed
// by the sender's whole file strong digest.
//
// With compression enabled each literal run is deflated independently
// and travels as (raw length, compressed length, compressed bytes), so
// a mid-file corruption cannot poison later runs.

// TokenWriter emits the sender side of the stream.
type TokenWriter struct {
	w        io.Writer
	version  proto.Version
	compress bool
	level    int
}

// NewTokenWriter returns a TokenWriter. level is the flate level used
// when compress is on; zero means flate.DefaultCompression.
func NewTokenWriter(w io.Writer, v proto.Version, compress bool, level int) *TokenWriter {
	if level == 0 {
		level = flate.DefaultCompression
	}
	return &TokenWriter{w: w, version: v, compress: compress, level: level}
}

func (t *TokenWriter) writeInt(x int32) error {
	if t.version.UsesVarintEncoding() {
		return proto.WriteVarint(t.w, x)
	}
	return proto.WriteInt(t.w, x)
}

// Literal sends a run of literal bytes.
func (t *TokenWriter) Literal(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := t.writeInt(int32(len(p))); err != nil {
		return err
	}
	if !t.compress {
		_, err := t.w.Write(p)
		return err
	}
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, t.level)
	if err != nil {
		return err
	}
	if _, err := fw.Write(p); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	if err := t.writeInt(int32(buf.Len())); err != nil {
		return err
	}
	_, err = t.w.Write(buf.Bytes())
	return err
}

// Match sends a run of consecutive basis block references starting at
// block index, run blocks long.
func (t *TokenWriter) Match(index, run int32) error {
	for i := int32(0); i < run; i++ {
		if err := t.writeInt(-(index + i + 1)); err != nil {
			return err
		}
	}
	return nil
}

// End terminates the stream and appends the whole file digest.
func (t *TokenWriter) End(fileSum []byte) error {
	if err := t.writeInt(0); err != nil {
		return err
	}
	_, err := t.w.Write(fileSum)
	return err
}

// TokenKind tags what a TokenReader produced.
type TokenKind byte

// Token kinds.
const (
	TokenLiteral TokenKind = iota
	TokenMatch
	TokenEnd
)

// Token is one decoded element of the stream.
type Token struct {
	Kind TokenKind
	// Data is the literal payload for TokenLiteral. The slice is owned
	// by the reader and valid until the next call.
	Data []byte
	// Index is the basis block for TokenMatch.
	Index int32
}

// TokenReader decodes the receiver side of the stream.
type TokenReader struct {
	r        io.Reader
	version  proto.Version
	compress bool
	buf      []byte
	cbuf     []byte
}

// NewTokenReader returns a TokenReader matching a writer with the same
// settings.
func NewTokenReader(r io.Reader, v proto.Version, compress bool) *TokenReader {
	return &TokenReader{r: r, version: v, compress: compress}
}

func (t *TokenReader) readInt() (int32, error) {
	if t.version.UsesVarintEncoding() {
		return proto.ReadVarint(t.r)
	}
	return proto.ReadInt(t.r)
}

// Next decodes the next token.
func (t *TokenReader) Next() (Token, error) {
	raw, err := t.readInt()
	if err != nil {
		return Token{}, err
	}
	switch {
	case raw == 0:
		return Token{Kind: TokenEnd}, nil
	case raw < 0:
		return Token{Kind: TokenMatch, Index: -(raw + 1)}, nil
	}
	n := int(raw)
	if cap(t.buf) < n {
		t.buf = make([]byte, n)
	}
	out := t.buf[:n]
	if !t.compress {
		if _, err := io.ReadFull(t.r, out); err != nil {
			return Token{}, err
		}
		return Token{Kind: TokenLiteral, Data: out}, nil
	}
	clen, err := t.readInt()
	if err != nil {
		return Token{}, err
	}
	if clen < 0 {
		return Token{}, fmt.Errorf("negative compressed length %d", clen)
	}
	if cap(t.cbuf) < int(clen) {
		t.cbuf = make([]byte, clen)
	}
	comp := t.cbuf[:clen]
	if _, err := io.ReadFull(t.r, comp); err != nil {
		return Token{}, err
	}
	fr := flate.NewReader(bytes.NewReader(comp))
	if _, err := io.ReadFull(fr, out); err != nil {
		return Token{}, fmt.Errorf("inflate literal run: %w", err)
	}
	if err := fr.Close(); err != nil {
		return Token{}, err
	}
	return Token{Kind: TokenLiteral, Data: out}, nil
}

// ReadFileSum reads the trailing whole file digest of the given size.
func (t *TokenReader) ReadFileSum(size int) ([]byte, error) {
	sum := make([]byte, size)
	if _, err := io.ReadFull(t.r, sum); err != nil {
		return nil, err
	}
	return sum, nil
}
