// Package readers provides io.Reader helpers used across the engine.
package readers

import (
	"context"
	"io"
)

// ErrorReader wraps an error to return on Read.
type ErrorReader struct {
	Err error
}

// Read always returns the error
func (er ErrorReader) Read(p []byte) (n int, err error) {
	return 0, er.Err
}

// PatternReader returns a reader of length bytes with a pattern in.
//
// The pattern is an ascending sequence of bytes which should be fairly
// easy to find errors in.
func NewPatternReader(length int64) io.Reader {
	return &patternReader{
		length: length,
	}
}

type patternReader struct {
	length int64
	c      byte
}

func (r *patternReader) Read(p []byte) (n int, err error) {
	for i := range p {
		if r.length <= 0 {
			return n, io.EOF
		}
		p[i] = r.c
		r.c = (r.c + 1) % 253
		r.length--
		n++
	}
	return n, nil
}

// ReadFill reads as much data from r into buf as it can
//
// It reads until the buffer is full or r.Read returned an error.
//
// This is io.ReadFull but when you just want as much data as possible,
// not an exact size of block.
func ReadFill(r io.Reader, buf []byte) (n int, err error) {
	var nn int
	for n < len(buf) && err == nil {
		nn, err = r.Read(buf[n:])
		n += nn
	}
	return n, err
}

type noClose struct {
	in io.Reader
}

// Read implements io.Reader by passing the read straight through
func (r noClose) Read(p []byte) (n int, err error) {
	return r.in.Read(p)
}

// NoCloser makes sure that the io.Reader passed in can't be closed by
// wrapping it in a struct without a Close method if necessary.
func NoCloser(in io.Reader) io.Reader {
	if in == nil {
		return in
	}
	// if in doesn't implement io.Closer, just return it
	if _, hasClose := in.(io.Closer); !hasClose {
		return in
	}
	return noClose{in: in}
}

// NewContextReader creates a reader which obeys the context passed in
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{
		ctx: ctx,
		r:   r,
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// Read bytes obeying the context
func (cr *contextReader) Read(p []byte) (n int, err error) {
	err = cr.ctx.Err()
	if err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
