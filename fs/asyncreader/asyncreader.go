// Package asyncreader overlaps reading a file with computing over it.
//
// An AsyncReader hands out fixed size blocks. For inputs worth the
// setup cost it pre-reads the first block, then keeps exactly one
// background read in flight ahead of the consumer through a bounded
// channel, so checksumming block N overlaps reading block N+1. Small
// inputs are served synchronously with no goroutine at all.
package asyncreader

import (
	"errors"
	"io"
	"sync"
)

// Default sizing. Blocks of 64 KiB keep the double buffer small while
// amortising syscalls; files under 256 KiB are not worth a goroutine.
const (
	DefaultBlockSize       = 64 * 1024
	DefaultMinPipelineSize = 256 * 1024
)

// ErrClosed is returned when NextBlock is called after Close.
var ErrClosed = errors.New("async reader already closed")

// Options configures an AsyncReader.
type Options struct {
	// BlockSize is the size of each block handed to the consumer.
	BlockSize int
	// MinPipelineSize is the smallest size hint for which the
	// background reader is started. A zero value means the default;
	// a negative value disables pipelining entirely.
	MinPipelineSize int
}

func (o *Options) setDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.MinPipelineSize == 0 {
		o.MinPipelineSize = DefaultMinPipelineSize
	}
}

// block is what the worker hands to the consumer. A block carries data
// or a terminal error, never both.
type block struct {
	data []byte
	err  error
}

// AsyncReader reads a byte source block by block, optionally one block
// ahead of its consumer.
type AsyncReader struct {
	opt       Options
	pipelined bool
	closed    bool

	// synchronous mode
	src  io.Reader
	buf  []byte
	done bool

	// pipelined mode
	blocks chan block
	free   chan []byte
	quit   chan struct{}
	wg     sync.WaitGroup
	held   []byte // buffer loaned to the consumer by the last NextBlock
}

// New returns an AsyncReader over in. sizeHint is the expected input
// length when known, or a negative value when it is not; inputs known
// to be below the pipeline threshold skip the background worker.
func New(in io.Reader, opt Options, sizeHint int64) (*AsyncReader, error) {
	if in == nil {
		return nil, errors.New("nil reader supplied")
	}
	opt.setDefaults()
	a := &AsyncReader{opt: opt, src: in}
	pipeline := opt.MinPipelineSize > 0 &&
		(sizeHint < 0 || sizeHint >= int64(opt.MinPipelineSize))
	if !pipeline {
		a.buf = make([]byte, opt.BlockSize)
		return a, nil
	}
	a.pipelined = true
	a.blocks = make(chan block, 1)
	a.quit = make(chan struct{})
	a.free = make(chan []byte, 2)
	a.free <- make([]byte, opt.BlockSize)
	a.free <- make([]byte, opt.BlockSize)

	// First block is read synchronously so a consumer that bails out
	// early never pays for the goroutine handoff.
	first := <-a.free
	n, err := readFull(in, first)
	switch {
	case err != nil:
		a.blocks <- block{err: err}
		close(a.blocks)
	case n < len(first):
		// Input ended inside the first block.
		if n > 0 {
			a.blocks <- block{data: first[:n]}
		}
		close(a.blocks)
	default:
		a.blocks <- block{data: first}
		a.wg.Add(1)
		go a.reader()
	}
	return a, nil
}

// readFull reads until buf is full or the source is exhausted. io.EOF
// is folded into a short count.
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// reader is the single background worker: it fills buffers from the
// free list and pushes them through the bounded channel in file order.
func (a *AsyncReader) reader() {
	defer a.wg.Done()
	defer close(a.blocks)
	for {
		var buf []byte
		select {
		case <-a.quit:
			return
		case buf = <-a.free:
		}
		n, err := readFull(a.src, buf[:cap(buf)])
		if err != nil {
			select {
			case a.blocks <- block{err: err}:
			case <-a.quit:
			}
			return
		}
		if n == 0 {
			return
		}
		select {
		case a.blocks <- block{data: buf[:n]}:
		case <-a.quit:
			return
		}
		if n < cap(buf) {
			return
		}
	}
}

// IsPipelined reports whether a background worker is reading ahead.
func (a *AsyncReader) IsPipelined() bool {
	return a.pipelined
}

// BlockSize returns the configured block size.
func (a *AsyncReader) BlockSize() int {
	return a.opt.BlockSize
}

// NextBlock returns the next block of input, valid until the following
// call. It returns (nil, nil) at end of input and the read error once,
// after which further calls return (nil, nil).
func (a *AsyncReader) NextBlock() ([]byte, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if !a.pipelined {
		if a.done {
			return nil, nil
		}
		n, err := readFull(a.src, a.buf)
		if err != nil {
			a.done = true
			return nil, err
		}
		if n == 0 {
			a.done = true
			return nil, nil
		}
		if n < len(a.buf) {
			a.done = true
		}
		return a.buf[:n], nil
	}
	// Return the previously loaned buffer before taking another.
	if a.held != nil {
		a.free <- a.held
		a.held = nil
	}
	b, ok := <-a.blocks
	if !ok || b.err != nil {
		return nil, b.err
	}
	a.held = b.data[:cap(b.data)]
	return b.data, nil
}

// Close tells the worker to stop and waits for it to exit. Errors the
// worker had not yet delivered are discarded, matching the treatment
// of an abandoned transfer.
func (a *AsyncReader) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if !a.pipelined {
		return nil
	}
	close(a.quit)
	// Drain so a worker blocked on the handoff can observe quit.
	for range a.blocks {
	}
	a.wg.Wait()
	return nil
}
