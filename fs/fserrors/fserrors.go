// Package fserrors provides error handling utilities for the engine:
// classifying which failures are fatal to a session, which poison the
// transport, and which are confined to a single entry.
package fserrors

import (
	"errors"
	"io"
	"syscall"
)

// Fataler is an optional interface for error as to whether the
// operation should be aborted.
type Fataler interface {
	Fatal() bool
}

type fatalError struct {
	error
}

func (err fatalError) Fatal() bool {
	return true
}

func (err fatalError) Unwrap() error {
	return err.error
}

// FatalError makes an error which indicates the session should stop.
func FatalError(err error) error {
	return fatalError{err}
}

// IsFatalError returns true if err conforms to the Fataler interface
// and calling the Fatal method returns true anywhere in the error chain.
func IsFatalError(err error) bool {
	for err != nil {
		if f, ok := err.(Fataler); ok && f.Fatal() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Retrier is an optional interface for error as to whether the
// operation should be retried at a high level.
type Retrier interface {
	Retry() bool
}

type retryError struct {
	error
}

func (err retryError) Retry() bool {
	return true
}

func (err retryError) Unwrap() error {
	return err.error
}

// RetryError makes an error which indicates it would be worth retrying
// the operation that produced it.
func RetryError(err error) error {
	if err == nil {
		err = errors.New("needs retry")
	}
	return retryError{err}
}

// IsRetryError returns true if err conforms to the Retrier interface
// and calling the Retry method returns true anywhere in the error chain.
func IsRetryError(err error) bool {
	for err != nil {
		if r, ok := err.(Retrier); ok && r.Retry() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// transportErrnos are the errnos which mean the peer connection is dead
// rather than a single operation having failed.
var transportErrnos = []syscall.Errno{
	syscall.EPIPE,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ESHUTDOWN,
	syscall.ENOTCONN,
}

// IsTransportError reports whether err indicates the byte channel to the
// peer is broken. Such errors abort the session: every later read or
// write would fail the same way.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	for _, errno := range transportErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Count counts an error, dropping nils. It is a tiny helper for the
// per-entry accounting loops in the copy engine.
type Count struct {
	n    int
	last error
}

// Add records err if non-nil.
func (c *Count) Add(err error) {
	if err == nil {
		return
	}
	c.n++
	c.last = err
}

// Errors returns how many errors were recorded.
func (c *Count) Errors() int {
	return c.n
}

// Err returns the last error recorded, or nil.
func (c *Count) Err() error {
	return c.last
}
