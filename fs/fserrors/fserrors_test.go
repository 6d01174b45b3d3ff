package fserrors

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalError(t *testing.T) {
	base := errors.New("boom")
	assert.False(t, IsFatalError(base))
	assert.True(t, IsFatalError(FatalError(base)))

	wrapped := fmt.Errorf("context: %w", FatalError(base))
	assert.True(t, IsFatalError(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestRetryError(t *testing.T) {
	base := errors.New("flaky")
	assert.False(t, IsRetryError(base))
	assert.True(t, IsRetryError(RetryError(base)))
	assert.True(t, IsRetryError(fmt.Errorf("outer: %w", RetryError(base))))
	assert.Error(t, RetryError(nil))
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, IsTransportError(nil))
	assert.False(t, IsTransportError(errors.New("ordinary")))
	assert.False(t, IsTransportError(io.EOF))
	assert.True(t, IsTransportError(io.ErrUnexpectedEOF))
	assert.True(t, IsTransportError(io.ErrClosedPipe))
	assert.True(t, IsTransportError(syscall.EPIPE))
	assert.True(t, IsTransportError(fmt.Errorf("write: %w", syscall.ECONNRESET)))
	assert.False(t, IsTransportError(syscall.ENOENT))
}

func TestCount(t *testing.T) {
	var c Count
	c.Add(nil)
	assert.Equal(t, 0, c.Errors())
	assert.NoError(t, c.Err())

	first := errors.New("first")
	second := errors.New("second")
	c.Add(first)
	c.Add(nil)
	c.Add(second)
	assert.Equal(t, 2, c.Errors())
	assert.Equal(t, second, c.Err())
}
