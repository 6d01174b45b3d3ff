package asyncreader

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/ocrsync/ocrsync/lib/readers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patternBytes(t *testing.T, n int64) []byte {
	t.Helper()
	p, err := io.ReadAll(readers.NewPatternReader(n))
	require.NoError(t, err)
	return p
}

// collect drains the reader and concatenates every block.
func collect(t *testing.T, a *AsyncReader) []byte {
	t.Helper()
	var out []byte
	for {
		b, err := a.NextBlock()
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b...)
	}
}

func TestSmallInputIsSynchronous(t *testing.T) {
	data := patternBytes(t, 1000)
	a, err := New(bytes.NewReader(data), Options{}, int64(len(data)))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.False(t, a.IsPipelined())
	assert.Equal(t, data, collect(t, a))
}

func TestLargeInputIsPipelined(t *testing.T) {
	data := patternBytes(t, DefaultMinPipelineSize+12345)
	a, err := New(bytes.NewReader(data), Options{}, int64(len(data)))
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.True(t, a.IsPipelined())
	assert.Equal(t, data, collect(t, a))
}

func TestUnknownSizePipelines(t *testing.T) {
	data := patternBytes(t, 100)
	a, err := New(bytes.NewReader(data), Options{}, -1)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.True(t, a.IsPipelined())
	assert.Equal(t, data, collect(t, a))
}

func TestBlockBoundaries(t *testing.T) {
	// 2.5 blocks with a small block size to exercise the tail.
	a, err := New(bytes.NewReader(patternBytes(t, 80)), Options{BlockSize: 32, MinPipelineSize: -1}, 80)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	var sizes []int
	for {
		b, err := a.NextBlock()
		require.NoError(t, err)
		if b == nil {
			break
		}
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{32, 32, 16}, sizes)
}

func TestExactMultipleOfBlockSize(t *testing.T) {
	data := patternBytes(t, 128)
	a, err := New(bytes.NewReader(data), Options{BlockSize: 32, MinPipelineSize: 64}, 128)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.True(t, a.IsPipelined())
	assert.Equal(t, data, collect(t, a))
}

func TestErrorDeliveredOnceThenEOF(t *testing.T) {
	boom := errors.New("disk on fire")
	in := io.MultiReader(bytes.NewReader(patternBytes(t, 64)), readers.ErrorReader{Err: boom})
	a, err := New(in, Options{BlockSize: 32, MinPipelineSize: 32}, -1)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	var got []byte
	var readErr error
	for {
		b, err := a.NextBlock()
		if err != nil {
			readErr = err
			break
		}
		if b == nil {
			break
		}
		got = append(got, b...)
	}
	assert.Equal(t, boom, readErr)

	// After the error the stream reads as ended.
	b, err := a.NextBlock()
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.LessOrEqual(t, len(got), 64)
}

func TestCloseWithoutDraining(t *testing.T) {
	data := patternBytes(t, DefaultMinPipelineSize*2)
	a, err := New(bytes.NewReader(data), Options{}, int64(len(data)))
	require.NoError(t, err)

	b, err := a.NextBlock()
	require.NoError(t, err)
	require.NotNil(t, b)

	require.NoError(t, a.Close())
	_, err = a.NextBlock()
	assert.Equal(t, ErrClosed, err)

	// Double close is fine.
	require.NoError(t, a.Close())
}

func TestEmptyInput(t *testing.T) {
	a, err := New(bytes.NewReader(nil), Options{}, -1)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	b, err := a.NextBlock()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestNilReader(t *testing.T) {
	_, err := New(nil, Options{}, 0)
	require.Error(t, err)
}
