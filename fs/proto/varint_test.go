package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []int32{
		0, 1, 0x7F, 0x80, 0xFF, 0x100, 0x3FFF, 0x4000,
		0xFFFF, 0x10000, 0x1FFFFF, 0x200000, 0x7FFFFFFF,
	}
	for _, x := range values {
		var buf bytes.Buffer
		require.NoError(t, WriteVarint(&buf, x))
		got, err := ReadVarint(&buf)
		require.NoError(t, err)
		assert.Equal(t, x, got, "value %#x", x)
		assert.Equal(t, 0, buf.Len(), "trailing bytes for %#x", x)
	}
}

func TestVarintSmallValuesAreOneByte(t *testing.T) {
	for x := int32(0); x < 0x80; x++ {
		var buf bytes.Buffer
		require.NoError(t, WriteVarint(&buf, x))
		assert.Equal(t, 1, buf.Len())
		assert.Equal(t, byte(x), buf.Bytes()[0])
	}
}

func TestVarlongRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, 0xFF, 0x100, 0xFFFF, 0x10000, 0xFFFFFF,
		0x1000000, 0xFFFFFFFF, 0x100000000, 0xFFFFFFFFFF,
		1 << 40, 1 << 48, 1 << 55, 1<<62 + 12345,
	}
	for _, minBytes := range []int{3, 4, 5} {
		for _, x := range values {
			var buf bytes.Buffer
			require.NoError(t, WriteVarlong(&buf, x, minBytes))
			got, err := ReadVarlong(&buf, minBytes)
			require.NoError(t, err)
			assert.Equal(t, x, got, "value %#x minBytes %d", x, minBytes)
			assert.Equal(t, 0, buf.Len(), "trailing bytes for %#x minBytes %d", x, minBytes)
		}
	}
}

func TestVarlongMinimumWidth(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVarlong(&buf, 1, 3))
	// Small values still cost the guaranteed bytes: two low bytes plus
	// the prefix.
	assert.Equal(t, 3, buf.Len())
}

func TestLongRoundTrip(t *testing.T) {
	for _, x := range []int64{0, 1, 0x7FFFFFFF, 0x80000000, 1 << 40, -0} {
		var buf bytes.Buffer
		require.NoError(t, WriteLong(&buf, x))
		got, err := ReadLong(&buf)
		require.NoError(t, err)
		assert.Equal(t, x, got)
	}
}

func TestLongSmallValuesAreInt32(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLong(&buf, 42))
	assert.Equal(t, 4, buf.Len())

	buf.Reset()
	require.NoError(t, WriteLong(&buf, 1<<33))
	assert.Equal(t, 12, buf.Len())
}

func TestStringRoundTrip(t *testing.T) {
	for _, v := range []Version{V28, V29, V30, V32} {
		for _, s := range []string{"", "a", "path/to/file.txt", "Grüße"} {
			var buf bytes.Buffer
			require.NoError(t, WriteString(&buf, v, s))
			got, err := ReadString(&buf, v)
			require.NoError(t, err)
			assert.Equal(t, s, got)
		}
	}
}
