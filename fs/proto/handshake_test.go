package proto

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// duplex is an in-memory ReadWriter with independent directions.
type duplex struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (d *duplex) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.out.Write(p) }

func versionWord(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestBinaryHandshakeNewest(t *testing.T) {
	d := &duplex{in: bytes.NewBuffer(versionWord(int32(NewestVersion))), out: &bytes.Buffer{}}
	h, err := BinaryHandshake(d, 0)
	require.NoError(t, err)
	assert.Equal(t, NewestVersion, h.Version)
	assert.False(t, h.RemoteClamped)
	assert.False(t, h.LocalCapped)
	assert.Equal(t, versionWord(int32(NewestVersion)), d.out.Bytes())
}

func TestBinaryHandshakeRemoteOlder(t *testing.T) {
	d := &duplex{in: bytes.NewBuffer(versionWord(29)), out: &bytes.Buffer{}}
	h, err := BinaryHandshake(d, 0)
	require.NoError(t, err)
	assert.Equal(t, V29, h.Version)
	assert.Equal(t, int32(29), h.RemoteAdvertised)
	assert.False(t, h.RemoteClamped)
}

func TestBinaryHandshakeFutureVersionClamped(t *testing.T) {
	adv := int32(NewestVersion) + versionTolerance
	d := &duplex{in: bytes.NewBuffer(versionWord(adv)), out: &bytes.Buffer{}}
	h, err := BinaryHandshake(d, 0)
	require.NoError(t, err)
	assert.Equal(t, NewestVersion, h.Version)
	assert.True(t, h.RemoteClamped)
	assert.Equal(t, adv, h.RemoteAdvertised)
}

func TestBinaryHandshakeTooOld(t *testing.T) {
	d := &duplex{in: bytes.NewBuffer(versionWord(27)), out: &bytes.Buffer{}}
	_, err := BinaryHandshake(d, 0)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestBinaryHandshakeBeyondTolerance(t *testing.T) {
	adv := int32(NewestVersion) + versionTolerance + 1
	d := &duplex{in: bytes.NewBuffer(versionWord(adv)), out: &bytes.Buffer{}}
	_, err := BinaryHandshake(d, 0)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestBinaryHandshakeLocalCap(t *testing.T) {
	d := &duplex{in: bytes.NewBuffer(versionWord(int32(NewestVersion))), out: &bytes.Buffer{}}
	h, err := BinaryHandshake(d, V30)
	require.NoError(t, err)
	assert.Equal(t, V30, h.Version)
	assert.True(t, h.LocalCapped)
	assert.Equal(t, versionWord(30), d.out.Bytes())
}

func TestParseLegacyGreeting(t *testing.T) {
	major, minor, err := ParseLegacyGreeting("@RSYNCD: 31.0\n")
	require.NoError(t, err)
	assert.Equal(t, int32(31), major)
	assert.Equal(t, int32(0), minor)

	major, minor, err = ParseLegacyGreeting("@RSYNCD: 28\n")
	require.NoError(t, err)
	assert.Equal(t, int32(28), major)
	assert.Equal(t, int32(0), minor)

	_, _, err = ParseLegacyGreeting("@RSYNC: 31\n")
	assert.ErrorIs(t, err, ErrMalformedGreeting)

	_, _, err = ParseLegacyGreeting("@RSYNCD: banana\n")
	assert.ErrorIs(t, err, ErrMalformedGreeting)
}

func TestLegacyHandshake(t *testing.T) {
	d := &duplex{in: bytes.NewBufferString("@RSYNCD: 29.0\nextra"), out: &bytes.Buffer{}}
	h, err := LegacyHandshake(d, 0)
	require.NoError(t, err)
	assert.Equal(t, V29, h.Version)
	assert.Equal(t, "@RSYNCD: 29.0\n", d.out.String())

	// The handshake must not consume bytes past its line.
	rest, err := io.ReadAll(d.in)
	require.NoError(t, err)
	assert.Equal(t, "extra", string(rest))
}

func TestReadLineBounded(t *testing.T) {
	long := bytes.Repeat([]byte{'a'}, maxLineLength+1)
	_, err := ReadLine(bytes.NewBuffer(long))
	assert.ErrorIs(t, err, ErrMalformedGreeting)
}
