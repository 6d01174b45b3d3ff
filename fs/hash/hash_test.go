package hash_test

import (
	"io"
	"testing"

	"github.com/ocrsync/ocrsync/fs/hash"
	"github.com/ocrsync/ocrsync/lib/readers"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Check it satisfies the interface
var _ pflag.Value = (*hash.Type)(nil)

var allTypes = []hash.Type{hash.MD4, hash.MD5, hash.XXH64, hash.SHA1, hash.SHA256}

func testData(t *testing.T, n int64) []byte {
	t.Helper()
	p, err := io.ReadAll(readers.NewPatternReader(n))
	require.NoError(t, err)
	return p
}

func TestSumMatchesIncrementalForAnyPartition(t *testing.T) {
	data := testData(t, 1000)
	partitions := [][]int{
		{},
		{0},
		{500},
		{1, 2, 3},
		{999},
		{0, 0, 1000},
		{100, 100, 100, 100},
	}
	for _, typ := range allTypes {
		for _, seed := range []uint32{0, 0xDEADBEEF} {
			want := hash.Sum(typ, seed, data)
			assert.Len(t, want, typ.Size())
			for _, cuts := range partitions {
				h := hash.New(typ, seed)
				rest := data
				for _, n := range cuts {
					if n > len(rest) {
						n = len(rest)
					}
					_, _ = h.Write(rest[:n])
					rest = rest[n:]
				}
				_, _ = h.Write(rest)
				assert.Equal(t, want, h.Sum(nil), "%v seed %#x cuts %v", typ, seed, cuts)
			}
		}
	}
}

func TestSumSeedChangesDigest(t *testing.T) {
	data := testData(t, 64)
	for _, typ := range allTypes {
		assert.NotEqual(t, hash.Sum(typ, 1, data), hash.Sum(typ, 2, data), "%v", typ)
	}
}

func TestTypeSetString(t *testing.T) {
	var typ hash.Type
	for _, name := range []string{"md4", "md5", "xxh64", "sha1", "sha256", "none"} {
		require.NoError(t, typ.Set(name))
		assert.Equal(t, name, typ.String())
	}
	assert.Error(t, typ.Set("whirlpool"))
}

func TestForProtocol(t *testing.T) {
	assert.Equal(t, hash.MD4, hash.ForProtocol(28))
	assert.Equal(t, hash.MD4, hash.ForProtocol(29))
	assert.Equal(t, hash.MD5, hash.ForProtocol(30))
	assert.Equal(t, hash.MD5, hash.ForProtocol(32))
}

func TestRollingMatchesRecompute(t *testing.T) {
	data := testData(t, 4096)
	const window = 256

	r := hash.RollingFromBytes(data[:window])
	for i := 0; i+window < len(data); i++ {
		r.Roll(data[i+window], data[i], window)
		want := hash.RollingSum32(data[i+1 : i+1+window])
		require.Equal(t, want, r.Sum32(), "offset %d", i+1)
	}
}

func TestRollingEmptyWindow(t *testing.T) {
	assert.Equal(t, uint32(0), hash.RollingSum32(nil))
}
