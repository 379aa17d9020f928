package digest_test

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/fernforge/castore/pkg/digest"
	"github.com/stretchr/testify/require"
)

// TestHashDeterminism covers property 1 from spec.md §8: for any byte
// sequence b, the resulting digest's hash equals SHA-256(b) in lowercase hex
// and its size equals len(b).
func TestHashDeterminism(t *testing.T) {
	for _, b := range [][]byte{{}, []byte("hello"), []byte(strings.Repeat("x", 70000))} {
		d := digest.NewDigestFromBytes(b)
		sum := sha256.Sum256(b)
		require.Equal(t, hex.EncodeToString(sum[:]), d.GetHashString())
		require.Equal(t, int64(len(b)), d.GetSizeBytes())
	}
}

func TestNewDigestValidation(t *testing.T) {
	t.Run("WrongLength", func(t *testing.T) {
		_, err := digest.NewDigest("abcd", 5)
		require.Error(t, err)
	})
	t.Run("NonHex", func(t *testing.T) {
		_, err := digest.NewDigest(strings.Repeat("g", 64), 5)
		require.Error(t, err)
	})
	t.Run("NegativeSize", func(t *testing.T) {
		_, err := digest.NewDigest(strings.Repeat("a", 64), -1)
		require.Error(t, err)
	})
	t.Run("Valid", func(t *testing.T) {
		d, err := digest.NewDigest(strings.Repeat("a", 64), 5)
		require.NoError(t, err)
		require.Equal(t, int64(5), d.GetSizeBytes())
	})
}

func TestShardedPath(t *testing.T) {
	d := digest.NewDigestFromBytes([]byte("hello"))
	shard, remainder := d.ShardedPath()
	require.Len(t, shard, 2)
	require.Equal(t, d.GetHashString(), shard+remainder)
}

func TestSetDedup(t *testing.T) {
	s := digest.NewSetBuilder()
	a := digest.NewDigestFromBytes([]byte("a"))
	b := digest.NewDigestFromBytes([]byte("b"))
	s.Add(a)
	s.Add(a)
	s.Add(b)
	require.Equal(t, 2, s.Length())
	require.True(t, s.Contains(a))
	require.True(t, s.Contains(b))
}

func TestToProtoRoundTrip(t *testing.T) {
	d := digest.NewDigestFromBytes([]byte("roundtrip"))
	pb := d.ToProto()
	d2, err := digest.NewDigestFromProto(pb)
	require.NoError(t, err)
	require.Equal(t, d, d2)
}
