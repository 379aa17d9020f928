package directorycodec_test

import (
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/directorycodec"
	"github.com/fernforge/castore/pkg/errs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func fileNode(name string) *remoteexecution.FileNode {
	return &remoteexecution.FileNode{Name: name, Digest: &remoteexecution.Digest{Hash: "abcd", SizeBytes: 1}}
}

func TestEncodeSortsLists(t *testing.T) {
	d := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{fileNode("zeta"), fileNode("alpha"), fileNode("mid")},
	}
	_, err := directorycodec.Encode(d)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, namesOf(d.Files))
}

func namesOf(nodes []*remoteexecution.FileNode) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

func TestEncodeRejectsDuplicateNamesAcrossLists(t *testing.T) {
	d := &remoteexecution.Directory{
		Files:       []*remoteexecution.FileNode{fileNode("dup")},
		Directories: []*remoteexecution.DirectoryNode{{Name: "dup", Digest: &remoteexecution.Digest{Hash: "abcd", SizeBytes: 1}}},
	}
	_, err := directorycodec.Encode(d)
	require.True(t, errs.Is(err, errs.DirectoryDecode))
}

// TestDeterministicEncoding covers property 1 (hash determinism) as applied
// to Directory messages: re-encoding unsorted input that is logically
// equivalent to already-sorted input must produce byte-identical output and
// therefore the same digest (DIR-3).
func TestDeterministicEncoding(t *testing.T) {
	sorted := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{fileNode("alpha"), fileNode("zeta")},
	}
	unsorted := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{fileNode("zeta"), fileNode("alpha")},
	}

	p1, d1, err := directorycodec.EncodeDigest(sorted)
	require.NoError(t, err)
	p2, d2, err := directorycodec.EncodeDigest(unsorted)
	require.NoError(t, err)

	require.Equal(t, p1, p2)
	require.Equal(t, d1, d2)
}

// TestEmptyDirectoryDigest covers scenario S1 from spec.md: an empty
// directory encodes to zero bytes and therefore has the well-known
// empty-payload SHA-256 digest.
func TestEmptyDirectoryDigest(t *testing.T) {
	payload, d, err := directorycodec.EncodeDigest(&remoteexecution.Directory{})
	require.NoError(t, err)
	require.Empty(t, payload)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", d.GetHashString())
	require.Equal(t, int64(0), d.GetSizeBytes())
}

func TestDecodeRoundTrip(t *testing.T) {
	d := &remoteexecution.Directory{
		Files:       []*remoteexecution.FileNode{fileNode("b"), fileNode("a")},
		Directories: []*remoteexecution.DirectoryNode{{Name: "c", Digest: &remoteexecution.Digest{Hash: "abcd", SizeBytes: 1}}},
		Symlinks:    []*remoteexecution.SymlinkNode{{Name: "d", Target: "/tmp"}},
	}
	payload, digestBefore, err := directorycodec.EncodeDigest(d)
	require.NoError(t, err)

	decoded, err := directorycodec.Decode(payload)
	require.NoError(t, err)

	rePayload, digestAfter, err := directorycodec.EncodeDigest(decoded)
	require.NoError(t, err)
	require.Equal(t, payload, rePayload)
	require.Equal(t, digestBefore, digestAfter)
}

// TestDecodeRejectsDuplicateNames constructs an invalid payload the way a
// corrupt or adversarial remote peer might, bypassing Encode's validation
// by calling proto.Marshal directly.
func TestDecodeRejectsDuplicateNames(t *testing.T) {
	d := &remoteexecution.Directory{
		Files:       []*remoteexecution.FileNode{fileNode("dup")},
		Directories: []*remoteexecution.DirectoryNode{{Name: "dup", Digest: &remoteexecution.Digest{Hash: "abcd", SizeBytes: 1}}},
	}
	payload, err := proto.Marshal(d)
	require.NoError(t, err)

	_, err = directorycodec.Decode(payload)
	require.True(t, errs.Is(err, errs.DirectoryDecode))
}
