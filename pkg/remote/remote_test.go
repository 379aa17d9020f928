package remote_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/blobstore"
	"github.com/fernforge/castore/pkg/cas/castest"
	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/directorycodec"
	"github.com/fernforge/castore/pkg/refstore"
	"github.com/fernforge/castore/pkg/remote"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

type side struct {
	blobs *blobstore.DiskBlobStore
	refs  *refstore.DiskRefStore
}

func newSide(t *testing.T) side {
	t.Helper()
	root := t.TempDir()
	blobs, err := blobstore.NewDiskBlobStore(root)
	require.NoError(t, err)
	refs, err := refstore.NewDiskRefStore(root, filepath.Join(root, "refstmp"))
	require.NoError(t, err)
	return side{blobs: blobs, refs: refs}
}

// buildTree inserts a one-level directory of files keyed by name into blobs
// and returns its digest.
func buildTree(t *testing.T, blobs blobstore.BlobStore, files map[string]string) digest.Digest {
	t.Helper()
	ctx := context.Background()
	var nodes []*remoteexecution.FileNode
	for name, content := range files {
		d, err := blobs.InsertBytes(ctx, []byte(content))
		require.NoError(t, err)
		nodes = append(nodes, &remoteexecution.FileNode{Name: name, Digest: d.ToProto()})
	}
	payload, d, err := directorycodec.EncodeDigest(&remoteexecution.Directory{Files: nodes})
	require.NoError(t, err)
	_, err = blobs.InsertBytes(ctx, payload)
	require.NoError(t, err)
	return d
}

// TestPullReplicatesTree covers property 7: after a successful Pull, the
// local store holds every blob reachable from the pulled ref.
func TestPullReplicatesTree(t *testing.T) {
	ctx := context.Background()
	remoteSide := newSide(t)
	root := buildTree(t, remoteSide.blobs, map[string]string{"a": "hello", "b": "world"})
	require.NoError(t, remoteSide.refs.Set("main", root))

	server := castest.NewServer(remoteSide.blobs, remoteSide.refs)
	conn, stop, err := castest.Listen(server)
	require.NoError(t, err)
	defer stop()

	local := newSide(t)
	client := remote.New(conn, local.blobs, "")

	ok, err := client.Pull(ctx, "main")
	require.NoError(t, err)
	require.True(t, ok)

	has, err := local.blobs.Contains(root)
	require.NoError(t, err)
	require.True(t, has)

	dir, err := directorycodec.Decode(mustRead(t, local.blobs, root))
	require.NoError(t, err)
	for _, f := range dir.Files {
		fd, err := digest.NewDigestFromProto(f.Digest)
		require.NoError(t, err)
		has, err := local.blobs.Contains(fd)
		require.NoError(t, err)
		require.True(t, has)
	}
}

// TestPullMissingRefReturnsFalse covers Pull's NotFound handling: an unknown
// ref name is not an error, just a "nothing to pull" result.
func TestPullMissingRefReturnsFalse(t *testing.T) {
	ctx := context.Background()
	remoteSide := newSide(t)
	server := castest.NewServer(remoteSide.blobs, remoteSide.refs)
	conn, stop, err := castest.Listen(server)
	require.NoError(t, err)
	defer stop()

	local := newSide(t)
	client := remote.New(conn, local.blobs, "")

	ok, err := client.Pull(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPullFallsBackWhenBlobUnavailable covers S5: a blob that exists in the
// remote's backing store but is made unavailable on the wire causes Pull to
// report false rather than erroring, since the blob never arrives locally.
func TestPullFallsBackWhenBlobUnavailable(t *testing.T) {
	ctx := context.Background()
	remoteSide := newSide(t)
	fileDigest, err := remoteSide.blobs.InsertBytes(ctx, []byte("hello"))
	require.NoError(t, err)
	payload, dirDigest, err := directorycodec.EncodeDigest(&remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{{Name: "a", Digest: fileDigest.ToProto()}},
	})
	require.NoError(t, err)
	_, err = remoteSide.blobs.InsertBytes(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, remoteSide.refs.Set("main", dirDigest))

	server := castest.NewServer(remoteSide.blobs, remoteSide.refs)
	server.MakeUnavailable(fileDigest)
	conn, stop, err := castest.Listen(server)
	require.NoError(t, err)
	defer stop()

	local := newSide(t)
	client := remote.New(conn, local.blobs, "")

	ok, err := client.Pull(ctx, "main")
	require.NoError(t, err)
	require.False(t, ok)

	has, err := local.blobs.Contains(dirDigest)
	require.NoError(t, err)
	require.True(t, has)
	has, err = local.blobs.Contains(fileDigest)
	require.NoError(t, err)
	require.False(t, has)
}

// TestPushReplicatesTree is Push's property-7 counterpart: after a
// successful Push, the remote holds every blob reachable from the local
// ref and its ref now resolves to the same digest.
func TestPushReplicatesTree(t *testing.T) {
	ctx := context.Background()
	localSide := newSide(t)
	root := buildTree(t, localSide.blobs, map[string]string{"a": "hello", "b": "world"})
	require.NoError(t, localSide.refs.Set("main", root))

	remoteSide := newSide(t)
	server := castest.NewServer(remoteSide.blobs, remoteSide.refs)
	conn, stop, err := castest.Listen(server)
	require.NoError(t, err)
	defer stop()

	client := remote.New(conn, localSide.blobs, "")
	err = client.Push(ctx, []string{"main"}, func(name string) (digest.Digest, error) {
		return localSide.refs.Get(name)
	})
	require.NoError(t, err)

	remoteRoot, err := remoteSide.refs.Get("main")
	require.NoError(t, err)
	require.Equal(t, root, remoteRoot)

	has, err := remoteSide.blobs.Contains(root)
	require.NoError(t, err)
	require.True(t, has)
}

// TestPushSkipsWhenRemoteAlreadyMatches confirms Push does not re-upload
// when the remote ref already points at the same digest.
func TestPushSkipsWhenRemoteAlreadyMatches(t *testing.T) {
	ctx := context.Background()
	localSide := newSide(t)
	root := buildTree(t, localSide.blobs, map[string]string{"a": "hello"})
	require.NoError(t, localSide.refs.Set("main", root))

	remoteSide := newSide(t)
	require.NoError(t, remoteSide.refs.Set("main", root))
	server := castest.NewServer(remoteSide.blobs, remoteSide.refs)
	conn, stop, err := castest.Listen(server)
	require.NoError(t, err)
	defer stop()

	client := remote.New(conn, localSide.blobs, "")
	err = client.Push(ctx, []string{"main"}, func(name string) (digest.Digest, error) {
		return localSide.refs.Get(name)
	})
	require.NoError(t, err)

	has, err := remoteSide.blobs.Contains(root)
	require.NoError(t, err)
	require.False(t, has)
}

// TestPullTreeUnpacksChildren covers the supplemented PullTree feature: a
// Tree message fetched by digest (not bound to a ref) is unpacked into
// individually addressed Directory blobs locally.
func TestPullTreeUnpacksChildren(t *testing.T) {
	ctx := context.Background()
	remoteSide := newSide(t)

	leafPayload, leafDigest, err := directorycodec.EncodeDigest(&remoteexecution.Directory{})
	require.NoError(t, err)
	_, err = remoteSide.blobs.InsertBytes(ctx, leafPayload)
	require.NoError(t, err)

	rootDir := &remoteexecution.Directory{
		Directories: []*remoteexecution.DirectoryNode{{Name: "sub", Digest: leafDigest.ToProto()}},
	}
	rootPayload, rootDigest, err := directorycodec.EncodeDigest(rootDir)
	require.NoError(t, err)
	_, err = remoteSide.blobs.InsertBytes(ctx, rootPayload)
	require.NoError(t, err)

	tree := &remoteexecution.Tree{
		Root:     rootDir,
		Children: []*remoteexecution.Directory{{}},
	}
	treePayload, err := proto.Marshal(tree)
	require.NoError(t, err)
	treeDigest, err := remoteSide.blobs.InsertBytes(ctx, treePayload)
	require.NoError(t, err)

	server := castest.NewServer(remoteSide.blobs, remoteSide.refs)
	conn, stop, err := castest.Listen(server)
	require.NoError(t, err)
	defer stop()

	local := newSide(t)
	client := remote.New(conn, local.blobs, "")

	got, err := client.PullTree(ctx, treeDigest)
	require.NoError(t, err)
	require.Equal(t, rootDigest, got)

	has, err := local.blobs.Contains(rootDigest)
	require.NoError(t, err)
	require.True(t, has)
	has, err = local.blobs.Contains(leafDigest)
	require.NoError(t, err)
	require.True(t, has)
}

func mustRead(t *testing.T, blobs blobstore.BlobStore, d digest.Digest) []byte {
	t.Helper()
	r, err := blobs.Get(d)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}
