package gc_test

import (
	"context"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/blobstore"
	"github.com/fernforge/castore/pkg/cas"
	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/directorycodec"
	"github.com/fernforge/castore/pkg/gc"
	"github.com/fernforge/castore/pkg/refstore"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*cas.CASStore, blobstore.BlobStore, *refstore.DiskRefStore) {
	t.Helper()
	root := t.TempDir()
	blobs, err := blobstore.NewDiskBlobStore(root)
	require.NoError(t, err)
	refs, err := refstore.NewDiskRefStore(root, filepath.Join(root, "refstmp"))
	require.NoError(t, err)
	return cas.New(blobs, refs), blobs, refs
}

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

// TestRunDeletesUnreferencedBlobs covers spec.md §6's sweep: a blob inserted
// outside of any ref is freed; everything reachable from a named ref
// survives.
func TestRunDeletesUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()
	store, blobs, refs := newStore(t)

	root := buildTree(t, blobs, map[string]string{"a": "kept"})
	require.NoError(t, refs.Set("main", root))

	orphan, err := blobs.InsertBytes(ctx, []byte("orphaned"))
	require.NoError(t, err)

	collector := gc.New(store, blobs, refs)
	freed, retained, err := collector.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, freed)
	require.Equal(t, 2, retained) // root directory digest + its one file blob

	has, err := blobs.Contains(orphan)
	require.NoError(t, err)
	require.False(t, has)
	has, err = blobs.Contains(root)
	require.NoError(t, err)
	require.True(t, has)
}

// TestRunHonorsRegisteredCallbacks covers the GC hooks contract: a digest
// surfaced only via a registered callback, with no ref pointing at it,
// survives the sweep.
func TestRunHonorsRegisteredCallbacks(t *testing.T) {
	ctx := context.Background()
	store, blobs, refs := newStore(t)

	pinned, err := blobs.InsertBytes(ctx, []byte("pinned by callback"))
	require.NoError(t, err)

	collector := gc.New(store, blobs, refs)
	collector.RegisterReachableDigestsCallback(func(ctx context.Context) ([]digest.Digest, error) {
		return []digest.Digest{pinned}, nil
	})

	freed, retained, err := collector.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, freed)
	require.Equal(t, 1, retained)

	has, err := blobs.Contains(pinned)
	require.NoError(t, err)
	require.True(t, has)
}

// TestRunEmptyStoreIsNoop covers the zero-ref, zero-blob case.
func TestRunEmptyStoreIsNoop(t *testing.T) {
	ctx := context.Background()
	store, blobs, refs := newStore(t)

	collector := gc.New(store, blobs, refs)
	freed, retained, err := collector.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, freed)
	require.Equal(t, 0, retained)
}
