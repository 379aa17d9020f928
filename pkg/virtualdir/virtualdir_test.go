package virtualdir_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fernforge/castore/pkg/blobstore"
	"github.com/fernforge/castore/pkg/virtualdir"
	"github.com/stretchr/testify/require"
)

func newBlobs(t *testing.T) blobstore.BlobStore {
	t.Helper()
	blobs, err := blobstore.NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)
	return blobs
}

func writeFile(t *testing.T, path, content string, executable bool) {
	t.Helper()
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

// TestSingleFileTreeCheckout covers S2: a single-file tree imported and
// exported round-trips content and permission bits.
func TestSingleFileTreeCheckout(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), "hello", false)

	root := virtualdir.NewTree(blobs)
	_, err := root.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, root.ExportFiles(ctx, filepath.Join(dest, "x")))

	content, err := os.ReadFile(filepath.Join(dest, "x", "a"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))

	info, err := os.Stat(filepath.Join(dest, "x", "a"))
	require.NoError(t, err)
	require.Zero(t, info.Mode().Perm()&0o111, "expected no executable bits")
}

// TestCreateDirectoryOverwritesFile covers S3: creating a directory over an
// existing file replaces it and changes the root digest.
func TestCreateDirectoryOverwritesFile(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), "hello", false)

	root := virtualdir.NewTree(blobs)
	_, err := root.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)
	before := root.Digest()

	_, err = root.CreateDirectory("a")
	require.NoError(t, err)
	require.NoError(t, root.RecomputeDown(ctx))

	paths, err := root.ListRelativePaths()
	require.NoError(t, err)
	require.Contains(t, paths, "a")

	child, err := root.CreateDirectory("a")
	require.NoError(t, err)
	childPaths, err := child.ListRelativePaths()
	require.NoError(t, err)
	require.Empty(t, childPaths)

	require.NotEqual(t, before, root.Digest())
}

// TestCreateDirectorySkipsSymlinkToDirectory covers S4: a symlink to an
// existing directory is left untouched by create_directory, and the root
// digest is unchanged.
func TestCreateDirectorySkipsSymlinkToDirectory(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "b"), 0o755))
	writeFile(t, filepath.Join(src, "b", "f"), "x", false)
	require.NoError(t, os.Symlink("b", filepath.Join(src, "a")))

	root := virtualdir.NewTree(blobs)
	_, err := root.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)
	before := root.Digest()

	target, err := root.CreateDirectory("a")
	require.NoError(t, err)

	paths, err := target.ListRelativePaths()
	require.NoError(t, err)
	require.Contains(t, paths, "f")

	require.Equal(t, before, root.Digest())
}

// TestCheckReplacementConflictClasses covers property 8: each
// check_replacement conflict class produces its documented outcome.
func TestCheckReplacementConflictClasses(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "file"), "data", false)
	require.NoError(t, os.Symlink("file", filepath.Join(src, "link")))
	require.NoError(t, os.Mkdir(filepath.Join(src, "emptydir"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(src, "fulldir"), 0o755))
	writeFile(t, filepath.Join(src, "fulldir", "inner"), "x", false)

	root := virtualdir.NewTree(blobs)
	_, err := root.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)

	t.Run("absent permits", func(t *testing.T) {
		var result virtualdir.ImportResult
		permit, err := root.CheckReplacement("nonexistent", &result)
		require.NoError(t, err)
		require.True(t, permit)
		require.Empty(t, result.Overwritten)
		require.Empty(t, result.Ignored)
	})

	t.Run("file overwrites", func(t *testing.T) {
		var result virtualdir.ImportResult
		permit, err := root.CheckReplacement("file", &result)
		require.NoError(t, err)
		require.True(t, permit)
		require.Equal(t, []string{"file"}, result.Overwritten)
	})

	t.Run("symlink overwrites", func(t *testing.T) {
		var result virtualdir.ImportResult
		permit, err := root.CheckReplacement("link", &result)
		require.NoError(t, err)
		require.True(t, permit)
		require.Equal(t, []string{"link"}, result.Overwritten)
	})

	t.Run("empty directory overwrites", func(t *testing.T) {
		var result virtualdir.ImportResult
		permit, err := root.CheckReplacement("emptydir", &result)
		require.NoError(t, err)
		require.True(t, permit)
		require.Equal(t, []string{"emptydir"}, result.Overwritten)
	})

	t.Run("non-empty directory is ignored", func(t *testing.T) {
		var result virtualdir.ImportResult
		permit, err := root.CheckReplacement("fulldir", &result)
		require.NoError(t, err)
		require.False(t, permit)
		require.Equal(t, []string{"fulldir"}, result.Ignored)
	})
}

// TestImportFilesFromCASRoundtrip covers property 4: a CAS-to-CAS import,
// verified against an equivalent filesystem import, converges on the same
// digest.
func TestImportFilesFromCASRoundtrip(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))
	writeFile(t, filepath.Join(src, "sub", "f"), "contents", true)
	writeFile(t, filepath.Join(src, "top"), "top-level", false)

	source := virtualdir.NewTree(blobs)
	_, err := source.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)

	dest := virtualdir.NewTree(blobs)
	_, err = dest.ImportFilesFromCAS(ctx, source, nil, true)
	require.NoError(t, err)

	require.Equal(t, source.Digest(), dest.Digest())

	paths, err := dest.ListRelativePaths()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sub", "sub/f", "top"}, paths)
}

// TestImportFilesFromCASPartial covers the partial-import path: only the
// filtered subset is copied, so "sub/b" and "top" do not reach dest.
func TestImportFilesFromCASPartial(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(src, "sub"), 0o755))
	writeFile(t, filepath.Join(src, "sub", "a"), "a", false)
	writeFile(t, filepath.Join(src, "sub", "b"), "b", false)
	writeFile(t, filepath.Join(src, "top"), "top", false)

	source := virtualdir.NewTree(blobs)
	_, err := source.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)

	dest := virtualdir.NewTree(blobs)
	_, err = dest.ImportFilesFromCAS(ctx, source, []string{"sub/a"}, false)
	require.NoError(t, err)

	paths, err := dest.ListRelativePaths()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sub", "sub/a"}, paths)
}

// TestListModifiedPathsAndMarkUnmodified exercises the modified-flag
// bookkeeping spec.md §4.4 requires of list_modified_paths/mark_unmodified.
func TestListModifiedPathsAndMarkUnmodified(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), "1", false)

	root := virtualdir.NewTree(blobs)
	_, err := root.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)

	modified, err := root.ListModifiedPaths()
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, modified)

	require.NoError(t, root.MarkUnmodified())

	modified, err = root.ListModifiedPaths()
	require.NoError(t, err)
	require.Empty(t, modified)
}

// TestExportFilesConflict asserts a pre-existing destination file raises
// ExportConflict rather than being silently overwritten.
func TestExportFilesConflict(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), "hello", false)

	root := virtualdir.NewTree(blobs)
	_, err := root.ImportFilesFromDisk(ctx, src, nil)
	require.NoError(t, err)

	dest := t.TempDir()
	writeFile(t, filepath.Join(dest, "a"), "conflicting", false)

	err = root.ExportFiles(ctx, dest)
	require.Error(t, err)
}

// TestOpenTreeEmptyDigestIsEmptyRoot covers S1's counterpart on the
// VirtualDirectory side: opening the empty directory digest yields an
// empty tree with no entries.
func TestOpenTreeEmptyDigestIsEmptyRoot(t *testing.T) {
	ctx := context.Background()
	blobs := newBlobs(t)

	root := virtualdir.NewTree(blobs)
	require.NoError(t, root.RecomputeDown(ctx))

	reopened, err := virtualdir.OpenTree(ctx, blobs, root.Digest())
	require.NoError(t, err)
	paths, err := reopened.ListRelativePaths()
	require.NoError(t, err)
	require.Empty(t, paths)
}
