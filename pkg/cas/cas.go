// Package cas implements CASStore, the composite tree-level operations
// described in spec.md §4.3: checkout, diff, required-blobs traversal and
// GC reachability, built on top of BlobStore, RefStore and directorycodec.
package cas

import (
	"context"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/blobstore"
	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/directorycodec"
	"github.com/fernforge/castore/pkg/errs"
	"github.com/fernforge/castore/pkg/refstore"
)

// executableMode is applied to checked-out/exported files whose FileNode
// has IsExecutable set (cascache.py's checkout: rwxr-xr-x).
const executableMode os.FileMode = 0o755

// CASStore composes a BlobStore and a RefStore with the directorycodec
// invariants to provide the tree-level operations spec.md §4.3 names.
type CASStore struct {
	Blobs blobstore.BlobStore
	Refs  refstore.RefStore
}

// New constructs a CASStore over an already-opened BlobStore/RefStore pair.
func New(blobs blobstore.BlobStore, refs refstore.RefStore) *CASStore {
	return &CASStore{Blobs: blobs, Refs: refs}
}

func (s *CASStore) directoryAt(d digest.Digest) (*remoteexecution.Directory, error) {
	r, err := s.Blobs.Get(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrapf(err, errs.StoreIO, "reading directory blob %s", d)
	}
	return directorycodec.Decode(payload)
}

// Checkout materializes the tree rooted at d into destPath on a real
// filesystem (spec.md §4.3). Idempotent over destPath's existence; a
// pre-existing entry whose content differs from what this checkout would
// write raises CheckoutConflict.
func (s *CASStore) Checkout(ctx context.Context, d digest.Digest, destPath string, canLink bool) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(ctx)
	}
	if info, err := os.Stat(destPath); err == nil && !info.IsDir() {
		return errs.New(errs.CheckoutConflict, "checkout target %q exists and is not a directory", destPath)
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "creating checkout directory %q", destPath)
	}

	dir, err := s.directoryAt(d)
	if err != nil {
		return err
	}

	for _, f := range dir.Files {
		if err := ctx.Err(); err != nil {
			return errs.FromContext(ctx)
		}
		fd, err := digest.NewDigestFromProto(f.Digest)
		if err != nil {
			return err
		}
		fullPath := filepath.Join(destPath, f.Name)
		if err := s.checkoutFile(fd, fullPath, f.IsExecutable, canLink); err != nil {
			return err
		}
	}

	for _, sd := range dir.Directories {
		if err := ctx.Err(); err != nil {
			return errs.FromContext(ctx)
		}
		sdd, err := digest.NewDigestFromProto(sd.Digest)
		if err != nil {
			return err
		}
		if err := s.Checkout(ctx, sdd, filepath.Join(destPath, sd.Name), canLink); err != nil {
			return err
		}
	}

	for _, sl := range dir.Symlinks {
		if err := ctx.Err(); err != nil {
			return errs.FromContext(ctx)
		}
		if err := s.checkoutSymlink(sl, filepath.Join(destPath, sl.Name)); err != nil {
			return err
		}
	}

	return nil
}

func (s *CASStore) checkoutFile(fd digest.Digest, fullPath string, isExecutable, canLink bool) error {
	if existing, existsErr := os.Lstat(fullPath); existsErr == nil {
		if existing.IsDir() {
			return errs.New(errs.CheckoutConflict, "checkout target %q is a directory, expected file", fullPath)
		}
		existingDigest, _, err := digestOfFile(fullPath)
		if err != nil {
			return err
		}
		if existingDigest != fd {
			return errs.New(errs.CheckoutConflict, "checkout target %q already exists with different content", fullPath)
		}
		return nil
	} else if !os.IsNotExist(existsErr) {
		return errs.Wrapf(existsErr, errs.StoreIO, "stat %q", fullPath)
	}

	objPath := s.Blobs.PathOf(fd)
	if canLink {
		if err := os.Link(objPath, fullPath); err != nil {
			return errs.Wrapf(err, errs.StoreIO, "linking %q", fullPath)
		}
	} else if err := copyFile(objPath, fullPath); err != nil {
		return err
	}

	if isExecutable {
		if err := os.Chmod(fullPath, executableMode); err != nil {
			return errs.Wrapf(err, errs.StoreIO, "chmod %q", fullPath)
		}
	}
	return nil
}

func (s *CASStore) checkoutSymlink(sl *remoteexecution.SymlinkNode, fullPath string) error {
	if existing, err := os.Lstat(fullPath); err == nil {
		if existing.Mode()&os.ModeSymlink == 0 {
			return errs.New(errs.CheckoutConflict, "checkout target %q exists and is not a symlink", fullPath)
		}
		target, err := os.Readlink(fullPath)
		if err != nil {
			return errs.Wrapf(err, errs.StoreIO, "reading existing symlink %q", fullPath)
		}
		if target != sl.Target {
			return errs.New(errs.CheckoutConflict, "checkout target %q already exists with different symlink target", fullPath)
		}
		return nil
	} else if !os.IsNotExist(err) {
		return errs.Wrapf(err, errs.StoreIO, "stat %q", fullPath)
	}
	if err := os.Symlink(sl.Target, fullPath); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "symlinking %q", fullPath)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errs.Wrapf(err, errs.StoreIO, "opening %q", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Wrapf(err, errs.StoreIO, "creating %q", dst)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "copying to %q", dst)
	}
	return nil
}

func digestOfFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.BadDigest, 0, errs.Wrapf(err, errs.StoreIO, "opening %q", path)
	}
	defer f.Close()
	return digest.NewDigestFromReader(f)
}

// DiffResult is the outcome of Diff: three path lists relative to the
// compared roots, each in ascending name order (spec.md §4.3, S6).
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Diff resolves refA and refB, then walks both trees with a merge-by-name
// strategy (spec.md §4.3). Symlinks are excluded from the comparison.
func (s *CASStore) Diff(refA, refB string) (DiffResult, error) {
	da, err := s.Refs.Get(refA)
	if err != nil {
		return DiffResult{}, err
	}
	db, err := s.Refs.Get(refB)
	if err != nil {
		return DiffResult{}, err
	}
	var result DiffResult
	if err := s.diffTrees(&da, &db, "", &result); err != nil {
		return DiffResult{}, err
	}
	sort.Strings(result.Added)
	sort.Strings(result.Removed)
	sort.Strings(result.Modified)
	return result, nil
}

func (s *CASStore) diffTrees(a, b *digest.Digest, path string, result *DiffResult) error {
	var dirA, dirB remoteexecution.Directory
	if a != nil {
		d, err := s.directoryAt(*a)
		if err != nil {
			return err
		}
		dirA = *d
	}
	if b != nil {
		d, err := s.directoryAt(*b)
		if err != nil {
			return err
		}
		dirB = *d
	}

	i, j := 0, 0
	for i < len(dirA.Files) || j < len(dirB.Files) {
		switch {
		case j < len(dirB.Files) && (i >= len(dirA.Files) || dirA.Files[i].Name > dirB.Files[j].Name):
			result.Added = append(result.Added, filepath.Join(path, dirB.Files[j].Name))
			j++
		case i < len(dirA.Files) && (j >= len(dirB.Files) || dirB.Files[j].Name > dirA.Files[i].Name):
			result.Removed = append(result.Removed, filepath.Join(path, dirA.Files[i].Name))
			i++
		default:
			if dirA.Files[i].Digest.Hash != dirB.Files[j].Digest.Hash {
				result.Modified = append(result.Modified, filepath.Join(path, dirA.Files[i].Name))
			}
			i++
			j++
		}
	}

	i, j = 0, 0
	for i < len(dirA.Directories) || j < len(dirB.Directories) {
		switch {
		case j < len(dirB.Directories) && (i >= len(dirA.Directories) || dirA.Directories[i].Name > dirB.Directories[j].Name):
			sdd, err := digest.NewDigestFromProto(dirB.Directories[j].Digest)
			if err != nil {
				return err
			}
			if err := s.diffTrees(nil, &sdd, filepath.Join(path, dirB.Directories[j].Name), result); err != nil {
				return err
			}
			j++
		case i < len(dirA.Directories) && (j >= len(dirB.Directories) || dirB.Directories[j].Name > dirA.Directories[i].Name):
			sdd, err := digest.NewDigestFromProto(dirA.Directories[i].Digest)
			if err != nil {
				return err
			}
			if err := s.diffTrees(&sdd, nil, filepath.Join(path, dirA.Directories[i].Name), result); err != nil {
				return err
			}
			i++
		default:
			if dirA.Directories[i].Digest.Hash != dirB.Directories[j].Digest.Hash {
				sa, err := digest.NewDigestFromProto(dirA.Directories[i].Digest)
				if err != nil {
					return err
				}
				sb, err := digest.NewDigestFromProto(dirB.Directories[j].Digest)
				if err != nil {
					return err
				}
				if err := s.diffTrees(&sa, &sb, filepath.Join(path, dirA.Directories[i].Name), result); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}

	return nil
}

// RequiredBlobs depth-first enumerates the digest of dirDigest, then each
// file-node digest, then recurses into each subdirectory not named in
// excludedSubdirs (spec.md §4.3). The sequence is lazy and restartable: no
// work happens until the returned iterator is ranged over, and ranging
// again from New re-walks the tree from scratch.
func (s *CASStore) RequiredBlobs(dirDigest digest.Digest, excludedSubdirs map[string]struct{}) iter.Seq2[digest.Digest, error] {
	return func(yield func(digest.Digest, error) bool) {
		s.requiredBlobs(dirDigest, excludedSubdirs, yield)
	}
}

func (s *CASStore) requiredBlobs(dirDigest digest.Digest, excludedSubdirs map[string]struct{}, yield func(digest.Digest, error) bool) bool {
	if !yield(dirDigest, nil) {
		return false
	}
	dir, err := s.directoryAt(dirDigest)
	if err != nil {
		yield(digest.BadDigest, err)
		return false
	}
	for _, f := range dir.Files {
		fd, err := digest.NewDigestFromProto(f.Digest)
		if err != nil {
			yield(digest.BadDigest, err)
			return false
		}
		if !yield(fd, nil) {
			return false
		}
	}
	for _, sd := range dir.Directories {
		if _, excluded := excludedSubdirs[sd.Name]; excluded {
			continue
		}
		sdd, err := digest.NewDigestFromProto(sd.Digest)
		if err != nil {
			yield(digest.BadDigest, err)
			return false
		}
		if !s.requiredBlobs(sdd, nil, yield) {
			return false
		}
	}
	return true
}

// ReachableOptions configures Reachable's traversal mode.
type ReachableOptions struct {
	// UpdateMtime touches every visited object file, marking it live for
	// mtime-based external GC policies.
	UpdateMtime bool
	// CheckExists raises BlobMissing on the first absent object instead
	// of silently stopping the traversal at that point.
	CheckExists bool
}

// Reachable is RequiredBlobs deduplicated into a set, used by GC (spec.md
// §4.3). Absent objects are tolerated unless opts.CheckExists is set, in
// which case the first missing object aborts the traversal with
// BlobMissing — matching cascache.py's _reachable_refs_dir, which treats a
// missing directory blob as "just exit early" unless check_exists is set.
func (s *CASStore) Reachable(dirDigest digest.Digest, opts ReachableOptions) (*digest.Set, error) {
	b := digest.NewSetBuilder()
	if err := s.reachableDir(dirDigest, b, opts); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *CASStore) reachableDir(d digest.Digest, b *digest.Set, opts ReachableOptions) error {
	if b.Contains(d) {
		return nil
	}
	if opts.UpdateMtime {
		if err := s.Blobs.Touch(d); err != nil && !errs.Is(err, errs.BlobMissing) {
			return err
		}
	}
	b.Add(d)

	dir, err := s.directoryAt(d)
	if err != nil {
		if errs.Is(err, errs.BlobMissing) {
			if opts.CheckExists {
				return err
			}
			return nil
		}
		return err
	}

	for _, f := range dir.Files {
		fd, err := digest.NewDigestFromProto(f.Digest)
		if err != nil {
			return err
		}
		if opts.UpdateMtime {
			if err := s.Blobs.Touch(fd); err != nil && !errs.Is(err, errs.BlobMissing) {
				return err
			}
		}
		if opts.CheckExists {
			if ok, err := s.Blobs.Contains(fd); err != nil {
				return err
			} else if !ok {
				return errs.New(errs.BlobMissing, "required blob %s absent during reachability check", fd)
			}
		}
		b.Add(fd)
	}

	for _, sd := range dir.Directories {
		sdd, err := digest.NewDigestFromProto(sd.Digest)
		if err != nil {
			return err
		}
		if err := s.reachableDir(sdd, b, opts); err != nil {
			return err
		}
	}
	return nil
}
