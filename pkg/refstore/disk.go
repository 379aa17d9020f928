package refstore

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/errs"
	"google.golang.org/protobuf/proto"
)

// DiskRefStore stores refs at <root>/refs/heads/<name>, each file holding a
// protobuf-encoded remoteexecution.Digest. Grounded on cascache.py's
// set_ref / resolve_ref / _remove_ref.
type DiskRefStore struct {
	headsDir string
	tmpDir   string
}

// NewDiskRefStore creates a DiskRefStore rooted at root (the "<root>/cas"
// directory from spec.md §6). tmpDir is used for atomic-rename staging and
// may be shared with a sibling DiskBlobStore.
func NewDiskRefStore(root, tmpDir string) (*DiskRefStore, error) {
	headsDir := filepath.Join(root, "refs", "heads")
	if err := os.MkdirAll(headsDir, 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.StoreIO, "creating refs directory %q", headsDir)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.StoreIO, "creating tmp directory %q", tmpDir)
	}
	return &DiskRefStore{headsDir: headsDir, tmpDir: tmpDir}, nil
}

func (s *DiskRefStore) pathOf(name string) string {
	return filepath.Join(s.headsDir, filepath.FromSlash(name))
}

// Set replaces refs/heads/<name> with a freshly serialized Digest by
// writing it to a temp file in tmpDir and renaming that file into place
// (spec.md §4.2 / §5). The temp file is not created in the ref's own
// directory; the rename is atomic only when tmpDir is on the same
// filesystem as the refs directory.
func (s *DiskRefStore) Set(name string, d digest.Digest) error {
	path := s.pathOf(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "creating ref directory for %q", name)
	}
	payload, err := proto.Marshal(d.ToProto())
	if err != nil {
		return errs.Wrapf(err, errs.StoreIO, "serializing digest for ref %q", name)
	}

	tmp, err := os.CreateTemp(s.tmpDir, "ref-*")
	if err != nil {
		return errs.Wrapf(err, errs.StoreIO, "creating temporary ref file for %q", name)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return errs.Wrapf(err, errs.StoreIO, "writing ref %q", name)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "closing temporary ref file for %q", name)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "renaming ref %q into place", name)
	}
	return nil
}

// Get resolves name to its digest.
func (s *DiskRefStore) Get(name string) (digest.Digest, error) {
	payload, err := os.ReadFile(s.pathOf(name))
	if err != nil {
		if os.IsNotExist(err) {
			return digest.BadDigest, errs.New(errs.RefMissing, "ref %q not found", name)
		}
		return digest.BadDigest, errs.Wrapf(err, errs.StoreIO, "reading ref %q", name)
	}
	var pb remoteexecution.Digest
	if err := proto.Unmarshal(payload, &pb); err != nil {
		return digest.BadDigest, errs.Wrapf(err, errs.DirectoryDecode, "decoding ref %q", name)
	}
	return digest.NewDigestFromProto(&pb)
}

// Touch updates the ref file's mtime.
func (s *DiskRefStore) Touch(name string) error {
	now := time.Now()
	if err := os.Chtimes(s.pathOf(name), now, now); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.RefMissing, "ref %q not found", name)
		}
		return errs.Wrapf(err, errs.StoreIO, "touching ref %q", name)
	}
	return nil
}

// Remove unlinks the ref, then prunes every ancestor directory that is
// empty, stopping at the first non-empty directory or at refs/heads.
// ENOTEMPTY halts pruning without error; ENOENT during pruning is ignored
// (spec.md §4.2, copied structurally from cascache.py's _remove_ref).
func (s *DiskRefStore) Remove(name string) error {
	path := s.pathOf(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.RefMissing, "ref %q not found", name)
		}
		return errs.Wrapf(err, errs.StoreIO, "removing ref %q", name)
	}

	dir := filepath.Dir(path)
	for dir != s.headsDir && strings.HasPrefix(dir, s.headsDir) {
		if err := os.Remove(dir); err != nil {
			if os.IsNotExist(err) {
				// Parent directory already gone; its own parent might
				// still be prunable.
				dir = filepath.Dir(dir)
				continue
			}
			if isNotEmpty(err) {
				break
			}
			return errs.Wrapf(err, errs.StoreIO, "pruning ref directory %q", dir)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// List walks refs/heads and returns every ref name found, slash-separated
// relative to refs/heads.
func (s *DiskRefStore) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.headsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.headsDir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.StoreIO, "listing refs")
	}
	return names, nil
}

func isNotEmpty(err error) bool {
	perr, ok := err.(*os.PathError)
	if !ok {
		return false
	}
	return perr.Err.Error() == "directory not empty"
}
