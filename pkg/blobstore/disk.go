package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/errs"
	"github.com/prometheus/client_golang/prometheus"
)

const bufferSize = 65536

var (
	metricsOnce sync.Once

	insertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "castore",
			Subsystem: "blobstore",
			Name:      "inserts_total",
			Help:      "Number of BlobStore.Insert calls, by whether the blob already existed.",
		},
		[]string{"outcome"})

	missingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "castore",
			Subsystem: "blobstore",
			Name:      "missing_lookups_total",
			Help:      "Number of digests reported missing by BlobStore.Missing.",
		})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(insertsTotal, missingTotal)
	})
}

// DiskBlobStore is the on-disk realization of BlobStore: objects live at
// <root>/objects/<hh>/<remaining-62-hex>, staged through <root>/tmp and
// linked into place atomically. Grounded on cascache.py's add_object /
// objpath / _temporary_object.
type DiskBlobStore struct {
	objectsDir string
	tmpDir     string
}

// NewDiskBlobStore creates a DiskBlobStore rooted at root, which must match
// the on-disk layout of spec.md §6 (root is the "<root>/cas" directory; this
// constructor creates "objects" and "tmp" beneath it if absent).
func NewDiskBlobStore(root string) (*DiskBlobStore, error) {
	registerMetrics()
	objectsDir := filepath.Join(root, "objects")
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.StoreIO, "creating objects directory %q", objectsDir)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.StoreIO, "creating tmp directory %q", tmpDir)
	}
	return &DiskBlobStore{objectsDir: objectsDir, tmpDir: tmpDir}, nil
}

// PathOf returns objects/<hh>/<remaining>, a pure function of the hash.
func (s *DiskBlobStore) PathOf(d digest.Digest) string {
	shard, remainder := d.ShardedPath()
	return filepath.Join(s.objectsDir, shard, remainder)
}

// TempFile is a scope-guarded named temporary file in the store's tmp
// directory, mode 0644. Close removes the file unless the store has already
// linked it into the objects directory (spec.md §4.1, "temporary() → scoped
// handle").
type TempFile struct {
	f      *os.File
	linked bool
}

// Write writes to the underlying temp file.
func (t *TempFile) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

// Name returns the temp file's path.
func (t *TempFile) Name() string {
	return t.f.Name()
}

// Close finalizes the scope: unless the store linked the file into place,
// the temp file is removed.
func (t *TempFile) Close() error {
	err := t.f.Close()
	if !t.linked {
		os.Remove(t.f.Name())
	}
	return err
}

// Temporary opens a new scope-guarded temp file in the store's staging
// directory.
func (s *DiskBlobStore) Temporary() (*TempFile, error) {
	f, err := os.CreateTemp(s.tmpDir, "blob-*")
	if err != nil {
		return nil, errs.Wrapf(err, errs.StoreIO, "creating temporary object in %q", s.tmpDir)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errs.Wrapf(err, errs.StoreIO, "chmod on temporary object %q", f.Name())
	}
	return &TempFile{f: f}, nil
}

// linkInto atomically places the content staged at tmpPath at the final
// object path for d. A pre-existing object at that path is treated as
// success (spec.md §4.1: "If the final path already exists, succeed
// silently").
func (s *DiskBlobStore) linkInto(d digest.Digest, tmpPath string) error {
	objPath := s.PathOf(d)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return errs.Wrapf(err, errs.StoreIO, "creating shard directory for %s", d)
	}
	if err := os.Link(tmpPath, objPath); err != nil {
		if os.IsExist(err) {
			insertsTotal.WithLabelValues("deduplicated").Inc()
			return nil
		}
		return errs.Wrapf(err, errs.StoreIO, "linking object %s into place", d)
	}
	insertsTotal.WithLabelValues("inserted").Inc()
	return nil
}

// Insert hashes r while staging it to a temp file, then links it into
// place.
func (s *DiskBlobStore) Insert(ctx context.Context, r io.Reader) (digest.Digest, error) {
	tmp, err := s.Temporary()
	if err != nil {
		return digest.BadDigest, err
	}
	defer tmp.Close()

	h := sha256.New()
	buf := make([]byte, bufferSize)
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return digest.BadDigest, errs.FromContext(ctx)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return digest.BadDigest, errs.Wrap(werr, errs.StoreIO, "writing to temporary object")
			}
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return digest.BadDigest, errs.Wrap(rerr, errs.StoreIO, "reading input")
		}
	}

	d, err := digest.NewDigest(hex.EncodeToString(h.Sum(nil)), size)
	if err != nil {
		return digest.BadDigest, err
	}
	if err := s.linkInto(d, tmp.Name()); err != nil {
		return digest.BadDigest, err
	}
	tmp.linked = true
	return d, nil
}

// InsertBytes inserts an in-memory payload.
func (s *DiskBlobStore) InsertBytes(ctx context.Context, b []byte) (digest.Digest, error) {
	d := digest.NewDigestFromBytes(b)
	if ok, err := s.Contains(d); err != nil {
		return digest.BadDigest, err
	} else if ok {
		insertsTotal.WithLabelValues("deduplicated").Inc()
		return d, nil
	}

	tmp, err := s.Temporary()
	if err != nil {
		return digest.BadDigest, err
	}
	defer tmp.Close()
	if _, err := tmp.Write(b); err != nil {
		return digest.BadDigest, errs.Wrap(err, errs.StoreIO, "writing temporary object")
	}
	if err := s.linkInto(d, tmp.Name()); err != nil {
		return digest.BadDigest, err
	}
	tmp.linked = true
	return d, nil
}

// InsertFile hashes and links an existing on-disk file directly into the
// store, avoiding an intermediate copy (cascache.py's link_directly path).
func (s *DiskBlobStore) InsertFile(ctx context.Context, path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.BadDigest, errs.Wrapf(err, errs.StoreIO, "opening %q", path)
	}
	defer f.Close()

	d, _, err := digest.NewDigestFromReader(f)
	if err != nil {
		return digest.BadDigest, err
	}

	objPath := s.PathOf(d)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return digest.BadDigest, errs.Wrapf(err, errs.StoreIO, "creating shard directory for %s", d)
	}
	if err := os.Link(path, objPath); err == nil {
		insertsTotal.WithLabelValues("inserted").Inc()
		return d, nil
	} else if os.IsExist(err) {
		insertsTotal.WithLabelValues("deduplicated").Inc()
		return d, nil
	}

	// Cross-device link or some other reason direct linking failed: fall
	// back to a staged copy through the temp directory.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest.BadDigest, errs.Wrap(err, errs.StoreIO, "rewinding file")
	}
	tmp, err := s.Temporary()
	if err != nil {
		return digest.BadDigest, err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, f); err != nil {
		return digest.BadDigest, errs.Wrap(err, errs.StoreIO, "staging file copy")
	}
	if err := s.linkInto(d, tmp.Name()); err != nil {
		return digest.BadDigest, err
	}
	tmp.linked = true
	return d, nil
}

// Contains checks for object existence at the sharded path.
func (s *DiskBlobStore) Contains(d digest.Digest) (bool, error) {
	_, err := os.Stat(s.PathOf(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.Wrapf(err, errs.StoreIO, "stat %s", d)
}

// Get opens the blob for reading.
func (s *DiskBlobStore) Get(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.PathOf(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.BlobMissing, "blob %s not found in local store", d)
		}
		return nil, errs.Wrapf(err, errs.StoreIO, "opening %s", d)
	}
	return f, nil
}

// Missing filters digests down to those not present locally.
func (s *DiskBlobStore) Missing(digests []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range digests {
		ok, err := s.Contains(d)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	missingTotal.Add(float64(len(missing)))
	return missing, nil
}

// Touch updates the object's mtime, used by GC liveness bookkeeping.
func (s *DiskBlobStore) Touch(d digest.Digest) error {
	path := s.PathOf(d)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.BlobMissing, "cannot touch missing blob %s", d)
		}
		return errs.Wrapf(err, errs.StoreIO, "touching %s", d)
	}
	return nil
}

// Walk enumerates every object under objectsDir, reconstructing each
// Digest from its shard path and on-disk size (the object file itself
// carries no size metadata; content-addressing guarantees file size
// equals the digest's recorded size).
func (s *DiskBlobStore) Walk(fn func(d digest.Digest, mtime time.Time) error) error {
	shards, err := os.ReadDir(s.objectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrapf(err, errs.StoreIO, "listing %q", s.objectsDir)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.objectsDir, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return errs.Wrapf(err, errs.StoreIO, "listing %q", shardDir)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return errs.Wrapf(err, errs.StoreIO, "stat %q", entry.Name())
			}
			d, err := digest.NewDigest(shard.Name()+entry.Name(), info.Size())
			if err != nil {
				return errs.Wrapf(err, errs.StoreIO, "reconstructing digest for %q/%q", shard.Name(), entry.Name())
			}
			if err := fn(d, info.ModTime()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete unconditionally removes a blob, used only by the GC sweep.
func (s *DiskBlobStore) Delete(d digest.Digest) error {
	if err := os.Remove(s.PathOf(d)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrapf(err, errs.StoreIO, "deleting %s", d)
	}
	return nil
}
