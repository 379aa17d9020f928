// Package blobstore implements the CAS object store described in
// spec.md §4.1: byte-addressed persistence with atomic insertion,
// existence checks and path derivation.
package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/fernforge/castore/pkg/digest"
)

// BlobStore is the byte-addressed persistence layer. All methods are safe
// for concurrent use by multiple goroutines (spec.md §5: "BlobStore is
// concurrency-safe via filesystem atomicity").
type BlobStore interface {
	// Insert hashes r, atomically writes the content to the store and
	// returns its Digest. If a blob with the same digest already exists,
	// insertion is a no-op and the call still succeeds (spec.md §4.1,
	// idempotent insertion).
	Insert(ctx context.Context, r io.Reader) (digest.Digest, error)

	// InsertBytes is a convenience wrapper around Insert for callers that
	// already have the full payload in memory.
	InsertBytes(ctx context.Context, b []byte) (digest.Digest, error)

	// InsertFile inserts the content of an existing file on disk,
	// hardlinking it directly into place when possible rather than
	// copying through a temporary file (the "link_directly" fast path in
	// cascache.py's add_object).
	InsertFile(ctx context.Context, path string) (digest.Digest, error)

	// Contains reports whether d's blob is present in the store.
	Contains(d digest.Digest) (bool, error)

	// Get opens the blob named by d for reading. Returns BlobMissing if
	// absent.
	Get(d digest.Digest) (io.ReadCloser, error)

	// PathOf returns the on-disk path a blob with the given digest would
	// occupy, without checking whether it actually exists. Pure function
	// of the hash (spec.md §4.1).
	PathOf(d digest.Digest) string

	// Missing filters digests down to those absent from the store.
	Missing(digests []digest.Digest) ([]digest.Digest, error)

	// Touch updates an object's on-disk mtime, used by GC bookkeeping
	// (spec.md §4.3, Reachable's UpdateMtime mode).
	Touch(d digest.Digest) error

	// Walk calls fn once for every blob currently in the store, along with
	// the object file's mtime: set when the object was first stored (for
	// InsertFile's direct link, the source file's own mtime) and refreshed
	// only by Touch, not by a deduplicated insert. Supplemental to
	// spec.md §4.1: required by the GC sweep (spec.md §6, "deletes
	// everything else"), which must enumerate the full object set to
	// compute what is unreferenced.
	Walk(fn func(d digest.Digest, mtime time.Time) error) error

	// Delete removes a blob unconditionally. Used only by GC after
	// reachability has been computed; never called as part of ordinary
	// store operation.
	Delete(d digest.Digest) error
}
