// Package refstore implements the named-ref layer described in spec.md
// §4.2: a name maps to a top-level directory digest, stored on disk as a
// serialized Digest message under refs/heads/<name>.
package refstore

import "github.com/fernforge/castore/pkg/digest"

// RefStore is the named-reference layer. All writes are atomic (spec.md
// §5: "last writer wins; no torn reads").
type RefStore interface {
	// Set atomically replaces the ref, creating intermediate directories
	// as needed.
	Set(name string, d digest.Digest) error

	// Get resolves a ref to its digest. Returns RefMissing if absent.
	Get(name string) (digest.Digest, error)

	// Touch updates the ref file's mtime, used by external cache-expiry
	// policies to mark a ref recently used.
	Touch(name string) error

	// Remove unlinks the ref and prunes empty ancestor directories up to
	// (not including) refs/heads.
	Remove(name string) error

	// List enumerates every ref name currently stored. Supplemental to
	// spec.md §4.2 (see SPEC_FULL.md §4.2): required by the GC driver,
	// which must enumerate all named refs to build the reachable set
	// (spec.md §6).
	List() ([]string, error)
}
