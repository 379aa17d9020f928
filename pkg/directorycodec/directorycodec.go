// Package directorycodec encodes and decodes REv2 Directory messages with
// the sort/uniqueness/determinism invariants spec.md §3 requires (DIR-1
// through DIR-3). It is the only place in castore that is allowed to call
// proto.Marshal/Unmarshal on a Directory message, so those invariants can
// never be bypassed.
package directorycodec

import (
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/errs"
	"google.golang.org/protobuf/proto"
)

// Sort reorders a Directory's three lists into strictly ascending name
// order in place (DIR-3). Callers must call this (or go through Encode,
// which calls it for them) before the Directory is considered canonical.
func Sort(d *remoteexecution.Directory) {
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	sort.Slice(d.Directories, func(i, j int) bool { return d.Directories[i].Name < d.Directories[j].Name })
	sort.Slice(d.Symlinks, func(i, j int) bool { return d.Symlinks[i].Name < d.Symlinks[j].Name })
}

// ValidateNames checks DIR-2: names must be pairwise unique across all
// three lists.
func ValidateNames(d *remoteexecution.Directory) error {
	seen := make(map[string]struct{}, len(d.Files)+len(d.Directories)+len(d.Symlinks))
	check := func(name string) error {
		if _, ok := seen[name]; ok {
			return errs.New(errs.DirectoryDecode, "duplicate name %q in directory", name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, f := range d.Files {
		if err := check(f.Name); err != nil {
			return err
		}
	}
	for _, sd := range d.Directories {
		if err := check(sd.Name); err != nil {
			return err
		}
	}
	for _, sl := range d.Symlinks {
		if err := check(sl.Name); err != nil {
			return err
		}
	}
	return nil
}

// Encode sorts d's lists, validates DIR-2, and serializes deterministically
// (DIR-3: "same logical content round-trips byte-exactly", which requires
// a marshal discipline with no field-order ambiguity).
func Encode(d *remoteexecution.Directory) ([]byte, error) {
	Sort(d)
	if err := ValidateNames(d); err != nil {
		return nil, err
	}
	payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(d)
	if err != nil {
		return nil, errs.Wrap(err, errs.DirectoryDecode, "encoding directory")
	}
	return payload, nil
}

// Decode parses a Directory message. Per DIR-3, decode does not require the
// lists to already be sorted, but EncodeDigest below re-derives the digest
// from a freshly re-encoded (and hence re-sorted) form, so content that was
// encoded by this package always round-trips to the same digest.
func Decode(payload []byte) (*remoteexecution.Directory, error) {
	var d remoteexecution.Directory
	if err := proto.Unmarshal(payload, &d); err != nil {
		return nil, errs.Wrap(err, errs.DirectoryDecode, "decoding directory")
	}
	if err := ValidateNames(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// EncodeDigest encodes d and returns both the canonical payload and its
// digest, saving callers from hashing the payload separately.
func EncodeDigest(d *remoteexecution.Directory) ([]byte, digest.Digest, error) {
	payload, err := Encode(d)
	if err != nil {
		return nil, digest.BadDigest, err
	}
	return payload, digest.NewDigestFromBytes(payload), nil
}
