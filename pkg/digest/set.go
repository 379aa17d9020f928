package digest

// Set is a deduplicated collection of Digests, used wherever spec.md calls
// for "set<Digest>" (e.g. CASStore.Reachable) or a digest list with
// duplicates implicitly collapsed (e.g. the input to RemoteClient.FindMissing).
//
// Grounded on the teacher's pkg/digest/set.go + set_builder.go builder
// pattern, simplified: since Digest no longer carries an instance name,
// deduplication is a plain map keyed on the Digest value itself.
type Set struct {
	digests map[Digest]struct{}
}

// NewSetBuilder creates an empty, growable Set.
func NewSetBuilder() *Set {
	return &Set{digests: map[Digest]struct{}{}}
}

// Add inserts d into the set. Adding the same digest twice is a no-op.
func (s *Set) Add(d Digest) {
	s.digests[d] = struct{}{}
}

// Contains reports whether d has already been added.
func (s *Set) Contains(d Digest) bool {
	_, ok := s.digests[d]
	return ok
}

// Length returns the number of distinct digests in the set.
func (s *Set) Length() int {
	return len(s.digests)
}

// Items returns the digests in the set in unspecified order (per spec.md §5,
// "ordering ... is unspecified" for anything not an explicit directory
// traversal).
func (s *Set) Items() []Digest {
	items := make([]Digest, 0, len(s.digests))
	for d := range s.digests {
		items = append(items, d)
	}
	return items
}
