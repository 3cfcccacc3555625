package namecache

import "sort"

// childTree is a namecache entry's children, keyed by the composite
// (name_length<<32 | hash) key with a memcmp (here, plain string
// comparison) tiebreak for collisions, per spec.md §4.9. The reference
// kernel keeps this as a red-black tree; no RB-tree implementation
// exists anywhere in the retrieved corpus, so — exactly as
// pkg/vm/vad.go's VAD collection does — this is a sorted slice with
// binary-search lookup/insert/remove. It preserves the externally
// observable ordering and uniqueness semantics of the original
// structure without requiring a hand-rolled balanced tree.
type childTree struct {
	entries []*Entry
}

// entryBefore reports whether e sorts strictly before (key, name).
func entryBefore(e *Entry, key uint64, name string) bool {
	if e.key != key {
		return e.key < key
	}
	return e.Name < name
}

// search returns the index of the first entry not sorting before
// (key, name) — i.e. the insertion point, or the match if present.
func (t *childTree) search(key uint64, name string) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return !entryBefore(t.entries[i], key, name)
	})
}

func (t *childTree) find(name string) *Entry {
	key := computeKey(name)
	i := t.search(key, name)
	if i < len(t.entries) && t.entries[i].key == key && t.entries[i].Name == name {
		return t.entries[i]
	}
	return nil
}

func (t *childTree) insert(e *Entry) {
	e.key = computeKey(e.Name)
	i := t.search(e.key, e.Name)
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func (t *childTree) remove(e *Entry) {
	i := t.search(e.key, e.Name)
	if i < len(t.entries) && t.entries[i] == e {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
	}
}

func (t *childTree) empty() bool { return len(t.entries) == 0 }
