package object

import (
	"sync"

	"github.com/keyronex/kernel/pkg/errkind"
)

// Directory is a named-object directory (spec.md §4.8): a lookup table
// from name to object header, independent of the tree the objects
// themselves might otherwise form (e.g. the namecache's own tree).
// Grounded on the teacher's resource Store shape — add/get/delete by
// key, no cycle detection, caller-managed lifetime — generalized from a
// single resource kind to any object carrying a Header.
type Directory struct {
	mu     sync.RWMutex
	byName map[string]*Header
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{byName: make(map[string]*Header)}
}

// Insert publishes h under its own Name. It is an error for h to have
// no name, or for the name to already be taken.
func (d *Directory) Insert(h *Header) error {
	if h.name == "" {
		return errkind.New("object: cannot insert unnamed header into directory")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byName[h.name]; exists {
		return errkind.Err(errkind.Exists)
	}
	d.byName[h.name] = h
	return nil
}

// Lookup retains and returns the object named name, or errkind.NotFound
// if nothing is published under that name or it has already begun
// teardown.
func (d *Directory) Lookup(name string) (*Header, error) {
	d.mu.RLock()
	h, ok := d.byName[name]
	d.mu.RUnlock()
	if !ok {
		return nil, errkind.Err(errkind.NotFound)
	}
	if err := h.Retain(); err != nil {
		return nil, err
	}
	return h, nil
}

// Remove unpublishes name, if present. It does not release any
// reference; the caller that inserted the object is responsible for
// its own reference, and Remove only stops future Lookups from finding
// it.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	delete(d.byName, name)
	d.mu.Unlock()
}

// Len reports the number of published names, for diagnostics.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}
