// Package swap implements the swap descriptor / pager boundary that
// spec.md's non-resident anon path writes through (§3 "Anon": "if
// non-resident, a swap descriptor"). Per the Open Questions, this is
// gated behind configuration rather than faked: Store has a real
// badger-backed implementation (NewBadgerStore) used when a swap
// directory is configured, and an in-memory fake (NewMemStore) used
// otherwise and in tests.
package swap

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ID identifies one swapped-out page's data. The zero value means "no
// swap descriptor" (the anon is either resident or was never written
// out).
type ID uuid.UUID

// Valid reports whether id refers to an actual swap slot.
func (id ID) Valid() bool { return id != ID{} }

func (id ID) String() string { return uuid.UUID(id).String() }

// NewID allocates a fresh swap slot identifier.
func NewID() ID { return ID(uuid.New()) }

// Store is the pager boundary: write a page out, read it back, and
// release its slot once the anon is freed or brought back resident.
type Store interface {
	Write(id ID, page []byte) error
	Read(id ID) ([]byte, error)
	Delete(id ID) error
	Close() error
}

// ErrDisabled is returned by every Store method on a DisabledStore,
// matching the Open Questions' "leave swap as a clearly-marked TODO
// gated by a configuration flag, not fake it": the pageout path gets a
// real, typed error instead of silently succeeding.
var ErrDisabled = fmt.Errorf("swap: disabled (no -swap-dir configured)")

// DisabledStore rejects every operation. It is the default Store when
// no swap directory is configured.
type DisabledStore struct{}

func (DisabledStore) Write(ID, []byte) error  { return ErrDisabled }
func (DisabledStore) Read(ID) ([]byte, error) { return nil, ErrDisabled }
func (DisabledStore) Delete(ID) error         { return ErrDisabled }
func (DisabledStore) Close() error            { return nil }

// MemStore is an in-memory Store fake, used by vm's own tests so the
// fault-handler call site is fully exercised without a real badger
// instance.
type MemStore struct {
	mu   sync.Mutex
	data map[ID][]byte
}

// NewMemStore creates an empty in-memory swap store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[ID][]byte)}
}

func (m *MemStore) Write(id ID, page []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(page))
	copy(cp, page)
	m.data[id] = cp
	return nil
}

func (m *MemStore) Read(id ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("swap: no such slot %s", id)
	}
	return p, nil
}

func (m *MemStore) Delete(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *MemStore) Close() error { return nil }
