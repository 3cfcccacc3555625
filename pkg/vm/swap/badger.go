package swap

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
)

// BadgerStore is the real Store implementation, wired to a badger/v4
// database the way the teacher's pkg/resource/store/store.go wires one
// up: one key-value pair per operation, transaction-per-call, `Close`
// idempotent.
type BadgerStore struct {
	db  *badger.DB
	log logr.Logger
}

// NewBadgerStore opens (creating if necessary) a badger database at
// dir. Used only when the harness is given a -swap-dir.
func NewBadgerStore(dir string, log logr.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, log: log.WithName("swap-store")}, nil
}

func key(id ID) []byte {
	b := id // [16]byte array value
	return b[:]
}

func (s *BadgerStore) Write(id ID, page []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), page)
	})
}

func (s *BadgerStore) Read(id ID) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Delete(id ID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
