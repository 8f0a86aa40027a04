package identity

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	perrs "github.com/pcesar22/domes-sub001/pkg/errors"
)

var (
	keyIdentity  = []byte("identity")
	keyBootCount = []byte("stats/boot_count")
)

// BadgerStore implements Store on BadgerDB. One instance owns the data
// directory for the lifetime of the process.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	// Identity records are tiny; keep the footprint small for flash parts.
	opts.Logger = nil
	// No block cache means compression must be off, or Open refuses to start.
	opts.Compression = options.None
	opts.BlockCacheSize = 0
	opts.IndexCacheSize = 0

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.bumpBootCount(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) Load() (NodeIdentity, error) {
	var ident NodeIdentity

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyIdentity)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&ident)
		})
	})

	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return NodeIdentity{}, perrs.ErrNoIdentity
		}
		return NodeIdentity{}, err
	}
	return ident, nil
}

func (s *BadgerStore) Save(ident NodeIdentity) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ident); err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyIdentity, buf.Bytes())
	})
}

// BootCount returns the number of times this store has been opened.
func (s *BadgerStore) BootCount() (uint32, error) {
	var count uint32
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyBootCount)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 4 {
				return fmt.Errorf("bad boot count record")
			}
			count = uint32(val[0])<<24 | uint32(val[1])<<16 | uint32(val[2])<<8 | uint32(val[3])
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	return count, err
}

func (s *BadgerStore) bumpBootCount() error {
	return s.db.Update(func(txn *badger.Txn) error {
		var count uint32
		item, err := txn.Get(keyBootCount)
		if err == nil {
			err = item.Value(func(val []byte) error {
				if len(val) == 4 {
					count = uint32(val[0])<<24 | uint32(val[1])<<16 | uint32(val[2])<<8 | uint32(val[3])
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		count++
		buf := []byte{byte(count >> 24), byte(count >> 16), byte(count >> 8), byte(count)}
		return txn.Set(keyBootCount, buf)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
