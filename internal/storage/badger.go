package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore maps record paths directly onto badger keys.
type BadgerStore struct {
	db   *badger.DB
	opts options
}

func NewBadgerStore(dir string, opts ...Option) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *BadgerStore) Get(_ context.Context, p string, out any) (bool, error) {
	p, err := cleanPath(p)
	if err != nil {
		return false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(p))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decode(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return true, nil
}

func (s *BadgerStore) Put(_ context.Context, p string, value any) error {
	p, err := cleanPath(p)
	if err != nil {
		return err
	}
	data, err := s.opts.encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(p), data)
	})
}

func (s *BadgerStore) keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return nil, err
	}
	keys, err := s.keys(prefix)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (s *BadgerStore) Remove(_ context.Context, prefix string) error {
	prefix, err := cleanPath(prefix)
	if err != nil {
		return err
	}
	keys, err := s.keys(prefix)
	if err != nil {
		return err
	}
	keys = append(keys, prefix)
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
