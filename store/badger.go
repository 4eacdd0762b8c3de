package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// NewBadger opens (or creates) a Badger-backed store at path.
func NewBadger(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return newStore(&badgerBackend{db: db})
}

type badgerBackend struct {
	db *badger.DB
}

func (b *badgerBackend) View(scope string, fn func(tx Txn) error) error {
	err := b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	return nil
}

func (b *badgerBackend) Update(scope string, fn func(tx Txn) error) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}
	return nil
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

func (t *badgerTxn) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.Key()), value); err != nil {
			return err
		}
	}
	return nil
}
