package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "checkpoint/"

// BadgerBackend stores checkpoints in an embedded Badger database.
type BadgerBackend struct {
	db  *badger.DB
	dir string
}

// OpenBadger opens the database in dir. An empty dir opens an in-memory
// database.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger checkpoint db: %w", err)
	}
	return &BadgerBackend{db: db, dir: dir}, nil
}

func (b *BadgerBackend) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpointFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return out, nil
}

func (b *BadgerBackend) Put(_ context.Context, key string, data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPrefix+key), data)
	})
}

func (b *BadgerBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerPrefix + key))
	})
}

func (b *BadgerBackend) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), badgerPrefix))
		}
		return nil
	})
	return keys, err
}

func (b *BadgerBackend) Location(key string) string {
	if b.dir == "" {
		return "badger:memory/" + badgerPrefix + key
	}
	return "badger://" + b.dir + "/" + badgerPrefix + key
}

func (b *BadgerBackend) Close() error { return b.db.Close() }
