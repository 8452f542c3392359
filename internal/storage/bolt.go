package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltStore implements Store on a bbolt database file. Several
// processes on one host may share the file; bbolt serializes writers
// with a file lock so every Update is a serializable transaction.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the database at path.
// timeout bounds the wait for the file lock held by another process;
// zero waits forever.
func OpenBoltStore(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts := *bolt.DefaultOptions
	opts.Timeout = timeout
	db, err := bolt.Open(path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Get retrieves a value by key
func (b *BoltStore) Get(key string) (value []byte, err error) {
	err = b.View(func(r Reader) error {
		value, err = r.Get(key)
		return err
	})
	return value, err
}

// Put stores a value with the given key
func (b *BoltStore) Put(key string, value []byte) error {
	return b.Update(func(tx Txn) error {
		return tx.Put(key, value)
	})
}

// Delete removes a key-value pair, idempotent
func (b *BoltStore) Delete(key string) error {
	return b.Update(func(tx Txn) error {
		return tx.Delete(key)
	})
}

// List returns the keys with the given prefix in byte order
func (b *BoltStore) List(prefix string) (keys []string, err error) {
	err = b.View(func(r Reader) error {
		keys, err = r.List(prefix)
		return err
	})
	return keys, err
}

// View runs fn in a read-only bbolt transaction
func (b *BoltStore) View(fn func(r Reader) error) error {
	return b.wrap(b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTxn{bucket: tx.Bucket(recordsBucket)})
	}))
}

// Update runs fn in a read-write bbolt transaction, rolled back when fn
// returns an error
func (b *BoltStore) Update(fn func(tx Txn) error) error {
	return b.wrap(b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{bucket: tx.Bucket(recordsBucket)})
	}))
}

// Stats walks the bucket and counts keys and value bytes
func (b *BoltStore) Stats() StoreStats {
	var stats StoreStats
	_ = b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(_, v []byte) error {
			stats.Keys++
			stats.Bytes += len(v)
			return nil
		})
	})
	return stats
}

// Close closes the database file
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) wrap(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

type boltTxn struct {
	bucket *bolt.Bucket
}

func (t *boltTxn) Get(key string) ([]byte, error) {
	value := t.bucket.Get([]byte(key))
	if value == nil {
		return nil, ErrKeyNotFound
	}
	// bbolt memory is only valid for the life of the transaction
	return clone(value), nil
}

func (t *boltTxn) List(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	c := t.bucket.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys, nil
}

func (t *boltTxn) Put(key string, value []byte) error {
	// bbolt rejects nil values
	return t.bucket.Put([]byte(key), clone(value))
}

func (t *boltTxn) Delete(key string) error {
	return t.bucket.Delete([]byte(key))
}
