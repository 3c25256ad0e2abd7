package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var kvBucket = []byte("kv")

// errExpired is internal to a transaction; callers see ErrNotFound.
var errExpired = errors.New("kv: expired")

type boltEntry struct {
	ExpiresAt int64  `json:"e,omitempty"`
	Value     []byte `json:"v"`
}

// Bolt is a Store persisted in a single bbolt file. Expired entries are
// dropped lazily when touched.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New("kv: bolt path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("kv: creating bolt directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: initializing bolt db: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v, err := b.read(tx, key)
		out = v
		return err
	})
	if errors.Is(err, errExpired) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *Bolt) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := boltEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = b.now().Add(ttl).UnixNano()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), raw)
	})
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

func (b *Bolt) Take(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		v, err := b.read(tx, key)
		if err != nil && !errors.Is(err, errExpired) {
			return err
		}
		if delErr := tx.Bucket(kvBucket).Delete([]byte(key)); delErr != nil {
			return delErr
		}
		if err != nil {
			return ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Bolt) Close() error { return b.db.Close() }

func (b *Bolt) read(tx *bolt.Tx, key string) ([]byte, error) {
	raw := tx.Bucket(kvBucket).Get([]byte(key))
	if raw == nil {
		return nil, ErrNotFound
	}
	var entry boltEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("kv: decoding %q: %w", key, err)
	}
	if entry.ExpiresAt != 0 && b.now().UnixNano() >= entry.ExpiresAt {
		return nil, errExpired
	}
	return entry.Value, nil
}
