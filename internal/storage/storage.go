// Package storage keeps small named entries (the API key, the serialized
// conversation mapping) in a single bbolt file. The database is opened per
// operation so the CLI and the daemon can share the file.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrStorage wraps every read/write failure of the durable store.
var ErrStorage = errors.New("storage error")

const entriesBucket = "entries"

// Entries is a named-entry store. Get returns (nil, nil) for a missing entry.
type Entries interface {
	Get(name string) ([]byte, error)
	Put(name string, value []byte) error
	Delete(name string) error
}

// Bolt is the bbolt-backed Entries implementation.
type Bolt struct {
	path    string
	timeout time.Duration
}

func NewBolt(path string) *Bolt {
	return &Bolt{path: path, timeout: 2 * time.Second}
}

func (b *Bolt) Path() string { return b.path }

// DefaultPath returns ~/.local/share/voxchat/voxchat.db (or the XDG equivalent).
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "voxchat", "voxchat.db"), nil
}

func (b *Bolt) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrStorage, err)
	}
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: b.timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, b.path, err)
	}
	return db, nil
}

func (b *Bolt) Get(name string) ([]byte, error) {
	db, err := b.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	var out []byte
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(name)); v != nil {
			// v is only valid inside the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, name, err)
	}
	return out, nil
}

func (b *Bolt) Put(name string, value []byte) error {
	db, err := b.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(name), value)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorage, name, err)
	}
	return nil
}

func (b *Bolt) Delete(name string) error {
	db, err := b.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, name, err)
	}
	return nil
}

// Memory is an in-process Entries implementation.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}
