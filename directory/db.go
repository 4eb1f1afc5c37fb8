// Package directory implements the master key/value store backing the
// topic directory: new-only keys, append-only collections, and a snapshot
// persisted through afero so a broker restart finds its topics again.
package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mochi-hpc/mofka-go/errext"
)

// Directory key schema for a topic's immutable configuration and its
// partition roster.
const (
	keyPrefix = "MOFKA:GLOBAL:"
)

// ValidatorKey returns the directory key of a topic's validator config.
func ValidatorKey(topic string) string { return keyPrefix + topic + ":validator" }

// SelectorKey returns the directory key of a topic's selector config.
func SelectorKey(topic string) string { return keyPrefix + topic + ":selector" }

// SerializerKey returns the directory key of a topic's serializer config.
func SerializerKey(topic string) string { return keyPrefix + topic + ":serializer" }

// PartitionsKey returns the name of a topic's partitions collection.
func PartitionsKey(topic string) string { return keyPrefix + topic + ":partitions" }

// PartitionRecord is one entry of a partitions collection.
type PartitionRecord struct {
	UUID       string `json:"uuid"`
	Address    string `json:"address"`
	ProviderID uint16 `json:"provider_id"`
}

type snapshot struct {
	KV          map[string][]byte   `json:"kv"`
	Collections map[string][][]byte `json:"collections"`
}

// DB is the process-wide master store. Values are immutable once written;
// collections only grow. All writes go through the snapshot file when one
// is configured.
type DB struct {
	logger logrus.FieldLogger
	fs     afero.Fs
	path   string // empty means in-memory only

	mu          sync.RWMutex
	kv          map[string][]byte
	collections map[string][][]byte
}

// Open loads (or initializes) a database snapshotted at path. An empty
// path keeps the database in memory only.
func Open(fs afero.Fs, path string, logger logrus.FieldLogger) (*DB, error) {
	db := &DB{
		logger:      logger.WithField("component", "directory"),
		fs:          fs,
		path:        path,
		kv:          make(map[string][]byte),
		collections: make(map[string][][]byte),
	}
	if path == "" {
		return db, nil
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errext.WithKind(err, errext.StoreError)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, errext.WithKind(err, errext.StoreError)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errext.Errorf(errext.StoreError, "corrupt directory snapshot %q: %s", path, err)
	}
	if snap.KV != nil {
		db.kv = snap.KV
	}
	if snap.Collections != nil {
		db.collections = snap.Collections
	}
	db.logger.WithField("keys", len(db.kv)).Info("directory snapshot loaded")
	return db, nil
}

// persist writes the snapshot; callers hold the write lock.
func (db *DB) persist() error {
	if db.path == "" {
		return nil
	}
	data, err := json.Marshal(snapshot{KV: db.kv, Collections: db.collections})
	if err != nil {
		return errext.WithKind(err, errext.StoreError)
	}
	if err := afero.WriteFile(db.fs, db.path, data, 0o644); err != nil {
		return errext.WithKind(err, errext.StoreError)
	}
	return nil
}

// PutNew stores the given keys under new-only semantics: either all of
// them come into existence, or none do. Any collision fails the whole
// call with TopicExists.
func (db *DB) PutNew(keys []string, values [][]byte) error {
	if len(keys) != len(values) {
		return errext.Errorf(errext.StoreError, "PutNew called with %d keys and %d values", len(keys), len(values))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, key := range keys {
		if _, ok := db.kv[key]; ok {
			return errext.Errorf(errext.TopicExists, "key %q already exists", key)
		}
	}
	for i, key := range keys {
		db.kv[key] = values[i]
	}
	if err := db.persist(); err != nil {
		for _, key := range keys {
			delete(db.kv, key)
		}
		return err
	}
	return nil
}

// Get returns a key's value.
func (db *DB) Get(key string) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.kv[key]
	return value, ok
}

// Length returns a key's value length without fetching it, the cheap
// existence probe open-topic relies on.
func (db *DB) Length(key string) (uint64, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.kv[key]
	return uint64(len(value)), ok
}

// CreateCollection initializes an empty collection. Creating an existing
// collection is an error.
func (db *DB) CreateCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.collections[name]; ok {
		return errext.Errorf(errext.TopicExists, "collection %q already exists", name)
	}
	db.collections[name] = [][]byte{}
	return db.persist()
}

// Append adds a record at the tail of a collection and returns its index.
func (db *DB) Append(collection string, record []byte) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	records, ok := db.collections[collection]
	if !ok {
		return 0, errext.Errorf(errext.StoreError, "collection %q does not exist", collection)
	}
	db.collections[collection] = append(records, record)
	if err := db.persist(); err != nil {
		db.collections[collection] = records
		return 0, err
	}
	return uint64(len(records)), nil
}

// List returns a collection's records in append order.
func (db *DB) List(collection string) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	records, ok := db.collections[collection]
	if !ok {
		return nil, errext.Errorf(errext.StoreError, "collection %q does not exist", collection)
	}
	out := make([][]byte, len(records))
	copy(out, records)
	return out, nil
}

// AppendPartition encodes and appends a partition record to a topic's
// roster.
func (db *DB) AppendPartition(topic string, record PartitionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errext.WithKind(err, errext.StoreError)
	}
	_, err = db.Append(PartitionsKey(topic), data)
	return err
}

// ListPartitions decodes a topic's partition roster.
func (db *DB) ListPartitions(topic string) ([]PartitionRecord, error) {
	raw, err := db.List(PartitionsKey(topic))
	if err != nil {
		return nil, err
	}
	records := make([]PartitionRecord, len(raw))
	for i, data := range raw {
		if err := json.Unmarshal(data, &records[i]); err != nil {
			return nil, errext.Errorf(errext.StoreError,
				"corrupt partition record %d of topic %q: %s", i, topic, err)
		}
	}
	return records, nil
}

func (db *DB) String() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return fmt.Sprintf("directory.DB{keys: %d, collections: %d}", len(db.kv), len(db.collections))
}
