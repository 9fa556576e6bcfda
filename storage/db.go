package storage

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// Op is one write in an atomic batch. Value is ignored when Delete is set.
type Op struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// Database is the key-value surface the state store runs on. Lookups report
// presence explicitly; Write applies a batch atomically.
type Database interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Write(batch []Op) error
	Close() error
}

// MemDB is the in-memory backend used by tests and ephemeral daemons.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Get(key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, true, nil
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	db.data[string(key)] = cp
	return nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) Write(batch []Op) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, op := range batch {
		if op.Delete {
			delete(db.data, string(op.Key))
			continue
		}
		cp := make([]byte, len(op.Value))
		copy(cp, op.Value)
		db.data[string(op.Key)] = cp
	}
	return nil
}

func (db *MemDB) Close() error { return nil }

// LevelDB is the persistent backend.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the given path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, bool, error) {
	value, err := ldb.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

// Write applies the batch through leveldb's batch writer, which lands as one
// journal record.
func (ldb *LevelDB) Write(batch []Op) error {
	b := new(leveldb.Batch)
	for _, op := range batch {
		if op.Delete {
			b.Delete(op.Key)
			continue
		}
		b.Put(op.Key, op.Value)
	}
	return ldb.db.Write(b, nil)
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}
