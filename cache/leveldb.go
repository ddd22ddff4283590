package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<namespace>          -> created at (unix seconds, big endian)
//	e:<namespace>\x00<key> -> serialized entry
const (
	namespacePrefix = "n:"
	entryPrefix     = "e:"
	keySeparator    = "\x00"
)

// LevelDBCache stores namespaces in a LevelDB database on disk.
type LevelDBCache struct {
	db *leveldb.DB
	// serializes multi-key writes against namespace deletes
	writeMutex *sync.Mutex
}

func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, err
	}
	return LevelDBCache{db: db, writeMutex: &sync.Mutex{}}, nil
}

func namespaceKey(ns string) []byte {
	return []byte(namespacePrefix + ns)
}

func entriesPrefix(ns string) []byte {
	return []byte(entryPrefix + ns + keySeparator)
}

func entryKey(ns, key string) []byte {
	return append(entriesPrefix(ns), key...)
}

func (l LevelDBCache) Namespaces() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(namespacePrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(namespacePrefix))))
	}
	return names, it.Error()
}

func (l LevelDBCache) HasNamespace(ns string) (bool, error) {
	return l.db.Has(namespaceKey(ns), nil)
}

func (l LevelDBCache) Get(ns, key string) (Entry, bool, error) {
	b, err := l.db.Get(entryKey(ns, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := entryFromBytes(key, b)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (l LevelDBCache) Put(ns string, e Entry) error {
	return l.PutAll(ns, []Entry{e})
}

func (l LevelDBCache) PutAll(ns string, entries []Entry) error {
	batch := new(leveldb.Batch)
	created := make([]byte, 8)
	binary.BigEndian.PutUint64(created, uint64(time.Now().Unix()))

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if ok, err := l.db.Has(namespaceKey(ns), nil); err != nil {
		return err
	} else if !ok {
		batch.Put(namespaceKey(ns), created)
	}
	for _, e := range entries {
		b, err := entryToBytes(e)
		if err != nil {
			return err
		}
		batch.Put(entryKey(ns, e.Key), b)
	}
	// a batch is applied atomically
	return l.db.Write(batch, nil)
}

func (l LevelDBCache) Keys(ns string, cb func(string)) error {
	prefix := entriesPrefix(ns)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (l LevelDBCache) Stats(ns string) (int, int64, error) {
	if ok, err := l.HasNamespace(ns); err != nil {
		return 0, 0, err
	} else if !ok {
		return 0, 0, ErrNamespaceNotFound
	}
	it := l.db.NewIterator(util.BytesPrefix(entriesPrefix(ns)), nil)
	defer it.Release()
	var count int
	var size int64
	for it.Next() {
		count++
		size += int64(len(it.Value()))
	}
	return count, size, it.Error()
}

func (l LevelDBCache) Delete(ns string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(entriesPrefix(ns)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(namespaceKey(ns))
	return l.db.Write(batch, nil)
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}
