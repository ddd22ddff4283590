package cache

import (
	"sort"
	"sync"
)

// MemCache keeps every namespace in process memory.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]Entry),
	}
}

func (m MemCache) Namespaces() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for ns := range m.db {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) HasNamespace(ns string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[ns]
	return ok, nil
}

func (m MemCache) Get(ns, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[ns][key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.clone(), true, nil
}

func (m MemCache) Put(ns string, e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.namespace(ns)[e.Key] = e.clone()
	return nil
}

func (m MemCache) PutAll(ns string, entries []Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entriesNs := m.namespace(ns)
	for _, e := range entries {
		entriesNs[e.Key] = e.clone()
	}
	return nil
}

// namespace returns the namespace map, creating it if needed.
// The caller must hold the write lock.
func (m MemCache) namespace(ns string) map[string]Entry {
	entries, ok := m.db[ns]
	if !ok {
		entries = make(map[string]Entry)
		m.db[ns] = entries
	}
	return entries
}

func (m MemCache) Keys(ns string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[ns]))
	for key := range m.db[ns] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	// callback runs unlocked so that it may call back into the cache
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Stats(ns string) (int, int64, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[ns]
	if !ok {
		return 0, 0, ErrNamespaceNotFound
	}
	var size int64
	for _, e := range entries {
		size += e.Response.Size()
	}
	return len(entries), size, nil
}

func (m MemCache) Delete(ns string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, ns)
	return nil
}

func (m MemCache) Close() error {
	return nil
}
