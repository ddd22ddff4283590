package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	serializer "github.com/always-cache/swcache/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			size INTEGER,
			bytes BLOB,
			PRIMARY KEY (namespace, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) HasNamespace(ns string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM namespaces WHERE name = ?", ns).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteCache) Get(ns, key string) (Entry, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE namespace = ? AND key = ?", ns, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := entryFromBytes(key, bytes)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s SQLiteCache) Put(ns string, e Entry) error {
	return s.PutAll(ns, []Entry{e})
}

func (s SQLiteCache) PutAll(ns string, entries []Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)", ns, time.Now().Unix()); err != nil {
		return err
	}
	for _, e := range entries {
		bytes, err := entryToBytes(e)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO entries
			(namespace, key, stored_at, size, bytes) VALUES (?, ?, ?, ?, ?)`,
			ns, e.Key, e.StoredAt.Unix(), e.Response.Size(), bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Keys(ns string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE namespace = ? ORDER BY key", ns)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Stats(ns string) (int, int64, error) {
	if ok, err := s.HasNamespace(ns); err != nil {
		return 0, 0, err
	} else if !ok {
		return 0, 0, ErrNamespaceNotFound
	}
	var count int
	var size int64
	err := s.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries WHERE namespace = ?", ns).Scan(&count, &size)
	return count, size, err
}

func (s SQLiteCache) Delete(ns string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE namespace = ?", ns); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM namespaces WHERE name = ?", ns); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func entryToBytes(e Entry) ([]byte, error) {
	if e.Response == nil {
		return nil, fmt.Errorf("entry %s has no response", e.Key)
	}
	return serializer.StoredResponseToBytes(serializer.StoredResponse{
		Method:     e.Method,
		URL:        e.URL,
		StoredAt:   e.StoredAt,
		StatusCode: e.Response.StatusCode,
		Header:     e.Response.Header,
		Body:       e.Response.Body,
	})
}

func entryFromBytes(key string, b []byte) (Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return Entry{}, fmt.Errorf("corrupt entry %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		Method:   sRes.Method,
		URL:      sRes.URL,
		StoredAt: sRes.StoredAt,
		Response: &Response{
			StatusCode: sRes.StatusCode,
			Header:     sRes.Header,
			Body:       sRes.Body,
		},
	}, nil
}
