package cache

import (
	"bytes"
	"errors"
	"net/http"
	"time"
)

// ErrNamespaceNotFound is returned when operating on a namespace that does not exist.
var ErrNamespaceNotFound = errors.New("namespace not found")

// Provider is a versioned store: a set of named namespaces, each mapping
// request keys to captured responses.
// A namespace comes into existence with its first write and disappears with Delete.
//
// Implementations must be thread-safe!
type Provider interface {
	// Namespaces returns the names of all existing namespaces.
	Namespaces() ([]string, error)
	// HasNamespace reports whether the namespace exists.
	HasNamespace(ns string) (bool, error)
	// Get returns the entry stored under key in the namespace, if it exists.
	// A missing namespace is not an error; the boolean is false.
	Get(ns, key string) (Entry, bool, error)
	// Put stores the entry in the namespace, replacing any entry with the same key.
	Put(ns string, e Entry) error
	// PutAll stores all entries in the namespace atomically:
	// either every entry becomes visible or none does.
	PutAll(ns string, entries []Entry) error
	// Keys calls the given callback for each key in the namespace.
	Keys(ns string, cb func(string)) error
	// Stats returns the number of entries and their approximate size in bytes.
	Stats(ns string) (count int, size int64, err error)
	// Delete removes the namespace and every entry in it.
	// Deleting a missing namespace is not an error.
	Delete(ns string) error
	// Close releases the resources held by the provider.
	Close() error
}

// Response is a captured response. Stored responses are never mutated;
// use Clone before changing one.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       bytes.Clone(r.Body),
	}
}

// Size returns the approximate size of the response in bytes.
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	size := int64(len(r.Body))
	for k, vs := range r.Header {
		for _, v := range vs {
			size += int64(len(k) + len(v))
		}
	}
	return size
}

// Entry is a request descriptor together with its captured response.
type Entry struct {
	// Key identifies the request descriptor, see package cachekey.
	Key      string
	Method   string
	URL      string
	StoredAt time.Time
	Response *Response
}

func (e Entry) clone() Entry {
	e.Response = e.Response.Clone()
	return e
}
