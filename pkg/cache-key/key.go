package cachekey

import (
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = ":"

// Normalize returns the canonical string form of an absolute URL.
// Scheme and host are lower-cased, default ports are removed, an empty path
// becomes "/" and the fragment is dropped. The query is kept as-is.
func Normalize(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if port := n.Port(); (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		n.Host = strings.TrimSuffix(n.Host, ":"+port)
	}
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
	}
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil
	return n.String()
}

// Key returns the cache key for a request descriptor.
// The key is the upper-cased method followed by the normalized URL, e.g.
// "GET:https://example.com/index.html".
func Key(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + methodSeparator + Normalize(u)
}
