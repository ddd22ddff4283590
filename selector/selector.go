// Package selector decides how an intercepted request is served.
//
// Classification walks an ordered list of predicates and stops at the first
// match. The last predicate matches everything, so every request gets exactly
// one class.
package selector

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Class int

const (
	// Not intercepted: served by the network alone, never touching the store.
	Disallowed Class = iota
	// Navigations and HTML documents.
	Document
	// Everything else that may be intercepted.
	Asset
)

func (c Class) String() string {
	switch c {
	case Disallowed:
		return "disallowed"
	case Document:
		return "document"
	case Asset:
		return "asset"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

type Strategy string

const (
	Passthrough          Strategy = "passthrough"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Mode selects how documents are served.
type Mode string

const (
	// Documents are revalidated in the background, assets are cache-first.
	ModePerClass Mode = "per-class"
	// Every intercepted request is cache-first.
	ModeCacheFirst Mode = "cache-first"
)

// Predicate assigns Class to the requests it matches.
type Predicate struct {
	Name  string
	Class Class
	Match func(r *http.Request) bool
}

type Config struct {
	// Origin of the application. Requests without a host are same-origin.
	Origin *url.URL
	// Host suffixes of cross-origin hosts that may be intercepted,
	// e.g. "googleapis.com" matches fonts.googleapis.com.
	Allow []string
	// Requests matching a bypass rule are not intercepted.
	Bypass Rules
	// Routing mode. Defaults to per-class.
	Mode Mode
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Decision is the outcome of selecting a request.
type Decision struct {
	Class     Class
	Predicate string
	Strategy  Strategy
}

type Selector struct {
	predicates []Predicate
	mode       Mode
	log        zerolog.Logger
}

func New(config Config) *Selector {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.Mode == "" {
		config.Mode = ModePerClass
	}
	allow := make([]string, 0, len(config.Allow))
	for _, a := range config.Allow {
		a = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(a, "*"), "."))
		if a != "" {
			allow = append(allow, a)
		}
	}
	originHost := ""
	if config.Origin != nil {
		originHost = strings.ToLower(config.Origin.Hostname())
	}
	bypass := config.Bypass

	return &Selector{
		mode: config.Mode,
		log:  logger.With().Str("component", "selector").Logger(),
		predicates: []Predicate{
			{
				Name:  "cross-origin",
				Class: Disallowed,
				Match: func(r *http.Request) bool {
					host := requestHost(r)
					return host != "" && host != originHost && !allowed(host, allow)
				},
			},
			{
				Name:  "bypass-rule",
				Class: Disallowed,
				Match: func(r *http.Request) bool {
					return bypass.Match(r) != nil
				},
			},
			{
				Name:  "unsafe-method",
				Class: Disallowed,
				Match: func(r *http.Request) bool {
					return r.Method != http.MethodGet && r.Method != http.MethodHead
				},
			},
			{
				// responses to credentialed requests are private to one client
				Name:  "authorization",
				Class: Disallowed,
				Match: func(r *http.Request) bool {
					return r.Header.Get("Authorization") != ""
				},
			},
			{
				Name:  "document",
				Class: Document,
				Match: isDocument,
			},
			{
				Name:  "asset",
				Class: Asset,
				Match: func(*http.Request) bool { return true },
			},
		},
	}
}

// Predicates returns the predicate names in evaluation order.
func (s *Selector) Predicates() []string {
	names := make([]string, len(s.predicates))
	for i, p := range s.predicates {
		names[i] = p.Name
	}
	return names
}

// Classify returns the class of the request and the name of the predicate that decided it.
func (s *Selector) Classify(r *http.Request) (Class, string) {
	for _, p := range s.predicates {
		if p.Match(r) {
			return p.Class, p.Name
		}
	}
	// unreachable, the last predicate matches everything
	return Asset, ""
}

// Route maps a class to the strategy serving it.
func (s *Selector) Route(c Class) Strategy {
	switch c {
	case Disallowed:
		return Passthrough
	case Document:
		if s.mode == ModeCacheFirst {
			return CacheFirst
		}
		return StaleWhileRevalidate
	}
	return CacheFirst
}

// Select classifies and routes the request.
func (s *Selector) Select(r *http.Request) Decision {
	class, predicate := s.Classify(r)
	d := Decision{Class: class, Predicate: predicate, Strategy: s.Route(class)}
	s.log.Trace().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("class", class.String()).
		Str("predicate", predicate).
		Str("strategy", string(d.Strategy)).
		Msg("Selected strategy")
	return d
}

// requestHost returns the lower-cased host of an absolute-form request,
// or "" for requests addressed to the application itself.
func requestHost(r *http.Request) string {
	if !r.URL.IsAbs() || r.URL.Host == "" {
		return ""
	}
	host := r.URL.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func allowed(host string, allow []string) bool {
	for _, suffix := range allow {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func isDocument(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" || r.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	for _, accept := range r.Header.Values("Accept") {
		for _, mediaRange := range strings.Split(accept, ",") {
			mediaType, _, _ := strings.Cut(mediaRange, ";")
			switch strings.ToLower(strings.TrimSpace(mediaType)) {
			case "text/html", "application/xhtml+xml":
				return true
			}
		}
	}
	return false
}
