// Package strategy implements the retrieval strategies: cache-first with
// offline fallback, and stale-while-revalidate.
//
// A strategy reads the namespaces named by a lease and never blocks the
// response on a store write. Writes run as tracked background tasks holding
// a reference on the lease until they complete.
package strategy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/lifecycle"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	"github.com/always-cache/swcache/selector"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultOfflineDocument is served when both cache and network fail.
const DefaultOfflineDocument = "/offline.html"

// Source tells where a response came from.
type Source string

const (
	SourceStatic    Source = "static"
	SourceRuntime   Source = "runtime"
	SourceNetwork   Source = "network"
	SourceOffline   Source = "offline"
	SourceSynthetic Source = "synthetic"
)

type Result struct {
	Response *cache.Response
	Source   Source
	// Err is the fetch failure that caused a fallback, if any.
	Err error
}

type Config struct {
	Store   cache.Provider
	Network fetch.Network
	// Origin that relative request URLs and the offline document refer to.
	Origin *url.URL
	// Path or URL of the offline fallback document.
	OfflineDocument string
	// Responses with a larger body are not stored. Zero means no limit.
	MaxEntrySize int64
	// Background work tracker. A new one is created if nil.
	Tasks *Tasks
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Runner struct {
	store        cache.Provider
	network      fetch.Network
	origin       *url.URL
	offline      *url.URL
	maxEntrySize int64
	tasks        *Tasks
	log          zerolog.Logger
}

func New(config Config) *Runner {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.OfflineDocument == "" {
		config.OfflineDocument = DefaultOfflineDocument
	}
	offline, err := url.Parse(config.OfflineDocument)
	if err != nil {
		logger.Warn().Err(err).Str("document", config.OfflineDocument).Msg("Invalid offline document, using default")
		offline, _ = url.Parse(DefaultOfflineDocument)
	}
	if config.Tasks == nil {
		config.Tasks = &Tasks{}
	}
	return &Runner{
		store:        config.Store,
		network:      config.Network,
		origin:       config.Origin,
		offline:      offline,
		maxEntrySize: config.MaxEntrySize,
		tasks:        config.Tasks,
		log:          logger.With().Str("component", "strategy").Logger(),
	}
}

// Tasks returns the tracker of background work.
func (s *Runner) Tasks() *Tasks {
	return s.tasks
}

// Serve runs the given strategy. Passthrough requests go to the network
// without touching the store.
func (s *Runner) Serve(ctx context.Context, strategy selector.Strategy, r *http.Request, lease *lifecycle.Lease) Result {
	switch strategy {
	case selector.CacheFirst:
		return s.CacheFirst(ctx, r, lease)
	case selector.StaleWhileRevalidate:
		return s.StaleWhileRevalidate(ctx, r, lease)
	}
	return s.Passthrough(ctx, r)
}

// Passthrough fetches the request from the network only.
func (s *Runner) Passthrough(ctx context.Context, r *http.Request) Result {
	res, err := s.network.Fetch(ctx, r)
	if err != nil {
		ferr := &fetch.Error{URL: r.URL.String(), Err: err}
		s.log.Warn().Err(ferr).Msg("Passthrough fetch failed")
		return Result{Response: synthetic(http.StatusBadGateway, "Bad Gateway"), Source: SourceSynthetic, Err: ferr}
	}
	return Result{Response: res, Source: SourceNetwork}
}

// CacheFirst serves the request from the active static namespace, then the
// runtime namespace, and only then from the network. Successful network
// responses are stored in the runtime namespace.
func (s *Runner) CacheFirst(ctx context.Context, r *http.Request, lease *lifecycle.Lease) Result {
	u := s.absolute(r)
	key := cachekey.Key(http.MethodGet, u)
	log := s.log.With().Str("key", key).Logger()

	if res, source, ok := s.lookup(key, lease.Static, lease.Runtime); ok {
		log.Trace().Str("source", string(source)).Msg("Cache hit")
		return Result{Response: res, Source: source}
	}

	log.Trace().Msg("Cache miss, fetching")
	res, err := s.network.Fetch(ctx, r)
	if ferr, failed := fetch.Failed(u.String(), res, err); failed {
		log.Warn().Err(ferr).Msg("Fetch failed, falling back")
		return s.fallback(lease, u, res, ferr)
	}
	if storable(r, res) {
		s.storeInBackground(lease, lease.Runtime, s.entry(key, u, res))
	}
	return Result{Response: res, Source: SourceNetwork}
}

// storable reports whether res is a complete response that may be stored
// under the request's key.
func storable(r *http.Request, res *cache.Response) bool {
	return r.Method == http.MethodGet &&
		r.Header.Get("Range") == "" &&
		res.StatusCode == http.StatusOK
}

type outcome struct {
	res *cache.Response
	err error
}

// StaleWhileRevalidate serves the cached copy from the active static namespace
// if there is one and refreshes it from the network in the background.
// Without a cached copy it waits for the network.
func (s *Runner) StaleWhileRevalidate(ctx context.Context, r *http.Request, lease *lifecycle.Lease) Result {
	u := s.absolute(r)
	key := cachekey.Key(http.MethodGet, u)
	log := s.log.With().Str("key", key).Logger()

	// the refresh outlives the client request
	fetchCtx := context.WithoutCancel(ctx)
	network := make(chan outcome, 1)
	lease.Retain()
	s.tasks.Go(func() {
		defer lease.Release()
		res, err := s.network.Fetch(fetchCtx, r.WithContext(fetchCtx))
		if err != nil || !storable(r, res) {
			if ferr, failed := fetch.Failed(u.String(), res, err); failed {
				log.Debug().Err(ferr).Msg("Refresh failed")
			}
			network <- outcome{res: res, err: err}
			return
		}
		// the caller owns res once it is sent
		e := s.entry(key, u, res)
		network <- outcome{res: res}
		s.put(lease.Static, e)
	})

	if res, source, ok := s.lookup(key, lease.Static); ok {
		log.Trace().Msg("Serving cached document, revalidating")
		return Result{Response: res, Source: source}
	}

	var o outcome
	select {
	case o = <-network:
	case <-ctx.Done():
		o = outcome{err: ctx.Err()}
	}
	if ferr, failed := fetch.Failed(u.String(), o.res, o.err); failed {
		log.Warn().Err(ferr).Msg("Fetch failed, falling back")
		return s.fallback(lease, u, o.res, ferr)
	}
	return Result{Response: o.res, Source: SourceNetwork}
}

// fallback serves the offline document, else the upstream error response,
// else a synthetic offline response.
func (s *Runner) fallback(lease *lifecycle.Lease, base *url.URL, upstream *cache.Response, cause error) Result {
	key := cachekey.Key(http.MethodGet, s.offlineURL(base))
	if res, _, ok := s.lookup(key, lease.Static, lease.Runtime); ok {
		return Result{Response: res, Source: SourceOffline, Err: cause}
	}
	if upstream != nil {
		return Result{Response: upstream, Source: SourceNetwork, Err: cause}
	}
	return Result{Response: synthetic(http.StatusServiceUnavailable, "Offline"), Source: SourceSynthetic, Err: cause}
}

// lookup returns the first entry found in the namespaces, in order.
// Read errors are logged and treated as misses.
func (s *Runner) lookup(key string, namespaces ...string) (*cache.Response, Source, bool) {
	for i, ns := range namespaces {
		if ns == "" {
			continue
		}
		e, ok, err := s.store.Get(ns, key)
		if err != nil {
			s.log.Error().Err(err).Str("namespace", ns).Str("key", key).Msg("Could not read from cache")
			continue
		}
		if ok {
			source := SourceStatic
			if i > 0 {
				source = SourceRuntime
			}
			return e.Response, source, true
		}
	}
	return nil, "", false
}

func (s *Runner) storeInBackground(lease *lifecycle.Lease, ns string, e cache.Entry) {
	if ns == "" {
		return
	}
	lease.Retain()
	s.tasks.Go(func() {
		defer lease.Release()
		s.put(ns, e)
	})
}

func (s *Runner) put(ns string, e cache.Entry) {
	if ns == "" {
		return
	}
	if size := e.Response.Size(); s.maxEntrySize > 0 && size > s.maxEntrySize {
		s.log.Info().Str("key", e.Key).Int64("size", size).Msg("Response too large to store")
		return
	}
	if err := s.store.Put(ns, e); err != nil {
		s.log.Error().Err(&StoreWriteError{Namespace: ns, Key: e.Key, Cause: err}).Msg("Could not write to cache")
		return
	}
	s.log.Trace().Str("namespace", ns).Str("key", e.Key).Msg("Stored response")
}

// entry captures a clone of the response, leaving the original to the caller.
func (s *Runner) entry(key string, u *url.URL, res *cache.Response) cache.Entry {
	return cache.Entry{
		Key:      key,
		Method:   http.MethodGet,
		URL:      cachekey.Normalize(u),
		StoredAt: time.Now(),
		Response: res.Clone(),
	}
}

// absolute returns the absolute URL of the request.
func (s *Runner) absolute(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	u := *r.URL
	if s.origin != nil {
		u.Scheme, u.Host = s.origin.Scheme, s.origin.Host
		return &u
	}
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	return &u
}

// offlineURL resolves the offline document against the origin,
// or against the request URL when there is no origin.
func (s *Runner) offlineURL(base *url.URL) *url.URL {
	if s.origin != nil {
		base = s.origin
	}
	return base.ResolveReference(s.offline)
}

func synthetic(status int, body string) *cache.Response {
	return &cache.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(body),
	}
}
