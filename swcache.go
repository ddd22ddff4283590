// Package swcache intercepts HTTP requests and serves them from a versioned
// local cache or from the network, the way a service worker does for a web app.
//
// A Worker runs as a reverse proxy in front of an origin, as a forward proxy
// for absolute-form requests, or as middleware wrapping an application handler.
package swcache

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/control"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/lifecycle"
	"github.com/always-cache/swcache/manifest"
	tee "github.com/always-cache/swcache/pkg/response-writer-tee"
	"github.com/always-cache/swcache/selector"
	"github.com/always-cache/swcache/strategy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	// Storage for cache namespaces. An in-memory store is used if nil.
	Store cache.Provider
	// Network used on cache misses and for installs.
	// If nil, requests are sent to Origin (or to their own host when absolute).
	Network fetch.Network
	// URL of the origin server.
	// Origins with paths are not supported.
	Origin *url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport-level timeout for network fetches.
	FetchTimeout time.Duration
	// Namespace prefix.
	Prefix string
	// When an installed version becomes active.
	Activation lifecycle.Policy
	// Parallel fetches while installing.
	InstallConcurrency int
	// Strategy routing mode.
	Mode selector.Mode
	// Cross-origin host suffixes that may be intercepted.
	Allow []string
	// Requests that are never intercepted.
	Bypass selector.Rules
	// Path of the offline fallback document.
	OfflineDocument string
	// Largest response body stored at runtime, in bytes. Zero means no limit.
	MaxEntrySize int64
	// Where new manifests are published. Polling is disabled if nil.
	Manifest manifest.Source
	// Manifest poll interval. Zero checks the manifest once at startup.
	Poll time.Duration
	// Basic auth password required by the control routes. Open if empty.
	ControlToken string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Worker struct {
	config     Config
	store      cache.Provider
	network    fetch.Network
	next       http.Handler
	lifecycle  *lifecycle.Controller
	selector   *selector.Selector
	strategies *strategy.Runner
	control    *control.Channel
	log        zerolog.Logger
	tracer     trace.Tracer

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New initializes the worker and starts manifest polling if a source is configured.
func New(config Config) *Worker {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	if config.Store == nil {
		config.Store = cache.NewMemCache()
	}

	w := &Worker{
		config:  config,
		store:   config.Store,
		network: config.Network,
		log:     logger,
		tracer:  otel.Tracer("github.com/always-cache/swcache"),
	}
	if w.network == nil {
		w.network = fetch.NewClient(fetch.ClientConfig{
			Origin:     config.Origin,
			OriginHost: config.OriginHost,
			Timeout:    config.FetchTimeout,
			Logger:     &logger,
		})
	}
	// components reach the network through the worker so that Middleware can swap it
	network := fetch.NetworkFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		return w.network.Fetch(ctx, r)
	})

	w.lifecycle = lifecycle.New(lifecycle.Config{
		Store:              config.Store,
		Network:            network,
		Origin:             config.Origin,
		Prefix:             config.Prefix,
		Activation:         config.Activation,
		InstallConcurrency: config.InstallConcurrency,
		Logger:             &logger,
	})
	w.selector = selector.New(selector.Config{
		Origin: config.Origin,
		Allow:  config.Allow,
		Bypass: config.Bypass,
		Mode:   config.Mode,
		Logger: &logger,
	})
	w.strategies = strategy.New(strategy.Config{
		Store:           config.Store,
		Network:         network,
		Origin:          config.Origin,
		OfflineDocument: config.OfflineDocument,
		MaxEntrySize:    config.MaxEntrySize,
		Logger:          &logger,
	})
	w.control = control.New(w.lifecycle, &logger)

	w.ctx, w.cancel = context.WithCancel(context.Background())
	if config.Manifest != nil {
		w.wg.Add(1)
		go w.pollManifest()
	}
	return w
}

// Middleware makes the worker intercept requests to next,
// which then serves as the network. It must be called before serving.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	w.next = next
	w.network = fetch.NewHandler(next)
	return w.Router()
}

// Lifecycle returns the controller owning the active and pending versions.
func (w *Worker) Lifecycle() *lifecycle.Controller {
	return w.lifecycle
}

// Install installs the manifest's version.
func (w *Worker) Install(ctx context.Context, m manifest.Manifest) error {
	return w.lifecycle.Install(ctx, m)
}

// Post handles a control message as if it had been received over HTTP.
func (w *Worker) Post(ctx context.Context, m control.Message) (control.Reply, bool) {
	return w.control.Handle(ctx, m)
}

// Close stops manifest polling and waits for background work to finish.
// The store is left open.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
		w.strategies.Tasks().Wait()
	})
}

// Shutdown is like Close but gives up waiting when ctx is done.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP implements the http.Handler interface.
// It is the entry point for every intercepted request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx, span := w.tracer.Start(r.Context(), "intercept "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		))
	defer span.End()
	r = r.WithContext(ctx)
	logger := getLogger(r)

	d := w.selector.Select(r)
	span.SetAttributes(
		attribute.String("swcache.class", d.Class.String()),
		attribute.String("swcache.strategy", string(d.Strategy)),
	)

	if d.Strategy == selector.Passthrough {
		cs := CacheStatus{}
		cs.Forward(forwardReason(d.Predicate))
		w.passthrough(rw, r, cs)
		return
	}

	lease := w.lifecycle.Acquire()
	defer lease.Release()
	result := w.strategies.Serve(ctx, d.Strategy, r, lease)

	cs := cacheStatusFor(result.Source)
	span.SetAttributes(attribute.String("swcache.source", string(result.Source)))
	writeResponse(rw, r, result.Response, cs)
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("class", d.Class.String()).
		Str("strategy", string(d.Strategy)).
		Str("source", string(result.Source)).
		Str("version", lease.Version).
		Int("status", result.Response.StatusCode).
		Msg("Sending response to client")
}

// passthrough serves a request that is not intercepted. In middleware mode
// the wrapped handler writes straight to the client.
func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request, cs CacheStatus) {
	logger := getLogger(r)
	if w.next != nil {
		rw.Header().Add("Cache-Status", cs.String())
		rs := tee.NewResponseSaver(rw)
		w.next.ServeHTTP(rs, r)
		// flushes headers of handlers that wrote nothing
		rs.WriteHeader(rs.StatusCode())
		logger.Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", rs.StatusCode()).
			Int("bytes", len(rs.Body())).
			Msg("Passed through to handler")
		return
	}
	result := w.strategies.Passthrough(r.Context(), r)
	writeResponse(rw, r, result.Response, cs)
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", result.Response.StatusCode).
		Msg("Passed through to network")
}

func writeResponse(rw http.ResponseWriter, r *http.Request, res *cache.Response, cs CacheStatus) {
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cs.String())
	rw.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	rw.WriteHeader(res.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := rw.Write(res.Body); err != nil {
		getLogger(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
