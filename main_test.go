package swcache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/control"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/lifecycle"
	"github.com/always-cache/swcache/manifest"

	"github.com/go-chi/chi/v5"
)

// origin serves "<version>:<path>" for every path.
type origin struct {
	mu      sync.Mutex
	version string
	delay   time.Duration
	calls   atomic.Int32
	server  *httptest.Server
}

func newOrigin(t *testing.T, version string) *origin {
	o := &origin{version: version}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.calls.Add(1)
		o.mu.Lock()
		v, delay := o.version, o.delay
		o.mu.Unlock()
		time.Sleep(delay)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(v + ":" + r.URL.Path))
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *origin) publish(version string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.version = version
}

func (o *origin) URL() *url.URL {
	u, _ := url.Parse(o.server.URL)
	return u
}

func newWorker(t *testing.T, config Config) *Worker {
	w := New(config)
	t.Cleanup(w.Close)
	return w
}

func release(v string) manifest.Manifest {
	return manifest.Manifest{Version: v, Resources: []string{"/", "/app.js", "/offline.html"}}
}

// settle waits for background cache writes and revalidations.
func settle(w *Worker) {
	w.strategies.Tasks().Wait()
}

func do(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func document(path string) *http.Request {
	r := httptest.NewRequest("GET", path, nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9")
	return r
}

func TestMiddlewareReturnsResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello world"))
	})
	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()

	newWorker(t, Config{}).Middleware(handler).ServeHTTP(rr, req)

	if body, err := io.ReadAll(rr.Result().Body); err != nil || fmt.Sprintf("%s", body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
}

func TestMiddlewareReturnsSecondRequestFromCache(t *testing.T) {
	var handleCount atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount.Add(1)
		w.Header().Add("content-type", "text/test")
		w.Write([]byte("Hello world"))
	})
	w := newWorker(t, Config{})
	mw := w.Middleware(handler)

	do(mw, httptest.NewRequest("GET", "/", nil))
	settle(w)
	rr := do(mw, httptest.NewRequest("GET", "/", nil))

	if n := handleCount.Load(); n != 1 {
		t.Fatalf("Next handler called %d times", n)
	}
	if body := rr.Body.String(); body != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if ct := rr.Header().Get("content-type"); ct != "text/test" {
		t.Fatalf("Content-Type header is %s", ct)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "swcache; hit; detail=runtime" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestCacheOnlySuccess(t *testing.T) {
	var handleCount atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("Not here"))
	})
	w := newWorker(t, Config{})
	mw := w.Middleware(handler)

	do(mw, httptest.NewRequest("GET", "/missing", nil))
	settle(w)
	rr := do(mw, httptest.NewRequest("GET", "/missing", nil))

	if n := handleCount.Load(); n != 2 {
		t.Fatalf("Handler called %d times", n)
	}
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestUnsafeMethodsGoToHandler(t *testing.T) {
	var posts atomic.Int32
	r := chi.NewRouter()
	r.Post("/items", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	})
	w := newWorker(t, Config{})
	handler := w.Middleware(r)

	for i := 0; i < 2; i++ {
		rr := do(handler, httptest.NewRequest("POST", "/items", strings.NewReader("{}")))
		if rr.Code != http.StatusCreated || rr.Body.String() != "created" {
			t.Fatalf("POST returned %d %s", rr.Code, rr.Body.String())
		}
		if cs := rr.Header().Get("Cache-Status"); cs != "swcache; fwd=method" {
			t.Fatalf("Cache-Status is %q", cs)
		}
	}
	settle(w)
	if posts.Load() != 2 {
		t.Fatalf("Handler saw %d posts", posts.Load())
	}
	if names, _ := w.store.Namespaces(); len(names) != 0 {
		t.Fatalf("POST created namespaces %v", names)
	}
}

func TestChiMiddleware(t *testing.T) {
	var listLength atomic.Int32
	w := newWorker(t, Config{})
	r := chi.NewRouter()
	r.Use(w.Middleware)
	r.Get("/chi", func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(fmt.Sprintf("List %d items", listLength.Load())))
	})
	r.Post("/chi", func(rw http.ResponseWriter, r *http.Request) {
		listLength.Add(1)
		rw.Write([]byte("post"))
	})

	do(r, httptest.NewRequest("GET", "/chi", nil))
	settle(w)
	do(r, httptest.NewRequest("POST", "/chi", nil))
	rec := do(r, httptest.NewRequest("GET", "/chi", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code is %d", rec.Code)
	}
	// assets are cache-first until the cache is cleared
	if rec.Body.String() != "List 0 items" {
		t.Fatalf("body is %s", rec.Body.String())
	}
}

func TestNewVersionReplacesOld(t *testing.T) {
	o := newOrigin(t, "v1")
	store := cache.NewMemCache()
	w := newWorker(t, Config{Store: store, Origin: o.URL()})
	h := w.Router()

	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	if body := do(h, httptest.NewRequest("GET", "/app.js", nil)).Body.String(); body != "v1:/app.js" {
		t.Fatalf("v1 body is %s", body)
	}

	o.publish("v2")
	if err := w.Install(context.Background(), release("v2")); err != nil {
		t.Fatalf("Install v2: %v", err)
	}
	rr := do(h, httptest.NewRequest("GET", "/app.js", nil))
	if body := rr.Body.String(); body != "v2:/app.js" {
		t.Fatalf("v2 body is %s", body)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "swcache; hit; detail=static" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if ok, _ := store.HasNamespace("swcache-static-v1"); ok {
		t.Fatal("v1 namespace survived activation of v2")
	}
}

func TestCacheFirstMakesNoNetworkCalls(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL()})
	h := w.Router()
	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	installCalls := o.calls.Load()

	for i := 0; i < 3; i++ {
		if rr := do(h, httptest.NewRequest("GET", "/app.js", nil)); rr.Code != http.StatusOK {
			t.Fatalf("Status is %d", rr.Code)
		}
	}
	settle(w)
	if n := o.calls.Load() - installCalls; n != 0 {
		t.Fatalf("Origin called %d times for cached asset", n)
	}
}

func TestDocumentIsRevalidated(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL()})
	h := w.Router()
	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	o.mu.Lock()
	o.delay = 50 * time.Millisecond
	o.mu.Unlock()
	o.publish("fresh")
	if body := do(h, document("/")).Body.String(); body != "v1:/" {
		t.Fatalf("First response is %s, want the cached document", body)
	}
	settle(w)
	if body := do(h, document("/")).Body.String(); body != "fresh:/" {
		t.Fatalf("Second response is %s, want the refreshed document", body)
	}
}

type countingStore struct {
	cache.Provider
	reads, writes atomic.Int32
}

func (s *countingStore) Get(ns, key string) (cache.Entry, bool, error) {
	s.reads.Add(1)
	return s.Provider.Get(ns, key)
}

func (s *countingStore) Put(ns string, e cache.Entry) error {
	s.writes.Add(1)
	return s.Provider.Put(ns, e)
}

func (s *countingStore) PutAll(ns string, entries []cache.Entry) error {
	s.writes.Add(1)
	return s.Provider.PutAll(ns, entries)
}

func TestCrossOriginIsNotIntercepted(t *testing.T) {
	var calls atomic.Int32
	store := &countingStore{Provider: cache.NewMemCache()}
	network := fetch.NetworkFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		calls.Add(1)
		return &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("tracked")}, nil
	})
	origin, _ := url.Parse("https://quran.example.com")
	w := newWorker(t, Config{
		Store:   store,
		Network: network,
		Origin:  origin,
		Allow:   []string{"googleapis.com"},
	})
	h := w.Router()

	rr := do(h, httptest.NewRequest("GET", "http://tracker.example.net/pixel.js", nil))
	settle(w)
	if rr.Body.String() != "tracked" || calls.Load() != 1 {
		t.Fatalf("Got %q after %d calls", rr.Body.String(), calls.Load())
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "swcache; fwd=bypass" {
		t.Fatalf("Cache-Status is %q", cs)
	}
	if store.reads.Load() != 0 || store.writes.Load() != 0 {
		t.Fatalf("Store saw %d reads and %d writes", store.reads.Load(), store.writes.Load())
	}

	do(h, httptest.NewRequest("GET", "https://fonts.googleapis.com/css", nil))
	settle(w)
	if store.reads.Load() == 0 || store.writes.Load() == 0 {
		t.Fatal("Allowed cross-origin request was not cached")
	}
}

func TestClearCache(t *testing.T) {
	o := newOrigin(t, "v1")
	store := cache.NewMemCache()
	w := newWorker(t, Config{Store: store, Origin: o.URL()})
	h := w.Router()
	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	do(h, httptest.NewRequest("GET", "/runtime.css", nil))
	settle(w)

	rr := do(h, httptest.NewRequest("POST", control.Path, strings.NewReader(`{"action":"clear-cache"}`)))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"success":true}` {
		t.Fatalf("clear-cache replied %d %s", rr.Code, rr.Body.String())
	}
	if names, err := store.Namespaces(); err != nil || len(names) != 0 {
		t.Fatalf("Namespaces after clear: %v %v", names, err)
	}
	if v := w.Lifecycle().Active(); v != "" {
		t.Fatalf("Active version after clear is %q", v)
	}
	if st := w.Lifecycle().State("v1"); st != lifecycle.StateUninstalled {
		t.Fatalf("v1 is %s after clear", st)
	}

	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Reinstall: %v", err)
	}
	if v := w.Lifecycle().Active(); v != "v1" {
		t.Fatalf("Active version after reinstall is %q", v)
	}
}

func TestOfflineFallback(t *testing.T) {
	down := fetch.NetworkFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		return nil, errors.New("network is down")
	})
	origin, _ := url.Parse("https://quran.example.com")

	t.Run("synthetic", func(t *testing.T) {
		w := newWorker(t, Config{Network: down, Origin: origin})
		rr := do(w.Router(), document("/surah/1"))
		if rr.Code != http.StatusServiceUnavailable || rr.Body.String() != "Offline" {
			t.Fatalf("Got %d %q", rr.Code, rr.Body.String())
		}
		if cs := rr.Header().Get("Cache-Status"); cs != "swcache; fwd=miss; detail=synthetic" {
			t.Fatalf("Cache-Status is %q", cs)
		}
	})

	t.Run("stored document", func(t *testing.T) {
		store := cache.NewMemCache()
		offline := cache.Entry{
			Key:      "GET:https://quran.example.com/offline.html",
			Method:   "GET",
			URL:      "https://quran.example.com/offline.html",
			StoredAt: time.Now(),
			Response: &cache.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"text/html"}},
				Body:       []byte("<h1>You are offline</h1>"),
			},
		}
		if err := store.PutAll("swcache-static-v1", []cache.Entry{offline}); err != nil {
			t.Fatalf("PutAll: %v", err)
		}
		w := newWorker(t, Config{Store: store, Network: down, Origin: origin})
		// the namespace exists, so installing adopts it without the network
		if err := w.Install(context.Background(), manifest.Manifest{Version: "v1", Resources: []string{"/offline.html"}}); err != nil {
			t.Fatalf("Install: %v", err)
		}

		rr := do(w.Router(), document("/surah/1"))
		if rr.Code != http.StatusOK || rr.Body.String() != "<h1>You are offline</h1>" {
			t.Fatalf("Got %d %q", rr.Code, rr.Body.String())
		}
		if cs := rr.Header().Get("Cache-Status"); cs != "swcache; fwd=miss; detail=offline" {
			t.Fatalf("Cache-Status is %q", cs)
		}
	})
}

func TestHeadHasNoBody(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL()})
	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install: %v", err)
	}
	rr := do(w.Router(), httptest.NewRequest("HEAD", "/app.js", nil))
	if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
		t.Fatalf("HEAD returned %d with %d bytes", rr.Code, rr.Body.Len())
	}
	if cl := rr.Header().Get("Content-Length"); cl != "10" {
		t.Fatalf("Content-Length is %q", cl)
	}
}

func TestStatusEndpoint(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL(), Prefix: "quran"})
	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	rr := do(w.Router(), httptest.NewRequest("GET", StatusPath, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	var report StatusReport
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if report.Active != "v1" || len(report.Namespaces) != 1 {
		t.Fatalf("Report is %+v", report)
	}
	if ns := report.Namespaces[0]; ns.Name != "quran-static-v1" || ns.Entries != 3 || ns.Size == "" {
		t.Fatalf("Namespace is %+v", ns)
	}
}

func TestControlRoutesRequireToken(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL(), ControlToken: "s3cret"})
	h := w.Router()

	clearCache := func() *http.Request {
		return httptest.NewRequest("POST", control.Path, strings.NewReader(`{"action":"clear-cache"}`))
	}
	if rr := do(h, clearCache()); rr.Code != http.StatusUnauthorized {
		t.Fatalf("Message without credentials got %d", rr.Code)
	}
	if rr := do(h, httptest.NewRequest("GET", StatusPath, nil)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("Status without credentials got %d", rr.Code)
	}
	r := clearCache()
	r.SetBasicAuth(control.User, "wrong")
	if rr := do(h, r); rr.Code != http.StatusUnauthorized {
		t.Fatalf("Message with wrong token got %d", rr.Code)
	}
	r = clearCache()
	r.SetBasicAuth(control.User, "s3cret")
	if rr := do(h, r); rr.Code != http.StatusOK {
		t.Fatalf("Message with token got %d", rr.Code)
	}
	// intercepted traffic is not behind the token
	if rr := do(h, httptest.NewRequest("GET", "/app.js", nil)); rr.Code != http.StatusOK {
		t.Fatalf("Proxied request got %d", rr.Code)
	}
}

func TestAuthorizedRequestsAreNotCached(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("profile of " + r.Header.Get("Authorization")))
	})
	w := newWorker(t, Config{})
	mw := w.Middleware(handler)

	for _, user := range []string{"alice", "bob"} {
		r := httptest.NewRequest("GET", "/api/me", nil)
		r.Header.Set("Authorization", "Bearer "+user)
		rr := do(mw, r)
		settle(w)
		if body := rr.Body.String(); body != "profile of Bearer "+user {
			t.Fatalf("%s got %q", user, body)
		}
		if cs := rr.Header().Get("Cache-Status"); cs != "swcache; fwd=bypass" {
			t.Fatalf("Cache-Status is %q", cs)
		}
	}
	if names, _ := w.store.Namespaces(); len(names) != 0 {
		t.Fatalf("Authorized requests created namespaces %v", names)
	}
}

func TestEventsEndpoint(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL()})
	srv := httptest.NewServer(w.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+EventsPath, nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type is %q", ct)
	}

	go w.Install(context.Background(), release("v1"))

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: activated" {
			return
		}
	}
	t.Fatalf("Stream ended before activation: %v", scanner.Err())
}

func TestManifestIsPolled(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{
		Origin:   o.URL(),
		Manifest: manifest.Static(release("v1")),
	})

	deadline := time.Now().Add(5 * time.Second)
	for w.Lifecycle().Active() != "v1" {
		if time.Now().After(deadline) {
			t.Fatalf("Active version is %q", w.Lifecycle().Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpdateWithoutSource(t *testing.T) {
	w := newWorker(t, Config{})
	if err := w.Update(context.Background()); err == nil {
		t.Fatal("Update without a manifest source succeeded")
	}
}

func TestPostMessage(t *testing.T) {
	o := newOrigin(t, "v1")
	w := newWorker(t, Config{Origin: o.URL(), Activation: lifecycle.ActivationWait})
	if err := w.Install(context.Background(), release("v1")); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	if err := w.Install(context.Background(), release("v2")); err != nil {
		t.Fatalf("Install v2: %v", err)
	}
	if v := w.Lifecycle().Active(); v != "v1" {
		t.Fatalf("v2 activated without skip-waiting, active is %q", v)
	}

	if _, handled := w.Post(context.Background(), control.Message{Action: "skipWaiting"}); !handled {
		t.Fatal("skipWaiting was not handled")
	}
	if v := w.Lifecycle().Active(); v != "v2" {
		t.Fatalf("Active version is %q", v)
	}
}

func TestShutdown(t *testing.T) {
	w := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		cs   func() CacheStatus
		want string
	}{
		{func() CacheStatus { var cs CacheStatus; cs.Hit(); return cs }, "swcache; hit"},
		{func() CacheStatus { var cs CacheStatus; cs.Forward(CacheStatusFwdBypass); return cs }, "swcache; fwd=bypass"},
		{func() CacheStatus {
			var cs CacheStatus
			cs.Forward(CacheStatusFwdUriMiss)
			cs.Detail("network")
			return cs
		}, "swcache; fwd=uri-miss; detail=network"},
	}
	for _, tt := range tests {
		if got := tt.cs().String(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}
