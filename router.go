package swcache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/always-cache/swcache/control"
	"github.com/always-cache/swcache/lifecycle"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
)

const (
	StatusPath = "/.swcache/status"
	EventsPath = "/.swcache/events"
)

// Router returns a handler serving the control endpoints next to the
// intercepted requests, with request logging.
func (w *Worker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(w.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))

	r.Group(func(r chi.Router) {
		if w.config.ControlToken != "" {
			r.Use(middleware.BasicAuth("swcache", map[string]string{control.User: w.config.ControlToken}))
		}
		r.Method(http.MethodPost, control.Path, w.control)
		r.Get(StatusPath, w.serveStatus)
		r.Get(EventsPath, w.serveEvents)
	})
	r.Handle("/*", w)
	return r
}

type NamespaceStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Size    string `json:"size"`
}

type StatusReport struct {
	lifecycle.Status
	Namespaces []NamespaceStatus `json:"namespaces"`
}

// Report describes the lifecycle state and every namespace in the store.
func (w *Worker) Report() (StatusReport, error) {
	report := StatusReport{Status: w.lifecycle.Status()}
	names, err := w.store.Namespaces()
	if err != nil {
		return report, err
	}
	sort.Strings(names)
	for _, ns := range names {
		entries, bytes, err := w.store.Stats(ns)
		if err != nil {
			// deleted since listing
			continue
		}
		report.Namespaces = append(report.Namespaces, NamespaceStatus{
			Name:    ns,
			Entries: entries,
			Bytes:   bytes,
			Size:    humanize.Bytes(uint64(bytes)),
		})
	}
	return report, nil
}

func (w *Worker) serveStatus(rw http.ResponseWriter, r *http.Request) {
	report, err := w.Report()
	if err != nil {
		getLogger(r).Error().Err(err).Msg("Could not list namespaces")
		http.Error(rw, "could not read store", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(rw).Encode(report)
}

// serveEvents streams lifecycle events as server-sent events.
func (w *Worker) serveEvents(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := w.lifecycle.Subscribe(16)
	defer cancel()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-w.ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
