package fetch

import (
	"context"
	"net/http"

	"github.com/always-cache/swcache/cache"
	tee "github.com/always-cache/swcache/pkg/response-writer-tee"
)

// Handler is a Network that answers requests with a local http.Handler,
// used when the cache wraps an application as middleware.
type Handler struct {
	next http.Handler
}

func NewHandler(next http.Handler) *Handler {
	return &Handler{next: next}
}

// Fetch runs the wrapped handler and records what it wrote.
func (h *Handler) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	rw := tee.NewResponseSaver(nil)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
	return &cache.Response{
		StatusCode: rw.StatusCode(),
		Header:     responseHeader(rw.Header()),
		Body:       rw.Body(),
	}, nil
}
