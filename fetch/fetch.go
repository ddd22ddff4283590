// Package fetch talks to the network on behalf of the retrieval strategies.
package fetch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/always-cache/swcache/cache"
)

// Network performs a request and captures the complete response.
// Any HTTP status is a response; an error means no response was received.
//
// Implementations must be thread-safe!
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (*cache.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, r *http.Request) (*cache.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	return f(ctx, r)
}

// Error reports a failed fetch: either the request could not be completed
// (Err is set) or the upstream answered with a server error (StatusCode is set).
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: upstream status %d", e.URL, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Failed reports whether a fetch outcome counts as a failure and, if so,
// returns the corresponding *Error. Server errors (5xx) are failures;
// other statuses are delivered as responses.
func Failed(url string, res *cache.Response, err error) (*Error, bool) {
	if err != nil {
		return &Error{URL: url, Err: err}, true
	}
	if res == nil {
		return &Error{URL: url, Err: fmt.Errorf("no response")}, true
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return &Error{URL: url, StatusCode: res.StatusCode}, true
	}
	return nil, false
}

// Success reports whether the status is 2xx.
func Success(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
