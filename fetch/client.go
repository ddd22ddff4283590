package fetch

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/swcache/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/always-cache/swcache/fetch"

// hop-by-hop headers are never forwarded nor stored
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type ClientConfig struct {
	// URL of the origin server. Requests with a relative URL are sent here.
	// May be nil when every request carries an absolute URL.
	Origin *url.URL
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport-level timeout for a whole fetch. Zero means no timeout.
	Timeout time.Duration
	// Transport to use. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Client is the Network implementation backed by net/http.
// Redirects are not followed; they are returned to the caller as responses.
type Client struct {
	http       *http.Client
	origin     *url.URL
	originHost string
	log        zerolog.Logger
	tracer     trace.Tracer
}

func NewClient(config ClientConfig) *Client {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if config.OriginHost != "" {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin:     config.Origin,
		originHost: config.OriginHost,
		log:        logger.With().Str("component", "fetch").Logger(),
		tracer:     otel.Tracer(tracerName),
	}
}

// Target returns the absolute URL the request is sent to.
func (c *Client) Target(r *http.Request) *url.URL {
	if r.URL.IsAbs() || c.origin == nil {
		return r.URL
	}
	u := *r.URL
	u.Scheme = c.origin.Scheme
	u.Host = c.origin.Host
	return &u
}

func (c *Client) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	target := c.Target(r)
	ctx, span := c.tracer.Start(ctx, "fetch "+r.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.full", target.String()),
		))
	defer span.End()

	body := r.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.ContentLength = r.ContentLength
	copyRequestHeader(out.Header, r.Header)
	// bodies are stored as received, so ask for them uncompressed
	out.Header.Set("Accept-Encoding", "identity")
	if c.originHost != "" && !r.URL.IsAbs() {
		out.Host = c.originHost
	}

	c.log.Trace().Str("method", out.Method).Str("url", target.String()).Msg("Fetching from network")
	start := time.Now()
	res, err := c.http.Do(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	if res.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, res.Status)
	}
	c.log.Trace().
		Str("url", target.String()).
		Int("status", res.StatusCode).
		Int("bytes", len(b)).
		Dur("took", time.Since(start)).
		Msg("Fetched from network")

	return &cache.Response{
		StatusCode: res.StatusCode,
		Header:     responseHeader(res.Header),
		Body:       b,
	}, nil
}

func copyRequestHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like the presence of forwarding headers set by an upstream proxy
		if strings.HasPrefix(k, "X-Forwarded-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	removeHopHeaders(dst)
}

// responseHeader returns the headers worth keeping from an upstream response.
// Content-Length is dropped since the body is re-framed when it is served.
func responseHeader(h http.Header) http.Header {
	h = h.Clone()
	removeHopHeaders(h)
	h.Del("Content-Length")
	return h
}

func removeHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, f := range strings.Split(name, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
