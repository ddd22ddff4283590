// Package control implements the message channel used by the host
// application to force activation or flush the cache.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Path is where the channel is mounted on the HTTP server.
const Path = "/.swcache/message"

type Action string

const (
	SkipWaiting Action = "skip-waiting"
	ClearCache  Action = "clear-cache"
)

// names sent by older page scripts
var aliases = map[string]Action{
	"skipWaiting": SkipWaiting,
	"clearCache":  ClearCache,
}

// ParseAction returns the action named by s, accepting aliases.
func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case SkipWaiting, ClearCache:
		return a, true
	}
	a, ok := aliases[s]
	return a, ok
}

type Message struct {
	Action string `json:"action"`
}

// Reply is sent back to the sender of a message only.
// Success is set for clear-cache; skip-waiting is acknowledged without data.
type Reply struct {
	Success *bool `json:"success,omitempty"`
}

// Lifecycle is the part of the lifecycle controller driven by messages.
type Lifecycle interface {
	SkipWaiting(ctx context.Context) error
	Clear(ctx context.Context) error
}

type Channel struct {
	lifecycle Lifecycle
	log       zerolog.Logger
}

// New returns a channel driving lc. The global zerolog logger is used if logger is nil.
func New(lc Lifecycle, logger *zerolog.Logger) *Channel {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Channel{
		lifecycle: lc,
		log:       l.With().Str("component", "control").Logger(),
	}
}

// Handle performs the action of the message. It returns false for unknown
// actions, which are ignored.
func (c *Channel) Handle(ctx context.Context, m Message) (Reply, bool) {
	action, ok := ParseAction(m.Action)
	if !ok {
		c.log.Debug().Str("action", m.Action).Msg("Ignoring unknown message")
		return Reply{}, false
	}
	c.log.Info().Str("action", string(action)).Msg("Received control message")
	switch action {
	case SkipWaiting:
		if err := c.lifecycle.SkipWaiting(ctx); err != nil {
			c.log.Error().Err(err).Msg("Could not skip waiting")
		}
		return Reply{}, true
	case ClearCache:
		success := true
		if err := c.lifecycle.Clear(ctx); err != nil {
			c.log.Error().Err(err).Msg("Could not clear cache")
			success = false
		}
		return Reply{Success: &success}, true
	}
	return Reply{}, false
}

// ServeHTTP accepts a JSON message in a POST body and writes the reply.
// Messages without a reply are answered with 204 No Content.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var m Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&m); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	reply, _ := c.Handle(r.Context(), m)
	if reply.Success == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// User is the basic auth user name of the control routes.
const User = "swcache"

// Post sends a message to a running instance at baseURL and returns its reply.
// A non-empty token is sent as the basic auth password.
func Post(ctx context.Context, client *http.Client, baseURL, token string, m Message) (Reply, error) {
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(m)
	if err != nil {
		return Reply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+Path, bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.SetBasicAuth(User, token)
	}
	res, err := client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusNoContent:
		return Reply{}, nil
	case http.StatusOK:
		var reply Reply
		if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
			return Reply{}, fmt.Errorf("decode reply: %w", err)
		}
		return reply, nil
	}
	return Reply{}, fmt.Errorf("post %s: status %d", m.Action, res.StatusCode)
}
