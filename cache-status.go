package swcache

import (
	"fmt"

	"github.com/always-cache/swcache/strategy"
)

type CacheStatusStatus string

const (
	CacheStatusHit = "hit"
	CacheStatusFwd = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request.
	CacheStatusFwdBypass = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss = "uri-miss"

	// The network could not be reached and a fallback was served.
	CacheStatusFwdMiss = "miss"
)

// CacheStatus renders the Cache-Status response header.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("swcache; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

func cacheStatusFor(source strategy.Source) CacheStatus {
	var cs CacheStatus
	switch source {
	case strategy.SourceStatic, strategy.SourceRuntime:
		cs.Hit()
	case strategy.SourceNetwork:
		cs.Forward(CacheStatusFwdUriMiss)
	default:
		cs.Forward(CacheStatusFwdMiss)
	}
	cs.Detail(string(source))
	return cs
}

// forwardReason maps the selector predicate that disallowed a request.
func forwardReason(predicate string) CacheStatusFwdReason {
	if predicate == "unsafe-method" {
		return CacheStatusFwdMethod
	}
	return CacheStatusFwdBypass
}
