// Package rfc9211 builds Cache-Status response header values.
package rfc9211

import "strings"

// HeaderName is the response header carrying the status.
const HeaderName = "Cache-Status"

// DefaultCacheName identifies this cache in the header value.
const DefaultCacheName = "Always-Offline"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"
	// The cache did not contain a response for the request URI.
	FwdURIMiss FwdReason = "uri-miss"
	// The cache contained a response, but the policy prefers the network.
	FwdRequest FwdReason = "request"
)

// CacheStatus describes how a single request was handled.
// The zero value is a forward without reason.
type CacheStatus struct {
	Cache     string
	hit       bool
	fwdReason FwdReason
	stored    bool
	detail    string
}

func New() *CacheStatus {
	return &CacheStatus{Cache: DefaultCacheName}
}

// Hit marks the response as served from the store.
func (cs *CacheStatus) Hit() *CacheStatus {
	cs.hit = true
	cs.fwdReason = ""
	return cs
}

// Forward marks the request as sent to the network.
func (cs *CacheStatus) Forward(reason FwdReason) *CacheStatus {
	cs.hit = false
	cs.fwdReason = reason
	return cs
}

// Stored marks the forwarded response as written to the store.
func (cs *CacheStatus) Stored() *CacheStatus {
	cs.stored = true
	return cs
}

// Detail attaches implementation-specific information, e.g. `offline`.
func (cs *CacheStatus) Detail(detail string) *CacheStatus {
	cs.detail = detail
	return cs
}

func (cs *CacheStatus) String() string {
	name := cs.Cache
	if name == "" {
		name = DefaultCacheName
	}
	var b strings.Builder
	b.WriteString(name)
	if cs.hit {
		b.WriteString("; hit")
	} else {
		b.WriteString("; fwd")
		if cs.fwdReason != "" {
			b.WriteString("=" + string(cs.fwdReason))
		}
		if cs.stored {
			b.WriteString("; stored")
		}
	}
	if cs.detail != "" {
		b.WriteString("; detail=" + cs.detail)
	}
	return b.String()
}
