// Package cachestatus builds Cache-Status response header values
// (RFC 9211) describing how the offline cache handled a request.
package cachestatus

import (
	"fmt"
	"strings"
)

const (
	HeaderName = "Cache-Status"
	// CacheName identifies this cache in the header value.
	CacheName = "OfflineShell"
)

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a response for the request, but
	// the strategy prefers fresh content from the network.
	FwdRequest FwdReason = "request"
)

// Details used by the offline cache.
const (
	DetailOfflinePage   = "offline-page"
	DetailPlaceholder   = "placeholder"
	DetailCacheFallback = "cache-fallback"
	DetailStoreFailed   = "store-failed"
	DetailNetworkError  = "network-error"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Status code of the forwarded response, zero if there was none.
	FwdStatus int
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response came from a partition.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	parts := []string{CacheName}
	switch {
	case cs.Status == StatusHit:
		parts = append(parts, string(StatusHit))
	case cs.Status == StatusFwd && cs.FwdReason != "":
		parts = append(parts, fmt.Sprintf("%s=%s", StatusFwd, cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, "detail="+cs.Detail)
	}
	return strings.Join(parts, "; ")
}
