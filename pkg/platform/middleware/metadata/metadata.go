// Package metadata extracts client and request metadata from inbound HTTP
// requests into the request context.
package metadata

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"auditrail/pkg/requestcontext"
)

// Header names consumed from the host's HTTP layer.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
	HeaderRequestID    = "X-Request-ID"
	HeaderUserAgent    = "User-Agent"
)

// ClientMetadata extracts client IP, User-Agent and request id and adds them to
// the context. A request id is generated when the caller did not send one and
// echoed back in the response headers.
// This middleware should be applied early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := RequestIDFromRequest(r)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), r.Header.Get(HeaderUserAgent))
		ctx = requestcontext.WithRequestID(ctx, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromRequest returns the trimmed X-Request-ID header, if any.
func RequestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderRequestID))
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs (client, proxy1, proxy2, ...)
	if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get(HeaderRealIP); xri != "" {
		return strings.TrimSpace(xri)
	}

	if addr := r.RemoteAddr; addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return host
		}
		return addr
	}

	return "unknown"
}
