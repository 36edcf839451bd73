// Package requestcontext carries request-scoped values from the host's
// middleware to the audit pipeline without depending on net/http.
//
// Middleware stores values:
//
//	ctx = requestcontext.WithUserID(ctx, userID)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// and the capture layer reads them back:
//
//	userID := requestcontext.UserID(ctx)
//	arrived, ok := requestcontext.Time(ctx)
//
// Missing values read as the zero value.
package requestcontext

import (
	"context"
	"time"
)

type key uint8

const (
	userIDKey key = iota
	sessionIDKey
	clientIPKey
	userAgentKey
	requestIDKey
	arrivalKey
)

func str(ctx context.Context, k key) string {
	s, _ := ctx.Value(k).(string)
	return s
}

// UserID is the authenticated user, empty for anonymous requests.
func UserID(ctx context.Context) string { return str(ctx, userIDKey) }

// WithUserID records the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// SessionID is the host session the request belongs to.
func SessionID(ctx context.Context) string { return str(ctx, sessionIDKey) }

// WithSessionID records the host session.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ClientIP is the caller address resolved by the metadata middleware.
func ClientIP(ctx context.Context) string { return str(ctx, clientIPKey) }

// UserAgent is the raw User-Agent header.
func UserAgent(ctx context.Context) string { return str(ctx, userAgentKey) }

// WithClientMetadata records the caller address and User-Agent together.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey, clientIP)
	return context.WithValue(ctx, userAgentKey, userAgent)
}

// RequestID identifies the request. Audit events use it as the correlation id.
func RequestID(ctx context.Context) string { return str(ctx, requestIDKey) }

// WithRequestID records the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// Time returns the arrival time stamped on the request, if any.
func Time(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(arrivalKey).(time.Time)
	return t, ok
}

// WithTime stamps the request arrival time.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, arrivalKey, t)
}
