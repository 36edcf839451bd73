package testutil

import (
	"net/http"

	"auditrail/pkg/requestcontext"
)

// WithAuth adds user ID and session ID to the request context.
// This simulates what the host's auth layer does for authenticated requests.
// Empty values are left unset.
func WithAuth(req *http.Request, userID, sessionID string) *http.Request {
	ctx := req.Context()
	if userID != "" {
		ctx = requestcontext.WithUserID(ctx, userID)
	}
	if sessionID != "" {
		ctx = requestcontext.WithSessionID(ctx, sessionID)
	}
	return req.WithContext(ctx)
}
