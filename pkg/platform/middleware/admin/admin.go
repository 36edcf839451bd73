package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"auditrail/pkg/platform/httputil"
	"auditrail/pkg/requestcontext"
)

// HeaderOperator names the operator acting on dead letters.
const HeaderOperator = "X-Operator"

type operatorKey struct{}

// Operator returns the operator recorded by RequireAdminToken.
func Operator(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok {
		return op
	}
	return ""
}

// RequireAdminToken guards operator endpoints. The operator name comes from
// X-Operator and defaults to "admin".
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			// Use constant-time comparison to prevent timing attacks
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, httputil.NewError(httputil.CodeUnauthorized, "admin token required"))
				return
			}

			op := strings.TrimSpace(r.Header.Get(HeaderOperator))
			if op == "" {
				op = "admin"
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
		})
	}
}
