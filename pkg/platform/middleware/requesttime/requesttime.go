// Package requesttime stamps each request with its arrival time. The capture
// layer uses the stamp as the operation start, so the start event and the
// duration on the completion event are measured from the same instant.
package requesttime

import (
	"net/http"
	"time"

	"auditrail/pkg/requestcontext"
)

// Middleware stamps requests with the wall clock.
func Middleware(next http.Handler) http.Handler {
	return WithClock(time.Now)(next)
}

// WithClock stamps requests using now. A request that already carries a
// stamp keeps it, so mounting the middleware on nested routers is harmless.
func WithClock(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := requestcontext.Time(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithTime(r.Context(), now().UTC())))
		})
	}
}
