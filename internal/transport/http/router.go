package httptransport

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	platformmetrics "auditrail/internal/platform/metrics"
	"auditrail/pkg/platform/httputil"
	"auditrail/pkg/platform/middleware/admin"
	"auditrail/pkg/platform/middleware/auth"
	"auditrail/pkg/platform/middleware/metadata"
	"auditrail/pkg/platform/middleware/requesttime"
)

// Dependencies are the pieces the router exposes. Only Capture, Health and
// Metrics are required.
type Dependencies struct {
	Logger *slog.Logger

	// Capture wraps the host API so every operation is audited.
	Capture func(http.Handler) http.Handler
	// App is the host API mounted under /api. Nil answers 404.
	App http.Handler

	Health      http.Handler
	Metrics     http.Handler
	HTTPMetrics *platformmetrics.Metrics

	Admin        *AdminHandler
	AdminToken   string
	JWTValidator auth.JWTValidator
}

// NewRouter wires the health, metrics and operator endpoints and mounts the
// audited host API.
func NewRouter(d Dependencies) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	if d.HTTPMetrics != nil {
		r.Use(d.HTTPMetrics.Middleware)
	}

	r.Method(http.MethodGet, "/health", d.Health)
	r.Method(http.MethodGet, "/metrics", d.Metrics)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Identify(d.JWTValidator, logger))
		api.Use(chimw.Timeout(30 * time.Second))
		api.Use(d.Capture)

		if d.Admin != nil {
			api.Route("/v1/admin", func(ar chi.Router) {
				ar.Use(admin.RequireAdminToken(d.AdminToken, logger))
				d.Admin.Register(ar)
			})
		}

		app := d.App
		if app == nil {
			app = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				httputil.WriteError(w, httputil.NewError(httputil.CodeNotFound, "no such endpoint"))
			})
		}
		api.Mount("/", app)
	})

	return r
}
