package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/audit/deadletter"
	"auditrail/pkg/platform/httputil"
	"auditrail/pkg/platform/middleware/admin"
	"auditrail/pkg/requestcontext"
)

// DeadLetterService defines the operator actions on quarantined jobs.
type DeadLetterService interface {
	List(ctx context.Context, filter audit.DeadLetterFilter) ([]audit.DeadLetter, error)
	Resolve(ctx context.Context, id, by, resolution string) (audit.DeadLetter, error)
	Ignore(ctx context.Context, id, by, reason string) (audit.DeadLetter, error)
	Retry(ctx context.Context, id, by string) (audit.DeadLetter, error)
	Replay(ctx context.Context, by string) (int, error)
}

// RecordLister reads persisted records for an investigation.
type RecordLister interface {
	ListByCorrelation(ctx context.Context, correlationID string) ([]audit.Record, error)
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	deadLetters DeadLetterService
	records     RecordLister
	logger      *slog.Logger
}

// NewAdminHandler creates an AdminHandler. records may be nil.
func NewAdminHandler(deadLetters DeadLetterService, records RecordLister, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{deadLetters: deadLetters, records: records, logger: logger}
}

// Register registers the operator routes with the chi router.
func (h *AdminHandler) Register(r chi.Router) {
	r.Get("/dead-letters", h.handleList)
	r.Post("/dead-letters/replay", h.handleReplay)
	r.Post("/dead-letters/{id}/resolve", h.handleResolve)
	r.Post("/dead-letters/{id}/ignore", h.handleIgnore)
	r.Post("/dead-letters/{id}/retry", h.handleRetry)
	if h.records != nil {
		r.Get("/records", h.handleRecords)
	}
}

type closeRequest struct {
	Resolution string `json:"resolution"`
}

type replayResponse struct {
	Replayed int `json:"replayed"`
}

type listResponse struct {
	Items []audit.DeadLetter `json:"items"`
	Count int                `json:"count"`
}

func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	filter := audit.DeadLetterFilter{
		Status:   audit.DeadLetterStatus(q.Get("status")),
		Priority: audit.Priority(q.Get("priority")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		httputil.WriteError(w, httputil.NewError(httputil.CodeBadRequest, "limit must be an integer"))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil || filter.Offset < 0 {
		httputil.WriteError(w, httputil.NewError(httputil.CodeBadRequest, "offset must be a non-negative integer"))
		return
	}

	items, err := h.deadLetters.List(ctx, filter)
	if err != nil {
		h.fail(w, r, "list dead letters", err)
		return
	}
	if items == nil {
		items = []audit.DeadLetter{}
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func (h *AdminHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.closeWith(w, r, h.deadLetters.Resolve)
}

func (h *AdminHandler) handleIgnore(w http.ResponseWriter, r *http.Request) {
	h.closeWith(w, r, h.deadLetters.Ignore)
}

func (h *AdminHandler) closeWith(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id, by, note string) (audit.DeadLetter, error)) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, httputil.NewError(httputil.CodeBadRequest, "invalid request body"))
		return
	}
	d, err := action(r.Context(), chi.URLParam(r, "id"), admin.Operator(r.Context()), req.Resolution)
	if err != nil {
		h.fail(w, r, "close dead letter", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (h *AdminHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	d, err := h.deadLetters.Retry(r.Context(), chi.URLParam(r, "id"), admin.Operator(r.Context()))
	if err != nil {
		h.fail(w, r, "retry dead letter", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, d)
}

// handleReplay moves dead letters journaled during a store outage back into
// the store.
func (h *AdminHandler) handleReplay(w http.ResponseWriter, r *http.Request) {
	n, err := h.deadLetters.Replay(r.Context(), admin.Operator(r.Context()))
	if err != nil {
		h.fail(w, r, "replay dead letter journal", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, replayResponse{Replayed: n})
}

func (h *AdminHandler) handleRecords(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlationId")
	if correlationID == "" {
		httputil.WriteError(w, httputil.NewError(httputil.CodeBadRequest, "correlationId is required"))
		return
	}
	records, err := h.records.ListByCorrelation(r.Context(), correlationID)
	if err != nil {
		h.fail(w, r, "list records", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, deadletter.ErrInvalidFilter):
		httputil.WriteError(w, httputil.NewError(httputil.CodeBadRequest, err.Error()))
		return
	case errors.Is(err, deadletter.ErrNoJournal):
		httputil.WriteError(w, httputil.NewError(httputil.CodeConflict, err.Error()))
		return
	}
	h.logger.WarnContext(ctx, "admin action failed",
		"action", action,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
