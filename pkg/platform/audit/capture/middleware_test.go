package capture

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/middleware/metadata"
	"auditrail/pkg/testutil"
)

// MiddlewareSuite drives requests through the capture middleware and checks
// the emitted operation events.
type MiddlewareSuite struct {
	suite.Suite
	capturer   *Capturer
	dispatcher *recordingDispatcher
}

func TestMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareSuite))
}

func (s *MiddlewareSuite) SetupTest() {
	s.capturer, s.dispatcher = newCapturer(s.T())
}

func (s *MiddlewareSuite) serve(h http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	metadata.ClientMetadata(s.capturer.Middleware(h)).ServeHTTP(w, r)
	return w
}

func (s *MiddlewareSuite) TestDeleteCitizen() {
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/cidadao/123", nil)
	r.Header.Set(metadata.HeaderRequestID, "req-delete")

	w := s.serve(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }, r)
	s.Equal(http.StatusNoContent, w.Code)

	events := s.dispatcher.Events()
	s.Require().Len(events, 2)
	s.Equal(audit.EventOperationStart, events[0].Type)
	s.Equal(audit.EventOperationSuccess, events[1].Type)
	s.Equal("req-delete", events[0].CorrelationID)
	s.Equal(events[0].CorrelationID, events[1].CorrelationID)
	s.Equal(audit.RiskCritical, events[0].Risk)
	s.Equal(audit.RiskCritical, events[1].Risk)
	op, _ := events[1].Operation()
	s.Equal("delete", op.Operation)
	s.Equal("123", events[1].EntityID)
}

func (s *MiddlewareSuite) TestIdentityComesFromRequestContext() {
	r := testutil.WithAuth(httptest.NewRequest(http.MethodDelete, "/api/v1/cidadao/9", nil), "user-7", "sess-3")

	s.serve(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }, r)

	events := s.dispatcher.Events()
	s.Require().Len(events, 2)
	for _, e := range events {
		s.Equal("user-7", e.UserID)
		s.Require().NotNil(e.Request)
		s.Equal("sess-3", e.Request.SessionID)
	}
}

func (s *MiddlewareSuite) TestCreateCitizenMasksBody() {
	body := `{"nome":"Maria Silva","cpf":"12345678901","email":"maria@x.com"}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/cidadao", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	var seen string
	s.serve(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seen = string(raw)
		w.WriteHeader(http.StatusCreated)
	}, r)

	s.Equal(body, seen, "handler still reads the full body")
	events := s.dispatcher.Events()
	s.Require().Len(events, 2)
	start := events[0]
	s.Equal(audit.RiskHigh, start.Risk)
	s.True(start.LGPDRelevant)
	op, _ := start.Operation()
	captured, ok := op.Body.(map[string]any)
	s.Require().True(ok)
	s.Equal("Maria Silva", captured["nome"])
	s.Equal(MaskedValue, captured["cpf"])
	s.Equal(MaskedValue, captured["email"])
}

func (s *MiddlewareSuite) TestHandlerErrorStatus() {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/beneficios", strings.NewReader(`{"valor":"x"}`))

	s.serve(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}, r)

	events := s.dispatcher.Events()
	s.Require().Len(events, 2)
	failed := events[1]
	s.Equal(audit.EventOperationError, failed.Type)
	s.Equal(audit.RiskHigh, failed.Risk)
	errMeta, ok := failed.Metadata["error"].(map[string]any)
	s.Require().True(ok)
	s.Equal(400, errMeta["status"])
}

func (s *MiddlewareSuite) TestHealthIsNeverAudited() {
	for _, path := range []string{"/health", "/metrics", "/docs/index.html"} {
		s.Run(path, func() {
			r := httptest.NewRequest(http.MethodGet, path, nil)
			w := s.serve(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }, r)
			s.Equal(http.StatusOK, w.Code)
			s.Empty(s.dispatcher.Events())
		})
	}
}

func (s *MiddlewareSuite) TestRequestMetadata() {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/pagamentos?mes=3&cpf=123", nil)
	r.Header.Set(metadata.HeaderForwardedFor, "203.0.113.9, 10.0.0.1")
	r.Header.Set(metadata.HeaderUserAgent, "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")

	s.serve(func(w http.ResponseWriter, _ *http.Request) {}, r)

	events := s.dispatcher.Events()
	s.Require().Len(events, 2)
	start := events[0]
	s.Require().NotNil(start.Request)
	s.Equal("203.0.113.9", start.Request.IP)
	s.Equal("/api/v1/pagamentos", start.Request.Endpoint)
	s.Equal(http.MethodGet, start.Request.Method)
	client := start.Metadata["client"].(map[string]any)
	s.Equal(true, client["mobile"])

	op, _ := start.Operation()
	s.Equal("3", op.Params["mes"])
	s.Equal(MaskedValue, op.Params["cpf"])
	s.Nil(op.Body, "reads do not capture bodies")
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	w.WriteHeader(http.StatusTeapot)
	w.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusTeapot, w.status)
	require.Same(t, rec, w.Unwrap())
}
