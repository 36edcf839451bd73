package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"auditrail/pkg/platform/middleware/metadata"
	"auditrail/pkg/requestcontext"
)

// maxCapturedBody bounds how much of a request body is read for auditing.
const maxCapturedBody = 64 << 10

// Middleware captures every request passing through it. Responses with a
// status of 400 or above are recorded as operation errors.
func (c *Capturer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in := c.inboundFromRequest(r)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		_ = c.Track(r.Context(), in, func(ctx context.Context) error {
			next.ServeHTTP(sw, r.WithContext(ctx))
			if sw.status >= http.StatusBadRequest {
				return &StatusError{Status: sw.status, Message: http.StatusText(sw.status)}
			}
			return nil
		})
	})
}

func (c *Capturer) inboundFromRequest(r *http.Request) Inbound {
	ctx := r.Context()
	in := Inbound{
		Method:    r.Method,
		Route:     r.URL.RequestURI(),
		EntityID:  EntityIDFromPath(r.URL.Path),
		UserID:    requestcontext.UserID(ctx),
		SessionID: requestcontext.SessionID(ctx),
		ClientIP:  requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
		RequestID: requestcontext.RequestID(ctx),
	}
	if in.ClientIP == "" {
		in.ClientIP = metadata.ClientIPFromRequest(r)
	}
	if in.UserAgent == "" {
		in.UserAgent = r.Header.Get(metadata.HeaderUserAgent)
	}
	if in.RequestID == "" {
		in.RequestID = metadata.RequestIDFromRequest(r)
	}
	if q := r.URL.Query(); len(q) > 0 {
		in.Params = make(map[string]any, len(q))
		for k, v := range q {
			if len(v) == 1 {
				in.Params[k] = v[0]
			} else {
				in.Params[k] = v
			}
		}
	}
	in.Body = readJSONBody(r)
	return in
}

// readJSONBody decodes a JSON request body and restores it for the handler.
func readJSONBody(r *http.Request) any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody+1))
	rest := r.Body
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), rest), Closer: rest}
	if err != nil || len(raw) == 0 || len(raw) > maxCapturedBody {
		return nil
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return body
}

type readCloser struct {
	io.Reader
	io.Closer
}

// statusWriter records the response status written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
