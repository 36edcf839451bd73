// Package httpserver builds the listener for the audit API.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// Option adjusts the server built by New.
type Option func(*http.Server)

// WithTimeouts bounds how long a request body may take to arrive and how long
// a handler may take to answer. Zero keeps the default.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *http.Server) {
		if read > 0 {
			s.ReadTimeout = read
		}
		if write > 0 {
			s.WriteTimeout = write
		}
	}
}

// WithErrorLog sends net/http's own errors (failed handshakes, recovered
// handler panics) through logger at warn level.
func WithErrorLog(logger *slog.Logger) Option {
	return func(s *http.Server) {
		s.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)
	}
}

// New returns a server for handler on addr.
func New(addr string, handler http.Handler, opts ...Option) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       90 * time.Second,
		MaxHeaderBytes:    64 << 10,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}
