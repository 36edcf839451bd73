package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON logger on stdout. Development environments log at debug.
func New(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "local" || env == "dev" || env == "development" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
