package mipstream

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called while fetch goroutines are logging.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for mipstream. By default nothing is
// logged. Pass nil to restore the silent default.
//
// Log levels used by mipstream:
//   - [slog.LevelDebug]: per-level fetch, commit and discard events
//   - [slog.LevelInfo]: image lifecycle (created, destroyed)
//   - [slog.LevelWarn]: recoverable failures (fetch errors, expand failures)
//
// Pools created by the gpu package receive the logger when a Registry is
// built on top of them.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger used by mipstream.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by pools and loaders that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger hands the current logger to v if it accepts one.
func propagateLogger(v any) {
	if ls, ok := v.(loggerSetter); ok {
		ls.SetLogger(Logger())
	}
}
