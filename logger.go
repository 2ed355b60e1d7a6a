package texshare

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/texshare/internal/framelock"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
	framelock.SetLogger(l)
}

// SetLogger configures the logger for texshare and all its sub-packages.
// By default, texshare produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger
// atomically. Pass nil to disable logging (restore default silent
// behavior).
//
// Log levels used by texshare:
//   - [slog.LevelDebug]: per-frame diagnostics (skipped frames, copies)
//   - [slog.LevelInfo]: lifecycle events (tier selected, sender created)
//   - [slog.LevelWarn]: degraded outcomes (tier fallback, stray release)
//
// Example:
//
//	// Enable info-level logging to stderr:
//	texshare.SetLogger(slog.Default())
//
//	// Enable debug-level logging for full diagnostics:
//	texshare.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	framelock.SetLogger(l)
}

// Logger returns the current logger used by texshare. Adapters and
// sub-packages share the same logger configuration without introducing
// import cycles.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by adapters that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger passes the logger to an adapter if it implements the
// loggerSetter interface, so adapter diagnostics land in the same place.
func propagateLogger(a any, l *slog.Logger) {
	if ls, ok := a.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
