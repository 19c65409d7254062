// ABOUTME: Package-wide structured logger shared by the bookkeeping packages
// ABOUTME: Defaults to a handler that discards everything

package heap

import (
	"io"
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return logger.Load()
}

// SetLogger installs l. A nil l restores the discarding default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger.Store(l)
}
