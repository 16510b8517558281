package core

import (
	"log/slog"
	"sync/atomic"
)

// logger holds the custom package logger, nil when unset. defaultLogger
// caches the slog.Default()-derived fallback so Logger() allocates at most
// once. SetLogger(nil) clears the cache, letting a later slog.SetDefault()
// take effect.
var (
	logger        atomic.Pointer[slog.Logger]
	defaultLogger atomic.Pointer[slog.Logger]
)

// Logger returns the current package-level logger. Safe for concurrent use.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := slog.Default().With("component", "dvpool")
	// Another goroutine may cache first; use whichever won so every caller
	// sees one instance.
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// SetLogger replaces the package-level logger. A nil value resets to the
// slog.Default()-derived fallback, re-derived on the next Logger() call.
// Safe to call concurrently with any pool operation.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
