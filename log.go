package dvpool

import (
	"log/slog"

	"github.com/telemark/dvpool/internal/core"
)

// SetLogger replaces the package-level logger used by dvpool, integrating
// pool logging with the application's own. The provided logger is used as
// given; dvpool adds no attributes to it.
//
// If l is nil, the logger resets to the default: slog.Default() with a
// "component" attribute, re-derived on the next use and then cached. Call
// SetLogger(nil) after slog.SetDefault() to pick up the change.
//
// Safe to call concurrently with any pool operation. Log output never
// contains connection strings, secrets, or tokens.
func SetLogger(l *slog.Logger) {
	core.SetLogger(l)
}
