package dataverse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dataverse service protection error codes. The service enforces three
// budgets over a five-minute sliding window and reports which one tripped
// through these codes. They must be compared bit-exact; the service never
// renumbers them.
const (
	// CodeRequestLimitExceeded: the per-user request count budget tripped.
	CodeRequestLimitExceeded int32 = -2147015902
	// CodeExecutionTimeExceeded: the aggregate execution time budget tripped.
	CodeExecutionTimeExceeded int32 = -2147015903
	// CodeConcurrencyLimitExceeded: too many concurrent requests for one user.
	CodeConcurrencyLimitExceeded int32 = -2147015898
)

// DefaultRetryAfter is assumed when a protection-limit fault carries no
// usable Retry-After value.
const DefaultRetryAfter = 30 * time.Second

// RetryAfterKey is the fault detail key carrying the server-indicated wait.
const RetryAfterKey = "Retry-After"

// Fault is a remote error returned by the Dataverse service. Code carries the
// organization-service error code; HTTPStatus the transport status (0 when
// the fault did not travel over HTTP, e.g. in tests). Details holds the raw
// error detail map, including Retry-After for protection-limit faults.
type Fault struct {
	Code       int32
	HTTPStatus int
	Message    string
	Details    map[string]any
}

// Error implements the error interface. The message is emitted verbatim;
// callers are responsible for never placing credentials in fault messages.
func (f *Fault) Error() string {
	return fmt.Sprintf("dataverse fault %d (http %d): %s", f.Code, f.HTTPStatus, f.Message)
}

// IsProtectionLimit reports whether the fault is one of the three service
// protection codes.
func (f *Fault) IsProtectionLimit() bool {
	switch f.Code {
	case CodeRequestLimitExceeded, CodeExecutionTimeExceeded, CodeConcurrencyLimitExceeded:
		return true
	default:
		return false
	}
}

// RetryAfter extracts the server-indicated wait from the fault details.
// The service has shipped the value in several shapes over the years:
//
//   - a TimeSpan string, "hh:mm:ss" or "d.hh:mm:ss.fff"
//   - an integer number of seconds
//   - a floating-point number of seconds
//
// All three decode to the same duration. Returns (DefaultRetryAfter, false)
// when the detail is absent or unreadable.
func (f *Fault) RetryAfter() (time.Duration, bool) {
	raw, ok := f.Details[RetryAfterKey]
	if !ok {
		return DefaultRetryAfter, false
	}

	switch v := raw.(type) {
	case time.Duration:
		if v > 0 {
			return v, true
		}
	case string:
		if d, err := ParseTimeSpan(v); err == nil {
			return d, true
		}
		// Plain seconds serialized as a string.
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return secondsToDuration(secs), true
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second, true
		}
	case int32:
		if v > 0 {
			return time.Duration(v) * time.Second, true
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second, true
		}
	case float64:
		if v > 0 {
			return secondsToDuration(v), true
		}
	case json.Number:
		if secs, err := v.Float64(); err == nil && secs > 0 {
			return secondsToDuration(secs), true
		}
	}
	return DefaultRetryAfter, false
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// ParseTimeSpan decodes a .NET TimeSpan string ("hh:mm:ss", optionally with a
// leading "d." day component and a fractional-second suffix) into a Duration.
func ParseTimeSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timespan")
	}

	var days int64
	rest := s
	if i := strings.IndexByte(s, '.'); i >= 0 && i < strings.IndexByte(s, ':') {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("timespan day component %q: %w", s[:i], err)
		}
		days = d
		rest = s[i+1:]
	}

	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("timespan %q: want hh:mm:ss", s)
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timespan hours %q: %w", parts[0], err)
	}
	mins, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timespan minutes %q: %w", parts[1], err)
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("timespan seconds %q: %w", parts[2], err)
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		secondsToDuration(secs)
	return d, nil
}
