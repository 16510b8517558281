package throttle

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/telemark/dvpool/internal/dataverse"
)

// recordingCallbacks captures detector callback invocations.
type recordingCallbacks struct {
	throttled  []string
	retryAfter []time.Duration
	tokenFails []string
}

func (r *recordingCallbacks) detector() *Detector {
	return NewDetector(
		func(source string, retryAfter time.Duration) {
			r.throttled = append(r.throttled, source)
			r.retryAfter = append(r.retryAfter, retryAfter)
		},
		func(source string) {
			r.tokenFails = append(r.tokenFails, source)
		},
	)
}

func TestObserveNil(t *testing.T) {
	t.Parallel()

	var rec recordingCallbacks
	if got := rec.detector().Observe("src", nil); got != nil {
		t.Errorf("Observe(nil) = %v, want nil", got)
	}
	if len(rec.throttled)+len(rec.tokenFails) != 0 {
		t.Error("callbacks fired for nil error")
	}
}

func TestObserveProtectionLimit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		code      int32
		details   map[string]any
		wantRetry time.Duration
	}{
		"request limit with timespan": {
			code:      dataverse.CodeRequestLimitExceeded,
			details:   map[string]any{dataverse.RetryAfterKey: "0:02:00"},
			wantRetry: 2 * time.Minute,
		},
		"execution time with seconds": {
			code:      dataverse.CodeExecutionTimeExceeded,
			details:   map[string]any{dataverse.RetryAfterKey: 45},
			wantRetry: 45 * time.Second,
		},
		"concurrency without retry-after": {
			code:      dataverse.CodeConcurrencyLimitExceeded,
			wantRetry: dataverse.DefaultRetryAfter,
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fault := &dataverse.Fault{Code: tc.code, HTTPStatus: 429, Message: "limited", Details: tc.details}
			var rec recordingCallbacks

			got := rec.detector().Observe("primary", fault)

			// The fault is rethrown unchanged; the pool's retry loop owns it.
			if !errors.Is(got, error(fault)) {
				t.Errorf("Observe returned %v, want the original fault", got)
			}
			if len(rec.throttled) != 1 || rec.throttled[0] != "primary" {
				t.Fatalf("throttle callback fired %v times, want once for primary", rec.throttled)
			}
			if rec.retryAfter[0] != tc.wantRetry {
				t.Errorf("retry-after = %v, want %v", rec.retryAfter[0], tc.wantRetry)
			}
			if len(rec.tokenFails) != 0 {
				t.Error("token callback fired for a throttle fault")
			}
		})
	}
}

func TestObserveTokenFailure(t *testing.T) {
	t.Parallel()

	tests := map[string]error{
		"http 401": &dataverse.Fault{HTTPStatus: 401, Message: "unauthorized"},
		"aadsts code": &dataverse.Fault{
			HTTPStatus: 400,
			Message:    "AADSTS700082: The refresh token has expired due to inactivity",
		},
		"expired token text": &dataverse.Fault{Message: "Access token has expired or is not yet valid"},
		"invalid credential": &dataverse.Fault{Message: "The supplied credential is invalid"},
		"security context":   &dataverse.Fault{Message: "Unable to establish security context"},
		"wrapped non-fault":  fmt.Errorf("refreshing token: %w", errors.New("AADSTS7000215: invalid client secret")),
	}

	for name, err := range tests {
		err := err
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var rec recordingCallbacks
			got := rec.detector().Observe("primary", err)

			var authErr *AuthError
			if !errors.As(got, &authErr) {
				t.Fatalf("Observe returned %T, want *AuthError", got)
			}
			if !authErr.RequiresReauth {
				t.Error("RequiresReauth = false for a token failure")
			}
			if authErr.Source != "primary" {
				t.Errorf("Source = %q, want primary", authErr.Source)
			}
			if !errors.Is(got, err) {
				t.Error("AuthError does not unwrap to the original error")
			}
			if len(rec.tokenFails) != 1 {
				t.Errorf("token callback fired %d times, want 1", len(rec.tokenFails))
			}
			if len(rec.throttled) != 0 {
				t.Error("throttle callback fired for a token failure")
			}
		})
	}
}

func TestObservePermissionFailure(t *testing.T) {
	t.Parallel()

	tests := map[string]*dataverse.Fault{
		"privilege denied code": {Code: codePrivilegeDenied, Message: "SecLib::AccessCheckEx failed"},
		"access denied code":    {Code: codeAccessDenied, Message: "user does not have access"},
		"http 403":              {HTTPStatus: 403, Message: "forbidden"},
	}

	for name, fault := range tests {
		fault := fault
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var rec recordingCallbacks
			got := rec.detector().Observe("primary", fault)

			var authErr *AuthError
			if !errors.As(got, &authErr) {
				t.Fatalf("Observe returned %T, want *AuthError", got)
			}
			if authErr.RequiresReauth {
				t.Error("RequiresReauth = true for a permission failure")
			}
			// Permission failures must not invalidate the seed.
			if len(rec.tokenFails) != 0 {
				t.Error("token callback fired for a permission failure")
			}
		})
	}
}

func TestObservePassthrough(t *testing.T) {
	t.Parallel()

	tests := map[string]error{
		"plain error":     errors.New("connection reset by peer"),
		"unrelated fault": &dataverse.Fault{Code: -2147220969, HTTPStatus: 404, Message: "entity does not exist"},
	}

	for name, err := range tests {
		err := err
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var rec recordingCallbacks
			got := rec.detector().Observe("primary", err)
			if !errors.Is(got, err) {
				t.Errorf("Observe = %v, want original error", got)
			}
			if len(rec.throttled)+len(rec.tokenFails) != 0 {
				t.Error("callbacks fired for passthrough error")
			}
		})
	}
}

// Nil callbacks classify without reporting.
func TestObserveNilCallbacks(t *testing.T) {
	t.Parallel()

	d := NewDetector(nil, nil)
	fault := &dataverse.Fault{Code: dataverse.CodeRequestLimitExceeded, HTTPStatus: 429}
	if got := d.Observe("src", fault); !errors.Is(got, error(fault)) {
		t.Errorf("Observe = %v, want original fault", got)
	}
	tok := &dataverse.Fault{HTTPStatus: 401}
	var authErr *AuthError
	if got := d.Observe("src", tok); !errors.As(got, &authErr) {
		t.Errorf("Observe = %T, want *AuthError", got)
	}
}
