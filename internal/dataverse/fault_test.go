package dataverse

import (
	"encoding/json"
	"testing"
	"time"
)

func protFault(details map[string]any) *Fault {
	return &Fault{
		Code:       CodeRequestLimitExceeded,
		HTTPStatus: 429,
		Message:    "Number of requests exceeded the limit of 6000 over time window of 300 seconds.",
		Details:    details,
	}
}

// TestRetryAfterShapesAgree verifies that every accepted Retry-After shape
// decodes to the same duration.
func TestRetryAfterShapesAgree(t *testing.T) {
	t.Parallel()

	const want = 90 * time.Second

	tests := map[string]any{
		"timespan string": "0:01:30",
		"padded timespan": "00:01:30",
		"int seconds":     90,
		"int64 seconds":   int64(90),
		"float seconds":   90.0,
		"json number":     json.Number("90"),
		"duration":        90 * time.Second,
		"string seconds":  "90",
	}

	for name, raw := range tests {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, ok := protFault(map[string]any{RetryAfterKey: raw}).RetryAfter()
			if !ok {
				t.Fatalf("RetryAfter() reported absent for %v", raw)
			}
			if got != want {
				t.Errorf("RetryAfter() = %v, want %v", got, want)
			}
		})
	}
}

func TestRetryAfterMissingUsesDefault(t *testing.T) {
	t.Parallel()

	tests := map[string]map[string]any{
		"nil details":     nil,
		"empty details":   {},
		"wrong type":      {RetryAfterKey: struct{}{}},
		"garbage string":  {RetryAfterKey: "soon"},
		"negative number": {RetryAfterKey: -5},
	}

	for name, details := range tests {
		details := details
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, ok := protFault(details).RetryAfter()
			if ok {
				t.Error("RetryAfter() reported present, want absent")
			}
			if got != DefaultRetryAfter {
				t.Errorf("RetryAfter() = %v, want default %v", got, DefaultRetryAfter)
			}
		})
	}
}

func TestParseTimeSpan(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		"seconds only":      {in: "0:00:30", want: 30 * time.Second},
		"minutes":           {in: "0:05:00", want: 5 * time.Minute},
		"hours":             {in: "2:00:00", want: 2 * time.Hour},
		"fractional second": {in: "0:00:30.500", want: 30*time.Second + 500*time.Millisecond},
		"with days":         {in: "1.02:00:00", want: 26 * time.Hour},
		"empty":             {in: "", wantErr: true},
		"two fields":        {in: "01:30", wantErr: true},
		"not numeric":       {in: "a:b:c", wantErr: true},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTimeSpan(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseTimeSpan(%q) = %v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeSpan(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseTimeSpan(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestIsProtectionLimit(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		code int32
		want bool
	}{
		"request limit":   {code: CodeRequestLimitExceeded, want: true},
		"execution time":  {code: CodeExecutionTimeExceeded, want: true},
		"concurrency":     {code: CodeConcurrencyLimitExceeded, want: true},
		"unrelated fault": {code: -2147220969, want: false},
		"zero code":       {code: 0, want: false},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := &Fault{Code: tc.code}
			if got := f.IsProtectionLimit(); got != tc.want {
				t.Errorf("IsProtectionLimit() = %v, want %v", got, tc.want)
			}
		})
	}
}
