package sentinel

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err  Error
		want string
	}{
		"simple": {err: Error("seed unavailable"), want: "seed unavailable"},
		"empty":  {err: Error(""), want: ""},
		"spaced": {err: Error("pool is closed"), want: "pool is closed"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestErrorsIs(t *testing.T) {
	t.Parallel()

	const sent = Error("pool is closed")

	t.Run("direct match", func(t *testing.T) {
		t.Parallel()

		if !errors.Is(sent, sent) {
			t.Error("errors.Is should match a sentinel against itself")
		}
	})

	t.Run("wrapped match", func(t *testing.T) {
		t.Parallel()

		wrapped := fmt.Errorf("checkout: %w", sent)
		if !errors.Is(wrapped, sent) {
			t.Error("errors.Is should match a sentinel through wrapping")
		}
	})

	t.Run("different sentinel", func(t *testing.T) {
		t.Parallel()

		const other = Error("other")
		if errors.Is(sent, other) {
			t.Error("errors.Is should not match a different sentinel")
		}
	})

	t.Run("same text, errors.New", func(t *testing.T) {
		t.Parallel()

		if errors.Is(sent, errors.New("pool is closed")) {
			t.Error("errors.Is should not match errors.New with identical text")
		}
	})
}

func TestErrorConstDeclarable(t *testing.T) {
	t.Parallel()

	// Compiles only if Error is const-declarable.
	const c = Error("const sentinel")
	if c.Error() != "const sentinel" {
		t.Errorf("const sentinel message = %q", c.Error())
	}
}
