package core

import (
	"strings"
	"testing"
	"time"
)

func TestHandleReleaseExactlyOnce(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, testConfig(newFakeSource("a", 4)))
	h := newHandle(p, "a", newFakeDispatcher(4), clk.Now())

	h.checkout()
	if !h.checkedOut() {
		t.Fatal("checkedOut() = false after checkout")
	}
	if !h.release() {
		t.Fatal("first release() = false, want true")
	}
	if h.release() {
		t.Fatal("second release() = true, want false")
	}
	if h.checkedOut() {
		t.Error("checkedOut() = true after release")
	}

	// A fresh checkout gets a fresh token and releases cleanly again.
	h.checkout()
	if !h.release() {
		t.Error("release() after re-checkout = false, want true")
	}
}

func TestHandleMarkInvalid(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, testConfig(newFakeSource("a", 4)))
	h := newHandle(p, "a", newFakeDispatcher(4), clk.Now())

	if invalid, _ := h.IsInvalid(); invalid {
		t.Fatal("fresh handle reports invalid")
	}
	h.MarkInvalid("token rejected")
	invalid, reason := h.IsInvalid()
	if !invalid {
		t.Fatal("IsInvalid() = false after MarkInvalid")
	}
	if reason != "token rejected" {
		t.Errorf("reason = %q, want %q", reason, "token rejected")
	}
}

func TestHandleMetadata(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t, testConfig(newFakeSource("a", 4)))
	created := clk.Now()
	h := newHandle(p, "a", newFakeDispatcher(6), created)

	if h.SourceName() != "a" {
		t.Errorf("SourceName() = %q, want a", h.SourceName())
	}
	if h.ID().String() == "" || strings.Count(h.ID().String(), "-") != 4 {
		t.Errorf("ID() = %q, want a UUID", h.ID())
	}
	if !h.CreatedAt().Equal(created) {
		t.Errorf("CreatedAt() = %v, want %v", h.CreatedAt(), created)
	}
	if h.RecommendedDOP() != 6 {
		t.Errorf("RecommendedDOP() = %d, want 6", h.RecommendedDOP())
	}
	if h.ConnectedOrg().FriendlyName != "Fake Org" {
		t.Errorf("ConnectedOrg() = %+v", h.ConnectedOrg())
	}

	clk.Advance(time.Minute)
	h.lastUsedAt.Store(clk.Now().UnixNano())
	if !h.LastUsedAt().Equal(created.Add(time.Minute)) {
		t.Errorf("LastUsedAt() = %v, want %v", h.LastUsedAt(), created.Add(time.Minute))
	}
}

func TestWithMaxRetriesPanicsOnNegative(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("WithMaxRetries(-1) did not panic")
		}
	}()
	WithMaxRetries(-1)
}
