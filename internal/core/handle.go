package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telemark/dvpool/internal/dataverse"
	"github.com/telemark/dvpool/internal/sentinel"
	"github.com/telemark/dvpool/internal/throttle"
)

// ErrHandleReturned is returned when a handle is used after Close.
const ErrHandleReturned = sentinel.Error("handle has been returned to the pool")

// handleState is the per-checkout mutable state. A snapshot taken at
// construction restores it when the handle goes back into the queue.
type handleState struct {
	callerID   uuid.UUID
	maxRetries int
}

// CheckoutOption customizes a handle for one checkout. The customization is
// undone when the handle returns to the pool.
type CheckoutOption func(*handleState)

// WithCallerID impersonates the given user for requests on this checkout.
func WithCallerID(id uuid.UUID) CheckoutOption {
	return func(s *handleState) { s.callerID = id }
}

// WithMaxRetries overrides the handle's retry budget for this checkout.
// Panics if n < 0.
func WithMaxRetries(n int) CheckoutOption {
	if n < 0 {
		panic(fmt.Sprintf("dvpool: max retries must not be negative, got %d", n))
	}
	return func(s *handleState) { s.maxRetries = n }
}

// callerSetter is implemented by clients supporting impersonation.
type callerSetter interface {
	SetCallerID(uuid.UUID)
}

// PooledHandle is one checked-out connection. It dispatches requests through
// the underlying client with the pool's detector wrapped around every call,
// and returns itself to the pool on Close.
//
// A handle has at most one holder between checkout and return; its dispatch
// methods are not meant for concurrent use. Close is safe to call more than
// once: only the first call returns the handle.
type PooledHandle struct {
	id     uuid.UUID
	source string
	client dataverse.Dispatcher
	pool   *Pool

	createdAt  time.Time
	lastUsedAt atomic.Int64 // unix nanoseconds

	// gen is the checkout generation: odd while checked out, even while
	// idle or disposed. token holds the odd value for the current checkout;
	// returning the handle advances gen with a CAS, so a second Close on
	// the same checkout cannot release twice.
	gen   atomic.Uint64
	token uint64

	invalid       atomic.Bool
	invalidReason atomic.Pointer[string]

	snapshot handleState
	state    handleState
}

func newHandle(pool *Pool, source string, client dataverse.Dispatcher, now time.Time) *PooledHandle {
	h := &PooledHandle{
		id:        uuid.New(),
		source:    source,
		client:    client,
		pool:      pool,
		createdAt: now,
		snapshot:  handleState{maxRetries: pool.cfg.MaxConnectionRetries},
	}
	h.state = h.snapshot
	h.lastUsedAt.Store(now.UnixNano())
	return h
}

// checkout marks the handle as held and applies per-checkout options.
// Called by the pool while it is the sole owner.
func (h *PooledHandle) checkout(opts ...CheckoutOption) {
	h.token = h.gen.Add(1)
	h.state = h.snapshot
	for _, opt := range opts {
		opt(&h.state)
	}
	h.applyState()
}

// release flips the handle back to idle. Reports false when this checkout
// was already released.
func (h *PooledHandle) release() bool {
	return h.gen.CompareAndSwap(h.token, h.token+1)
}

func (h *PooledHandle) checkedOut() bool { return h.gen.Load()%2 == 1 }

// reset restores the construction-time state before re-enqueueing.
func (h *PooledHandle) reset() {
	h.state = h.snapshot
	h.applyState()
}

func (h *PooledHandle) applyState() {
	if cs, ok := h.client.(callerSetter); ok {
		cs.SetCallerID(h.state.callerID)
	}
}

// ID returns the handle's opaque connection id.
func (h *PooledHandle) ID() uuid.UUID { return h.id }

// SourceName returns the name of the source this handle belongs to.
func (h *PooledHandle) SourceName() string { return h.source }

// CreatedAt returns the handle's creation time.
func (h *PooledHandle) CreatedAt() time.Time { return h.createdAt }

// LastUsedAt returns the time of the handle's most recent dispatch.
func (h *PooledHandle) LastUsedAt() time.Time {
	return time.Unix(0, h.lastUsedAt.Load())
}

// ConnectedOrg returns metadata about the organization behind the handle.
func (h *PooledHandle) ConnectedOrg() dataverse.OrgInfo { return h.client.ConnectedOrg() }

// RecommendedDOP returns the server's parallelism hint for this connection.
func (h *PooledHandle) RecommendedDOP() int { return h.client.RecommendedDOP() }

// MarkInvalid flags the handle so it is disposed instead of re-enqueued.
func (h *PooledHandle) MarkInvalid(reason string) {
	h.invalidReason.Store(&reason)
	h.invalid.Store(true)
}

// IsInvalid reports whether the handle has been flagged, with the reason.
func (h *PooledHandle) IsInvalid() (bool, string) {
	if !h.invalid.Load() {
		return false, ""
	}
	if r := h.invalidReason.Load(); r != nil {
		return true, *r
	}
	return true, ""
}

// Execute dispatches one request through the underlying client. Faults are
// classified on the way out: protection-limit faults are recorded against
// the source before they propagate, token failures invalidate the seed and
// come back as *AuthError.
func (h *PooledHandle) Execute(ctx context.Context, req dataverse.Request) (*dataverse.Response, error) {
	if !h.checkedOut() {
		return nil, ErrHandleReturned
	}

	resp, err := h.client.Execute(ctx, req)
	h.lastUsedAt.Store(h.pool.now().UnixNano())
	if err == nil {
		return resp, nil
	}

	err = h.pool.detector.Observe(h.source, err)
	var authErr *throttle.AuthError
	if errors.As(err, &authErr) && authErr.RequiresReauth {
		// This handle is a clone of the dead seed.
		h.MarkInvalid("authentication failure")
	}
	return nil, err
}

// Create inserts a record and returns its new id.
func (h *PooledHandle) Create(ctx context.Context, target dataverse.Entity) (uuid.UUID, error) {
	resp, err := h.Execute(ctx, dataverse.CreateRequest{Target: target})
	if err != nil {
		return uuid.Nil, err
	}
	return resp.ID, nil
}

// Retrieve reads one record.
func (h *PooledHandle) Retrieve(ctx context.Context, target dataverse.Reference, columns ...string) (*dataverse.Entity, error) {
	resp, err := h.Execute(ctx, dataverse.RetrieveRequest{Target: target, Columns: columns})
	if err != nil {
		return nil, err
	}
	return resp.Entity, nil
}

// RetrieveMultiple runs a query and returns one page of records plus a flag
// indicating more pages exist.
func (h *PooledHandle) RetrieveMultiple(ctx context.Context, entitySet, query string) ([]dataverse.Entity, bool, error) {
	resp, err := h.Execute(ctx, dataverse.RetrieveMultipleRequest{EntitySet: entitySet, Query: query})
	if err != nil {
		return nil, false, err
	}
	return resp.Entities, resp.More, nil
}

// Update patches the attributes present on target.
func (h *PooledHandle) Update(ctx context.Context, target dataverse.Entity) error {
	_, err := h.Execute(ctx, dataverse.UpdateRequest{Target: target})
	return err
}

// Delete removes a record.
func (h *PooledHandle) Delete(ctx context.Context, target dataverse.Reference) error {
	_, err := h.Execute(ctx, dataverse.DeleteRequest{Target: target})
	return err
}

// Associate links related records to target over the named relationship.
func (h *PooledHandle) Associate(ctx context.Context, target dataverse.Reference, relationship string, related ...dataverse.Reference) error {
	_, err := h.Execute(ctx, dataverse.AssociateRequest{Target: target, Relationship: relationship, Related: related})
	return err
}

// Disassociate removes the link between target and related.
func (h *PooledHandle) Disassociate(ctx context.Context, target dataverse.Reference, relationship string, related dataverse.Reference) error {
	_, err := h.Execute(ctx, dataverse.DisassociateRequest{Target: target, Relationship: relationship, Related: related})
	return err
}

// ExecuteAction invokes a named action or function.
func (h *PooledHandle) ExecuteAction(ctx context.Context, name string, parameters map[string]any) (map[string]any, error) {
	resp, err := h.Execute(ctx, dataverse.ExecuteRequest{Name: name, Parameters: parameters})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Close returns the handle to the pool. Idempotent; only the first call for
// a given checkout releases the admission permit.
func (h *PooledHandle) Close() error {
	return h.pool.returnHandle(h)
}

// dispose shuts the underlying client. Called by the pool once the handle
// leaves circulation for good.
func (h *PooledHandle) dispose() {
	_ = h.client.Close()
}
