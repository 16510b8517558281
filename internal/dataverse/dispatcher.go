package dataverse

import "context"

// OrgInfo describes the organization a dispatcher is connected to.
type OrgInfo struct {
	// ID is the organization's unique identifier (WhoAmI OrganizationId).
	ID string
	// FriendlyName is the display name, e.g. "Contoso Production".
	FriendlyName string
	// URL is the environment root, e.g. "https://contoso.crm.dynamics.com".
	URL string
	// UserID is the authenticated user (WhoAmI UserId).
	UserID string
}

// Dispatcher is the contract a client must satisfy to be pooled. Both the
// seed handle cached by a source and the per-checkout clones implement it.
//
// Implementations must be safe for use by one goroutine at a time; the pool
// guarantees a handle has at most one holder between checkout and return.
type Dispatcher interface {
	// Execute dispatches one opaque request. Protection-limit and
	// authentication faults are returned as *Fault (optionally wrapped);
	// everything else passes through untouched.
	Execute(ctx context.Context, req Request) (*Response, error)

	// IsReady reports whether the dispatcher can serve requests now.
	// A freshly cloned handle may be briefly not-ready while its token
	// is materialized.
	IsReady() bool

	// RecommendedDOP returns the server-supplied degrees-of-parallelism
	// hint for this connection, or 0 when the server sent none.
	RecommendedDOP() int

	// ConnectedOrg returns metadata about the connected organization.
	ConnectedOrg() OrgInfo

	// Clone produces a lightweight copy sharing authentication state with
	// the receiver. Cloning a seed is how the pool mints pooled handles;
	// it may touch the network (token refresh) and must not be called on
	// a throttled source.
	Clone(ctx context.Context) (Dispatcher, error)

	// Close releases the dispatcher's resources. Closing a clone must not
	// invalidate its seed's shared authentication state.
	Close() error
}
