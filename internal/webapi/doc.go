// Package webapi implements a Dataverse Web API client that satisfies the
// dataverse.Dispatcher contract.
//
// A Client authenticates with OAuth2 client credentials, probes the
// environment with WhoAmI, and dispatches opaque requests over a retrying
// HTTP transport. Transient network failures and 5xx responses are retried
// inside the client; service protection 429s are never retried here, they
// are returned as faults for the pool to handle.
//
// Clients built from the same seed share one token source and one
// process-wide HTTP transport, so cloning a client is cheap: only per-handle
// mutable state (caller impersonation, custom headers) is copied.
package webapi
