// Package dataverse holds the wire-level model shared by the pool engine and
// the Web API client: the opaque request/response types dispatched through a
// pooled handle, the Dispatcher contract a client must satisfy to be pooled,
// organization metadata, and the fault type carrying Dataverse service
// protection details.
//
// The package is a leaf: it imports nothing from the rest of the module, so
// both internal/throttle (which classifies faults) and internal/webapi (which
// produces them) can depend on it without cycles.
package dataverse
