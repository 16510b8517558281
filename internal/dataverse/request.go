package dataverse

import "github.com/google/uuid"

// Request is an opaque operation dispatched through a Dispatcher. The pool
// never inspects a request beyond its kind; payload semantics belong entirely
// to the client implementation.
type Request interface {
	// Kind returns the operation kind, used for logging only.
	Kind() RequestKind
}

// RequestKind enumerates the operations a Dataverse client dispatches.
type RequestKind int

const (
	KindCreate RequestKind = iota
	KindRetrieve
	KindRetrieveMultiple
	KindUpdate
	KindDelete
	KindAssociate
	KindDisassociate
	KindExecute
)

// String returns the kind name.
func (k RequestKind) String() string {
	switch k {
	case KindCreate:
		return "Create"
	case KindRetrieve:
		return "Retrieve"
	case KindRetrieveMultiple:
		return "RetrieveMultiple"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindAssociate:
		return "Associate"
	case KindDisassociate:
		return "Disassociate"
	case KindExecute:
		return "Execute"
	default:
		return "Unknown"
	}
}

// Entity is a loosely typed Dataverse record: a logical name plus attribute
// values keyed by attribute logical name.
type Entity struct {
	LogicalName string
	ID          uuid.UUID
	Attributes  map[string]any
}

// Reference identifies an existing record without carrying attributes.
type Reference struct {
	LogicalName string
	ID          uuid.UUID
}

// CreateRequest inserts a record and yields its new ID.
type CreateRequest struct {
	Target Entity
}

func (CreateRequest) Kind() RequestKind { return KindCreate }

// RetrieveRequest reads a single record by reference.
type RetrieveRequest struct {
	Target  Reference
	Columns []string
}

func (RetrieveRequest) Kind() RequestKind { return KindRetrieve }

// RetrieveMultipleRequest runs a query and yields a page of records.
type RetrieveMultipleRequest struct {
	// EntitySet is the plural entity set name, e.g. "accounts".
	EntitySet string
	// Query is a raw OData query string ("$filter=...&$select=...").
	Query string
}

func (RetrieveMultipleRequest) Kind() RequestKind { return KindRetrieveMultiple }

// UpdateRequest patches the attributes present on Target.
type UpdateRequest struct {
	Target Entity
}

func (UpdateRequest) Kind() RequestKind { return KindUpdate }

// DeleteRequest removes a record.
type DeleteRequest struct {
	Target Reference
}

func (DeleteRequest) Kind() RequestKind { return KindDelete }

// AssociateRequest links Related to Target over the named relationship.
type AssociateRequest struct {
	Target       Reference
	Relationship string
	Related      []Reference
}

func (AssociateRequest) Kind() RequestKind { return KindAssociate }

// DisassociateRequest removes the link between Target and Related.
type DisassociateRequest struct {
	Target       Reference
	Relationship string
	Related      Reference
}

func (DisassociateRequest) Kind() RequestKind { return KindDisassociate }

// ExecuteRequest invokes a bound or unbound action/function by name.
type ExecuteRequest struct {
	Name       string
	Parameters map[string]any
}

func (ExecuteRequest) Kind() RequestKind { return KindExecute }

// Response is the opaque result of a dispatched request. Fields are populated
// according to the request kind; unpopulated fields are zero.
type Response struct {
	// ID is set for Create.
	ID uuid.UUID
	// Entity is set for Retrieve.
	Entity *Entity
	// Entities and More are set for RetrieveMultiple.
	Entities []Entity
	More     bool
	// Results is set for Execute.
	Results map[string]any
}
