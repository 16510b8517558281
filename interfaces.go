package dvpool

import (
	"github.com/telemark/dvpool/internal/core"
	"github.com/telemark/dvpool/internal/dataverse"
)

// ClientSource is a named identity supplying cloneable client handles.
// Implementations ship with the package (NewConnectionStringSource,
// NewStaticClientSource); custom sources only need to satisfy the interface.
type ClientSource = core.Source

// Dispatcher is the contract a client must satisfy to be pooled.
type Dispatcher = dataverse.Dispatcher

// PooledClient is a checked-out connection. Close returns it to the pool.
type PooledClient = core.PooledHandle

// CheckoutOption customizes a single checkout; see WithCallerID and
// WithMaxRetries.
type CheckoutOption = core.CheckoutOption

// FailureKind classifies seed-creation failures; see the Failure* constants.
type FailureKind = core.FailureKind

// Seed failure classifications.
const (
	FailureUnknown  = core.FailureUnknown
	FailureAuth     = core.FailureAuth
	FailureNetwork  = core.FailureNetwork
	FailureService  = core.FailureService
	FailureNotReady = core.FailureNotReady
)

// Request/response model, re-exported so callers need only this package.
type (
	Request                 = dataverse.Request
	Response                = dataverse.Response
	Entity                  = dataverse.Entity
	Reference               = dataverse.Reference
	OrgInfo                 = dataverse.OrgInfo
	CreateRequest           = dataverse.CreateRequest
	RetrieveRequest         = dataverse.RetrieveRequest
	RetrieveMultipleRequest = dataverse.RetrieveMultipleRequest
	UpdateRequest           = dataverse.UpdateRequest
	DeleteRequest           = dataverse.DeleteRequest
	AssociateRequest        = dataverse.AssociateRequest
	DisassociateRequest     = dataverse.DisassociateRequest
	ExecuteRequest          = dataverse.ExecuteRequest
)

// WithCallerID impersonates the given user for one checkout.
var WithCallerID = core.WithCallerID

// WithMaxRetries overrides the handle's retry budget for one checkout.
var WithMaxRetries = core.WithMaxRetries
