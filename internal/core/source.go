package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/telemark/dvpool/internal/dataverse"
	"github.com/telemark/dvpool/internal/throttle"
	"github.com/telemark/dvpool/internal/webapi"
)

// Source is a named identity supplying cloneable client handles. Each source
// is throttled independently by the service; the pool caches one seed per
// source and mints pooled handles by cloning it.
type Source interface {
	// Name uniquely identifies the source within the pool.
	Name() string

	// MaxPoolSize caps the source's idle queue. Zero means DefaultMaxPoolSize.
	MaxPoolSize() int

	// GetSeedClient returns the source's authenticated seed, creating it on
	// first call. Called under the pool's per-source gate; the pool applies
	// the retry loop, so implementations should make a single attempt.
	GetSeedClient(ctx context.Context) (dataverse.Dispatcher, error)

	// InvalidateSeed discards the cached seed so the next GetSeedClient
	// re-authenticates. Sources wrapping an externally-owned handle treat
	// this as a no-op and fail subsequent GetSeedClient calls with
	// ErrSeedNotRecreatable.
	InvalidateSeed()

	// Close disposes the source and its seed.
	Close() error
}

// FailureKind classifies why a seed could not be created. It drives log
// severity and the operator hint attached to connection errors.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureAuth: the credentials were rejected.
	FailureAuth
	// FailureNetwork: the environment was unreachable.
	FailureNetwork
	// FailureService: the service answered with a server-side error.
	FailureService
	// FailureNotReady: the handle came up but never reported ready.
	FailureNotReady
)

// String returns the kind name.
func (k FailureKind) String() string {
	switch k {
	case FailureAuth:
		return "auth failed"
	case FailureNetwork:
		return "network error"
	case FailureService:
		return "service error"
	case FailureNotReady:
		return "not ready"
	default:
		return "unknown"
	}
}

// ClassifyFailure maps a seed-creation error onto a FailureKind.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var authErr *throttle.AuthError
	if errors.As(err, &authErr) {
		return FailureAuth
	}
	if errors.Is(err, webapi.ErrNotReady) {
		return FailureNotReady
	}

	var fault *dataverse.Fault
	if errors.As(err, &fault) {
		switch {
		case fault.HTTPStatus == http.StatusUnauthorized || fault.HTTPStatus == http.StatusForbidden:
			return FailureAuth
		case fault.HTTPStatus >= 500:
			return FailureService
		}
		return FailureUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "aadsts"),
		strings.Contains(msg, "invalid_client"),
		strings.Contains(msg, "unauthorized"):
		return FailureAuth
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"):
		return FailureNetwork
	default:
		return FailureUnknown
	}
}
