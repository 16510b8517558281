package dvpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/telemark/dvpool/internal/core"
	"github.com/telemark/dvpool/internal/webapi"
)

// SourceOption customizes a built-in source. Options validate eagerly and
// panic on programmer error.
type SourceOption func(*connectionStringSource)

// WithSourceMaxPoolSize caps the source's idle queue. Zero (the default)
// uses the pool-wide default. Panics if n < 0.
func WithSourceMaxPoolSize(n int) SourceOption {
	if n < 0 {
		panic(fmt.Sprintf("dvpool: source max pool size must not be negative, got %d", n))
	}
	return func(s *connectionStringSource) { s.maxPoolSize = n }
}

// WithSourceAPIVersion selects the Web API version for this source,
// e.g. "v9.2". Panics if v is empty.
func WithSourceAPIVersion(v string) SourceOption {
	if v == "" {
		panic("dvpool: source api version must not be empty")
	}
	return func(s *connectionStringSource) { s.apiVersion = v }
}

// NewConnectionStringSource builds a source that authenticates with the
// client-credentials material in a Dataverse connection string
// ("AuthType=ClientSecret;Url=...;ClientId=...;ClientSecret=..."). The
// string is parsed eagerly; no network traffic happens until the pool
// creates the seed. The secret never appears in errors or logs.
func NewConnectionStringSource(name, connectionString string, opts ...SourceOption) (ClientSource, error) {
	if name == "" {
		return nil, fmt.Errorf("source name must not be empty")
	}
	creds, err := webapi.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", name, err)
	}
	s := &connectionStringSource{name: name, creds: creds}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// connectionStringSource owns its credentials and builds a fresh seed on
// every request. A fresh seed means a fresh token source, which is what
// makes re-authentication after a dead token work.
type connectionStringSource struct {
	name        string
	creds       webapi.Credentials
	maxPoolSize int
	apiVersion  string

	affinityDisabled bool
}

func (s *connectionStringSource) Name() string     { return s.name }
func (s *connectionStringSource) MaxPoolSize() int { return s.maxPoolSize }

func (s *connectionStringSource) GetSeedClient(ctx context.Context) (Dispatcher, error) {
	core.Logger().DebugContext(ctx, "creating seed client",
		"source", s.name, "credentials", s.creds.Redacted())
	return webapi.New(ctx, webapi.Config{
		Credentials:           s.creds,
		APIVersion:            s.apiVersion,
		DisableAffinityCookie: s.affinityDisabled,
	})
}

// InvalidateSeed is a no-op: nothing is cached here, so the next
// GetSeedClient call starts from scratch.
func (s *connectionStringSource) InvalidateSeed() {}

func (s *connectionStringSource) Close() error { return nil }

func (s *connectionStringSource) setAffinityCookieDisabled(disabled bool) {
	s.affinityDisabled = disabled
}

// NewStaticClientSource wraps an externally-owned client as a source. The
// pool clones from it but never closes it, and cannot re-authenticate it: a
// dead token permanently invalidates the source and subsequent seed requests
// return ErrSeedNotRecreatable.
func NewStaticClientSource(name string, client Dispatcher) (ClientSource, error) {
	if name == "" {
		return nil, fmt.Errorf("source name must not be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("source %q: client must not be nil", name)
	}
	return &staticClientSource{name: name, client: borrowedDispatcher{client}}, nil
}

// borrowedDispatcher shields an externally-owned client from the pool's seed
// lifecycle: the pool may retire its reference, but only the caller closes
// the real client.
type borrowedDispatcher struct {
	Dispatcher
}

func (borrowedDispatcher) Close() error { return nil }

type staticClientSource struct {
	name        string
	client      Dispatcher
	invalidated atomic.Bool
}

func (s *staticClientSource) Name() string     { return s.name }
func (s *staticClientSource) MaxPoolSize() int { return 0 }

func (s *staticClientSource) GetSeedClient(ctx context.Context) (Dispatcher, error) {
	if s.invalidated.Load() {
		return nil, fmt.Errorf("source %q: %w", s.name, ErrSeedNotRecreatable)
	}
	return s.client, nil
}

func (s *staticClientSource) InvalidateSeed() { s.invalidated.Store(true) }

// Close is a no-op: the wrapped client is owned by the caller.
func (s *staticClientSource) Close() error { return nil }
