package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/telemark/dvpool/internal/dataverse"
	"github.com/telemark/dvpool/internal/sentinel"
)

// ErrNotReady indicates a dispatch attempt on a client whose WhoAmI probe has
// not succeeded or that has been closed.
const ErrNotReady = sentinel.Error("client is not ready")

const (
	defaultAPIVersion = "v9.2"
	dopHintHeader     = "x-ms-dop-hint"
	callerIDHeader    = "MSCRMCallerID"
)

// Config configures a seed Client.
type Config struct {
	// Credentials is the parsed client-credentials material. Ignored when
	// TokenSource is set.
	Credentials Credentials

	// TokenSource overrides the credentials-derived token source. Used when
	// the caller owns token acquisition.
	TokenSource oauth2.TokenSource

	// APIVersion selects the Web API version. Defaults to v9.2.
	APIVersion string

	// DisableAffinityCookie skips the per-handle cookie jar so requests
	// spread across the service's web servers instead of sticking to one.
	DisableAffinityCookie bool

	// BaseURL overrides Credentials.URL. Used when TokenSource is set.
	BaseURL string
}

// Client is a Dataverse Web API connection. It implements
// dataverse.Dispatcher; the pool holds one seed Client per source and mints
// pooled handles by cloning it.
type Client struct {
	base    *url.URL
	apiBase string
	rc      *retryablehttp.Client
	tokens  oauth2.TokenSource
	cfg     Config

	org     dataverse.OrgInfo
	dopHint atomic.Int32
	ready   atomic.Bool

	// Per-handle mutable state, copied (not shared) on Clone.
	callerID uuid.UUID
	headers  map[string]string
}

var _ dataverse.Dispatcher = (*Client)(nil)

// New builds a seed client, acquires an initial token, and probes the
// environment with WhoAmI. The returned client is ready.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rawURL := cfg.BaseURL
	if rawURL == "" {
		rawURL = cfg.Credentials.URL
	}
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid environment url", ErrMalformedConnectionString)
	}

	tokens := cfg.TokenSource
	if tokens == nil {
		tokens = cfg.Credentials.tokenSource()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}

	c := &Client{
		base:    base,
		apiBase: base.String() + "/api/data/" + cfg.APIVersion,
		rc:      newRetryable(cfg.DisableAffinityCookie),
		tokens:  tokens,
		cfg:     cfg,
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newRetryable(disableAffinity bool) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.HTTPClient = &http.Client{Transport: SharedTransport()}
	if !disableAffinity {
		jar, _ := cookiejar.New(nil)
		rc.HTTPClient.Jar = jar
	}
	return rc
}

// checkRetry retries transient network failures and 5xx responses the way
// retryablehttp does by default, but never protection-limit 429s (those are
// the pool's to handle) and never auth failures (retrying cannot fix them).
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// connect runs the WhoAmI probe and records org metadata and the server's
// parallelism hint.
func (c *Client) connect(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.apiBase+"/WhoAmI", nil)
	if err != nil {
		return fmt.Errorf("whoami probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readFault(resp)
	}
	var who struct {
		UserID         string `json:"UserId"`
		BusinessUnitID string `json:"BusinessUnitId"`
		OrganizationID string `json:"OrganizationId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return fmt.Errorf("whoami decode: %w", err)
	}
	c.org = dataverse.OrgInfo{
		ID:           who.OrganizationID,
		FriendlyName: c.base.Hostname(),
		URL:          c.base.String(),
		UserID:       who.UserID,
	}
	c.ready.Store(true)
	return nil
}

// do performs one authenticated request. Token acquisition errors are
// returned as-is; oauth2 error text never contains the client secret.
func (c *Client) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, buf)
	if err != nil {
		return nil, err
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	tok.SetAuthHeader(req.Request)

	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.callerID != uuid.Nil {
		req.Header.Set(callerIDHeader, c.callerID.String())
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, err
	}
	if hint := resp.Header.Get(dopHintHeader); hint != "" {
		if n, err := strconv.Atoi(hint); err == nil && n > 0 {
			c.dopHint.Store(int32(n))
		}
	}
	return resp, nil
}

// readFault drains an error response into a *dataverse.Fault. The service
// reports its organization-service error code inside the OData error body,
// sometimes in hex; the Retry-After header rides alongside 429s.
func (c *Client) readFault(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	fault := &dataverse.Fault{
		HTTPStatus: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Details:    map[string]any{},
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		fault.Message = body.Error.Message
		fault.Code = parseErrorCode(body.Error.Code)
	} else if len(raw) > 0 {
		fault.Message = strings.TrimSpace(string(raw))
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
			fault.Details[dataverse.RetryAfterKey] = time.Duration(secs * float64(time.Second))
		}
	}
	return fault
}

// parseErrorCode decodes the OData error code, which the service emits either
// as a hex string ("0x80072321") or a signed decimal.
func parseErrorCode(s string) int32 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if u, err := strconv.ParseUint(s[2:], 16, 32); err == nil {
			return int32(uint32(u))
		}
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int32(n)
	}
	return 0
}

// SetCallerID sets the impersonated user for subsequent requests on this
// handle. uuid.Nil clears impersonation.
func (c *Client) SetCallerID(id uuid.UUID) { c.callerID = id }

// SetHeader sets a custom header sent with every request on this handle.
func (c *Client) SetHeader(key, value string) {
	if c.headers == nil {
		c.headers = map[string]string{}
	}
	c.headers[key] = value
}

// IsReady implements dataverse.Dispatcher.
func (c *Client) IsReady() bool { return c.ready.Load() }

// RecommendedDOP implements dataverse.Dispatcher.
func (c *Client) RecommendedDOP() int { return int(c.dopHint.Load()) }

// ConnectedOrg implements dataverse.Dispatcher.
func (c *Client) ConnectedOrg() dataverse.OrgInfo { return c.org }

// Clone implements dataverse.Dispatcher. The clone shares the token source
// and the process-wide transport with the receiver, but gets its own cookie
// jar and copies of the per-handle state. The token is touched so the clone
// is ready the moment it is handed out.
func (c *Client) Clone(ctx context.Context) (dataverse.Dispatcher, error) {
	if _, err := c.tokens.Token(); err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	clone := &Client{
		base:     c.base,
		apiBase:  c.apiBase,
		rc:       newRetryable(c.cfg.DisableAffinityCookie),
		tokens:   c.tokens,
		cfg:      c.cfg,
		org:      c.org,
		callerID: c.callerID,
	}
	if len(c.headers) > 0 {
		clone.headers = make(map[string]string, len(c.headers))
		for k, v := range c.headers {
			clone.headers[k] = v
		}
	}
	clone.dopHint.Store(c.dopHint.Load())
	clone.ready.Store(true)
	return clone, nil
}

// Close implements dataverse.Dispatcher. The transport and token source are
// shared, so Close only retires this handle.
func (c *Client) Close() error {
	c.ready.Store(false)
	return nil
}
