package webapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/telemark/dvpool/internal/sentinel"
)

const (
	// ErrMalformedConnectionString indicates a connection string that could
	// not be parsed into key=value pairs or is missing a required key.
	ErrMalformedConnectionString = sentinel.Error("malformed connection string")

	// ErrUnsupportedAuthType indicates an AuthType other than ClientSecret.
	ErrUnsupportedAuthType = sentinel.Error("unsupported auth type")
)

// defaultAuthority is the Entra ID endpoint used when the connection string
// carries no Authority key.
const defaultAuthority = "https://login.microsoftonline.com"

// Credentials holds the parsed client-credentials material for one
// environment. The zero value is not usable; build one with
// ParseConnectionString.
type Credentials struct {
	// URL is the environment root, e.g. "https://contoso.crm.dynamics.com".
	URL string
	// TenantID is the Entra ID tenant. Empty means the "organizations"
	// multi-tenant endpoint.
	TenantID string
	// ClientID is the application (client) id.
	ClientID string
	// ClientSecret is the application secret. Never logged; see Redacted.
	ClientSecret string
	// Authority overrides the token endpoint host, for sovereign clouds.
	Authority string
}

// ParseConnectionString parses the semicolon-delimited
// "AuthType=ClientSecret;Url=...;ClientId=...;ClientSecret=..." form.
// Keys are case-insensitive and surrounding whitespace is ignored.
// Error messages never include the secret value.
func ParseConnectionString(s string) (Credentials, error) {
	var creds Credentials
	authType := ""

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Credentials{}, fmt.Errorf("%w: segment without '='", ErrMalformedConnectionString)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "authtype":
			authType = value
		case "url", "serviceuri", "server":
			creds.URL = strings.TrimRight(value, "/")
		case "clientid", "appid", "applicationid":
			creds.ClientID = value
		case "clientsecret", "secret":
			creds.ClientSecret = value
		case "tenantid", "tenant":
			creds.TenantID = value
		case "authority", "loginuri":
			creds.Authority = strings.TrimRight(value, "/")
		default:
			// Unknown keys are ignored so connection strings written for
			// richer clients still parse.
		}
	}

	if !strings.EqualFold(authType, "ClientSecret") {
		return Credentials{}, fmt.Errorf("%w: %q", ErrUnsupportedAuthType, authType)
	}
	if creds.URL == "" {
		return Credentials{}, fmt.Errorf("%w: missing Url", ErrMalformedConnectionString)
	}
	if _, err := url.Parse(creds.URL); err != nil {
		return Credentials{}, fmt.Errorf("%w: invalid Url", ErrMalformedConnectionString)
	}
	if creds.ClientID == "" {
		return Credentials{}, fmt.Errorf("%w: missing ClientId", ErrMalformedConnectionString)
	}
	if creds.ClientSecret == "" {
		return Credentials{}, fmt.Errorf("%w: missing ClientSecret", ErrMalformedConnectionString)
	}
	return creds, nil
}

// Redacted renders the credentials for logging with the secret masked.
func (c Credentials) Redacted() string {
	return fmt.Sprintf("Url=%s;ClientId=%s;ClientSecret=****;TenantId=%s", c.URL, c.ClientID, c.TenantID)
}

// tokenSource builds a cached client-credentials token source scoped to the
// environment ({resource}/.default).
func (c Credentials) tokenSource() oauth2.TokenSource {
	authority := c.Authority
	if authority == "" {
		authority = defaultAuthority
	}
	tenant := c.TenantID
	if tenant == "" {
		tenant = "organizations"
	}
	cfg := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, tenant),
		Scopes:       []string{c.URL + "/.default"},
	}
	return cfg.TokenSource(context.Background())
}
