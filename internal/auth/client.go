// Package auth delegates token validation and login to the external
// authentication service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Static errors for authorization.
var (
	// ErrUnauthorized is returned when the token is missing, invalid or expired.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrForbidden is returned when a valid token lacks the required privilege.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrServiceUnavailable is returned when the auth service cannot be
	// reached, times out or fails with a server error.
	ErrServiceUnavailable = errors.New("auth: service unavailable")
	// ErrAddressRequired is returned when no auth service address is configured.
	ErrAddressRequired = errors.New("auth: service address is required")
)

// DefaultTimeout bounds every call to the auth service.
const DefaultTimeout = 5 * time.Second

// Claims is what the auth service vouches for about a token's bearer.
type Claims struct {
	Identity   string
	Privileged bool
	ExpiresAt  time.Time
}

// RequirePrivileged returns ErrForbidden unless the claims are privileged.
func (c Claims) RequirePrivileged() error {
	if !c.Privileged {
		return fmt.Errorf("%w: %s is not privileged", ErrForbidden, c.Identity)
	}
	return nil
}

// Authorizer validates bearer tokens.
type Authorizer interface {
	// Authorize validates token (the raw Authorization header value).
	Authorize(ctx context.Context, token string) (Claims, error)
}

// claimsResponse is the auth service's /validate body.
type claimsResponse struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	Exp      int64  `json:"exp"`
}

// Client is the HTTP implementation of Authorizer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// Compile-time check that Client implements Authorizer.
var _ Authorizer = (*Client)(nil)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(ac *Client) {
		ac.httpClient = c
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(ac *Client) {
		ac.httpClient.Timeout = d
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) ClientOption {
	return func(ac *Client) {
		ac.now = now
	}
}

// NewClient creates a client for the auth service at baseURL. A bare
// host:port is treated as http.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, ErrAddressRequired
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authorize forwards token to POST /validate and returns the claims.
func (c *Client) Authorize(ctx context.Context, token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}

	body, err := c.do(ctx, "/validate", func(req *http.Request) {
		req.Header.Set("Authorization", token)
	})
	if err != nil {
		return Claims{}, err
	}

	var resp claimsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Claims{}, fmt.Errorf("%w: decode claims: %v", ErrServiceUnavailable, err)
	}
	if resp.Username == "" {
		return Claims{}, fmt.Errorf("%w: token carries no identity", ErrUnauthorized)
	}

	claims := Claims{Identity: resp.Username, Privileged: resp.Admin}
	if resp.Exp > 0 {
		claims.ExpiresAt = time.Unix(resp.Exp, 0)
		if !c.now().Before(claims.ExpiresAt) {
			return Claims{}, fmt.Errorf("%w: token expired", ErrUnauthorized)
		}
	}
	return claims, nil
}

// Login exchanges basic credentials for a token via POST /login.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}

	body, err := c.do(ctx, "/login", func(req *http.Request) {
		req.SetBasicAuth(username, password)
	})
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrServiceUnavailable)
	}
	return token, nil
}

// do POSTs to path and maps the outcome onto the package errors.
func (c *Client) do(ctx context.Context, path string, prepare func(*http.Request)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: create request: %w", err)
	}
	prepare(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection errors alike.
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited", ErrServiceUnavailable)
	default:
		// 401, 403 and any other client error mean the credentials were rejected.
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
