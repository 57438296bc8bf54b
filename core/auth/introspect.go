package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Claims is the flattened result of introspecting a bearer token.
type Claims struct {
	Active      bool            `json:"active"`
	Subject     string          `json:"sub"`
	Username    string          `json:"username"`
	DisplayName string          `json:"name,omitempty"`
	Email       string          `json:"email,omitempty"`
	Domain      string          `json:"idp_domain,omitempty"`
	IdPID       string          `json:"idp_id,omitempty"`
	IdPName     string          `json:"idp_name,omitempty"`
	AuthService string          `json:"auth_service,omitempty"`
	Groups      []string        `json:"groups,omitempty"`
	Policies    map[string]bool `json:"policies,omitempty"`
	ExpiresAt   int64           `json:"exp,omitempty"`
}

// Expiry returns the token expiry time, zero when the token carries none.
func (c *Claims) Expiry() time.Time {
	if c == nil || c.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

// InGroup reports whether the identity belongs to the given group id.
func (c *Claims) InGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Introspector resolves a bearer token into claims via the external
// identity-introspection collaborator.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*Claims, error)
}

// HTTPIntrospector calls an RFC 7662-style token introspection endpoint.
type HTTPIntrospector struct {
	url       string
	authToken string
	client    *http.Client
}

// NewHTTPIntrospector constructs an introspection client. authToken, when
// set, authenticates the gateway itself against the introspection service.
func NewHTTPIntrospector(endpoint, authToken string) *HTTPIntrospector {
	return &HTTPIntrospector{
		url:       endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPIntrospector) Introspect(ctx context.Context, token string) (*Claims, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read introspection response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection status %d", resp.StatusCode)
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	return &claims, nil
}
