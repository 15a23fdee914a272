// Package auth checks operator credentials on privileged API routes such as
// the faucet and manual oracle fulfilment.
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken means the credential was checked and refused.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnavailable means the credential could not be checked. Callers fail
	// closed.
	ErrUnavailable = errors.New("auth: unavailable")
)

// Identity is the operator behind an accepted token.
type Identity struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// Validator checks an operator token.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// StaticValidator accepts exactly one shared token.
type StaticValidator struct {
	token []byte
}

// NewStaticValidator returns a validator for token. The token must not be
// empty.
func NewStaticValidator(token string) (*StaticValidator, error) {
	if token == "" {
		return nil, errors.New("auth: empty admin token")
	}
	return &StaticValidator{token: []byte(token)}, nil
}

func (v *StaticValidator) Validate(_ context.Context, token string) (*Identity, error) {
	if subtle.ConstantTimeCompare([]byte(token), v.token) != 1 {
		return nil, ErrInvalidToken
	}
	return &Identity{Subject: "admin", Role: "operator"}, nil
}

// HTTPValidator delegates to an external service that answers
// POST {"token": ..., "scope": ...} with {"valid": bool, "subject", "role"}.
type HTTPValidator struct {
	url    string
	scope  string
	client *http.Client
}

// NewHTTPValidator creates a validator that asks url about every token.
func NewHTTPValidator(url, scope string) *HTTPValidator {
	return &HTTPValidator{
		url:   url,
		scope: scope,
		client: &http.Client{
			Timeout: time.Second,
		},
	}
}

type validateRequest struct {
	Token string `json:"token"`
	Scope string `json:"scope,omitempty"`
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Subject string `json:"subject,omitempty"`
	Role    string `json:"role,omitempty"`
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	body, err := json.Marshal(validateRequest{Token: token, Scope: v.scope})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode error: %v", ErrUnavailable, err)
	}
	if !out.Valid {
		return nil, ErrInvalidToken
	}
	return &Identity{Subject: out.Subject, Role: out.Role}, nil
}

// TokenFromRequest reads a bearer token, falling back to X-Admin-Token.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.Header.Get("X-Admin-Token")
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
