package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticValidator(t *testing.T) {
	_, err := NewStaticValidator("")
	require.Error(t, err)

	v, err := NewStaticValidator("s3cret")
	require.NoError(t, err)

	id, err := v.Validate(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "operator", id.Role)

	for _, token := range []string{"", "s3cre", "s3cret!", "S3CRET"} {
		_, err := v.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestHTTPValidator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Token == "good" && req.Scope == "raffle" {
			_ = json.NewEncoder(w).Encode(validateResponse{Valid: true, Subject: "ops@example.com", Role: "operator"})
			return
		}
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: false})
	}))
	defer server.Close()

	v := NewHTTPValidator(server.URL, "raffle")

	id, err := v.Validate(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, &Identity{Subject: "ops@example.com", Role: "operator"}, id)

	_, err = v.Validate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHTTPValidatorStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrInvalidToken},
		{"forbidden", http.StatusForbidden, ErrInvalidToken},
		{"rate limited", http.StatusTooManyRequests, ErrUnavailable},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"teapot", http.StatusTeapot, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewHTTPValidator(server.URL, "").Validate(context.Background(), "token")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPValidatorUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPValidator(url, "").Validate(context.Background(), "token")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPValidatorMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	_, err := NewHTTPValidator(server.URL, "").Validate(context.Background(), "token")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"lowercase scheme", map[string]string{"Authorization": "bearer abc"}, "abc"},
		{"basic is ignored", map[string]string{"Authorization": "Basic abc", "X-Admin-Token": "xyz"}, ""},
		{"admin header", map[string]string{"X-Admin-Token": "xyz"}, "xyz"},
		{"none", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &Identity{Subject: "ops"})
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "ops", id.Subject)
}
