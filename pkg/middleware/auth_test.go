package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := middleware.FromRequest(r)
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		json.NewEncoder(w).Encode(identity) //nolint:errcheck
	})
}

func staticLoader(identity middleware.Identity) middleware.IdentityLoader {
	return func(_ context.Context, id string) (middleware.Identity, error) {
		if id != identity.ID {
			return middleware.Identity{}, middleware.ErrIdentityNotFound
		}
		return identity, nil
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	h := middleware.Authenticate(staticLoader(middleware.Identity{}))(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateBadToken(t *testing.T) {
	h := middleware.Authenticate(staticLoader(middleware.Identity{}))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid or expired token")
}

func TestAuthenticateUserGone(t *testing.T) {
	token, err := auth.GenerateToken("5d7a514b5d2c12c7449be045", "user")
	require.NoError(t, err)

	loader := func(context.Context, string) (middleware.Identity, error) {
		return middleware.Identity{}, middleware.ErrIdentityNotFound
	}
	h := middleware.Authenticate(loader)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthenticateLoaderFailure(t *testing.T) {
	token, err := auth.GenerateToken("5d7a514b5d2c12c7449be045", "user")
	require.NoError(t, err)

	loader := func(context.Context, string) (middleware.Identity, error) {
		return middleware.Identity{}, errors.New("connection refused")
	}
	h := middleware.Authenticate(loader)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthenticateAttachesIdentity(t *testing.T) {
	identity := middleware.Identity{
		ID:    "5d7a514b5d2c12c7449be045",
		Role:  auth.RoleUser,
		Name:  "Jamie Reader",
		Email: "jamie@example.com",
	}
	token, err := auth.GenerateToken(identity.ID, string(identity.Role))
	require.NoError(t, err)

	h := middleware.Authenticate(staticLoader(identity))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got middleware.Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, identity, got)
}

func TestAuthenticateCookieFallback(t *testing.T) {
	identity := middleware.Identity{ID: "5d7a514b5d2c12c7449be045", Role: auth.RoleUser}
	token, err := auth.GenerateToken(identity.ID, string(identity.Role))
	require.NoError(t, err)

	h := middleware.Authenticate(staticLoader(identity))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRoles(t *testing.T) {
	guard := middleware.RequireRoles(auth.RoleAdmin)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name     string
		identity *middleware.Identity
		want     int
	}{
		{"admin allowed", &middleware.Identity{ID: "1", Role: auth.RoleAdmin}, http.StatusOK},
		{"user forbidden", &middleware.Identity{ID: "2", Role: auth.RoleUser}, http.StatusForbidden},
		{"anonymous forbidden", nil, http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/meters/radius/02215/10", nil)
			if tc.identity != nil {
				req = req.WithContext(middleware.WithIdentity(req.Context(), *tc.identity))
			}
			rec := httptest.NewRecorder()
			guard(next).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
