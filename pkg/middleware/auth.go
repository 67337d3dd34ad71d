package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/cache"
	"github.com/meterdesk/meterdesk/pkg/response"
)

// Identity is the authenticated caller attached to the request context.
// Handlers behind Authenticate can rely on it being present; everything
// else must go through FromRequest and handle the miss.
type Identity struct {
	ID    string    `json:"id"`
	Role  auth.Role `json:"role"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool { return id.Role == auth.RoleAdmin }

// ErrIdentityNotFound must be returned by an IdentityLoader when the token's
// subject no longer exists.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityLoader resolves a user id (from a verified token) into an Identity.
// The password is never part of the result.
type IdentityLoader func(ctx context.Context, id string) (Identity, error)

type identityKey struct{}

// FromRequest returns the authenticated identity, if one was attached.
func FromRequest(r *http.Request) (Identity, bool) {
	id, ok := r.Context().Value(identityKey{}).(Identity)
	return id, ok
}

// WithIdentity attaches an identity to ctx. Exported for handler tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// denylistKey is the Redis key prefix for revoked token ids.
const denylistKey = "token:deny:"

// RevokeToken denylists a token id until its natural expiry.
func RevokeToken(jti string, ttlSeconds int64) error {
	if jti == "" || ttlSeconds <= 0 {
		return nil
	}
	return cache.Set(denylistKey+jti, true, secondsToDuration(ttlSeconds))
}

// Authenticate verifies the bearer token and attaches the caller's Identity.
//
//   - missing/malformed header → 401
//   - invalid/expired/revoked token → 401
//   - user no longer exists → 404
func Authenticate(load IdentityLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				response.Unauthorized(w)
				return
			}

			claims, err := auth.ValidateToken(raw)
			if err != nil {
				response.Error(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			if cache.Has(denylistKey + claims.ID) {
				response.Error(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			identity, err := load(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, ErrIdentityNotFound) {
					response.NotFound(w)
					return
				}
				response.Error(w, http.StatusInternalServerError, "Server Error")
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles gates a route to the given allow-list. Must run after
// Authenticate.
func RequireRoles(roles ...auth.Role) func(http.Handler) http.Handler {
	allowed := make(map[auth.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := FromRequest(r)
			if !ok || !allowed[identity.Role] {
				response.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>", also
// falling back to the auth cookie set at login.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}
