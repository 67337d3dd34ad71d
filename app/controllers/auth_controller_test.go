package controllers_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/crypt"
)

func TestRegister(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/users/register", "", map[string]string{
		"name":     "Jamie Reader",
		"email":    "jamie@example.com",
		"password": "secret123",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := data(t, rec)
	assert.Equal(t, "jamie@example.com", user["email"])
	assert.Equal(t, "user", user["role"], "role defaults to user")
	assert.NotContains(t, rec.Body.String(), "secret123")
	assert.NotContains(t, user, "password", "hash must never be serialised")
}

func TestRegisterDuplicateEmail(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "jamie@example.com", "user")

	rec := app.do(t, http.MethodPost, "/api/users/register", "", map[string]string{
		"name":     "Jamie Again",
		"email":    "jamie@example.com",
		"password": "secret123",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Duplicate field value entered for email", message(t, rec))
}

func TestRegisterValidation(t *testing.T) {
	app := newTestApp(t)

	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing email", map[string]string{"name": "A", "password": "secret123"}},
		{"bad email", map[string]string{"name": "A", "email": "not-an-email", "password": "secret123"}},
		{"short password", map[string]string{"name": "A", "email": "a@b.com", "password": "123"}},
		{"bad role", map[string]string{"name": "A", "email": "a@b.com", "password": "secret123", "role": "superuser"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, "/api/users/register", "", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLogin(t *testing.T) {
	app := newTestApp(t)
	user, _ := app.seedUser(t, "jamie@example.com", "user")

	rec := app.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
		"email":    "jamie@example.com",
		"password": "secret123",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	token, _ := data(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.Hex(), claims.UserID, "token subject must be the authenticated user")
	assert.Equal(t, "user", claims.Role)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "login must set the auth cookie")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, token, cookie.Value)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "jamie@example.com", "user")

	cases := []struct {
		name string
		body map[string]string
	}{
		{"wrong password", map[string]string{"email": "jamie@example.com", "password": "wrong-pass"}},
		{"unknown email", map[string]string{"email": "nobody@example.com", "password": "secret123"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, "/api/users/login", "", tc.body)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Invalid credentials", message(t, rec))
		})
	}
}

func TestMe(t *testing.T) {
	app := newTestApp(t)
	user, token := app.seedUser(t, "jamie@example.com", "user")

	rec := app.do(t, http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, user.Email, data(t, rec)["email"])

	rec = app.do(t, http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	_, token := app.seedUser(t, "jamie@example.com", "user")

	rec := app.do(t, http.MethodPost, "/api/users/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data(t, rec)["loggedOut"])

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "token" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Less(t, cookie.MaxAge, 0, "logout must expire the auth cookie")
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/users/forgotpassword", "", map[string]string{
		"email": "nobody@example.com",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "There is no user with that email", message(t, rec))
}

func TestForgotPasswordStoresHashedToken(t *testing.T) {
	app := newTestApp(t)
	user, _ := app.seedUser(t, "jamie@example.com", "user")

	rec := app.do(t, http.MethodPost, "/api/users/forgotpassword", "", map[string]string{
		"email": "jamie@example.com",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Email sent", data(t, rec)["message"])

	stored := app.users.users[user.ID.Hex()]
	require.NotEmpty(t, stored.ResetPasswordToken)
	require.NotNil(t, stored.ResetPasswordExpire)
	assert.Len(t, stored.ResetPasswordToken, 64, "only the sha256 digest is stored")
}

func TestResetPassword(t *testing.T) {
	app := newTestApp(t)
	user, _ := app.seedUser(t, "jamie@example.com", "user")

	// Plant a reset token the way the forgot-password flow would.
	raw := crypt.RandomToken(20)
	expire := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, app.users.SetResetToken(context.Background(), user.ID, crypt.Hash(raw), expire))

	rec := app.do(t, http.MethodPut, "/api/users/resetpassword/"+raw, "", map[string]string{
		"password": "brand-new-pass",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, data(t, rec)["token"], "reset issues a fresh session token")

	// The new password works, the old one does not.
	rec = app.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
		"email": "jamie@example.com", "password": "brand-new-pass",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
		"email": "jamie@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResetPasswordInvalidToken(t *testing.T) {
	app := newTestApp(t)
	app.seedUser(t, "jamie@example.com", "user")

	rec := app.do(t, http.MethodPut, "/api/users/resetpassword/deadbeef", "", map[string]string{
		"password": "brand-new-pass",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid token", message(t, rec))
}
