// Package controllers implements the HTTP business rules per endpoint.
// Handlers return errors; the error middleware turns them into the uniform
// JSON error shape.
package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meterdesk/meterdesk/app/jobs"
	"github.com/meterdesk/meterdesk/app/models"
	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/apperr"
	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/bind"
	"github.com/meterdesk/meterdesk/pkg/crypt"
	"github.com/meterdesk/meterdesk/pkg/logger"
	"github.com/meterdesk/meterdesk/pkg/middleware"
	"github.com/meterdesk/meterdesk/pkg/queue"
	"github.com/meterdesk/meterdesk/pkg/response"
	"github.com/meterdesk/meterdesk/pkg/router"
)

// resetTokenTTL is how long a password-reset token stays valid.
const resetTokenTTL = 10 * time.Minute

// UserStore is the persistence surface the auth endpoints need.
// *repositories.UserRepository satisfies it; tests use an in-memory fake.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindByID(ctx context.Context, id string) (models.User, error)
	SetResetToken(ctx context.Context, id primitive.ObjectID, hashedToken string, expire time.Time) error
	FindByResetToken(ctx context.Context, hashedToken string) (models.User, error)
	ResetPassword(ctx context.Context, id primitive.ObjectID, passwordHash string) error
}

type AuthController struct {
	users UserStore
}

func NewAuthController(users UserStore) *AuthController {
	return &AuthController{users: users}
}

// Register creates a new user account.
// POST /api/users/register
func (c *AuthController) Register(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Name     string `json:"name" validate:"required,max=50"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=6"`
		Role     string `json:"role" validate:"nullable,in=user,admin"`
	}
	if err := bind.JSON(r, &in); err != nil {
		return err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return err
	}

	user := models.User{
		Name:     in.Name,
		Email:    in.Email,
		Password: hash,
		Role:     in.Role,
	}
	if err := c.users.Create(r.Context(), &user); err != nil {
		return err // duplicate email normalized by the error middleware
	}

	response.Created(w, user)
	return nil
}

// Login verifies credentials and issues a JWT, also set as an http-only
// cookie for browser clients.
// POST /api/users/login
func (c *AuthController) Login(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	if err := bind.JSON(r, &in); err != nil {
		return err
	}

	user, err := c.users.FindByEmail(r.Context(), in.Email)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.Unauthorized("Invalid credentials")
		}
		return err
	}
	if !auth.CheckPassword(user.Password, in.Password) {
		return apperr.Unauthorized("Invalid credentials")
	}

	token, err := auth.GenerateToken(user.ID.Hex(), user.Role)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(config.JWTExpire()),
		HttpOnly: true,
		Secure:   config.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	})

	response.Success(w, map[string]string{"token": token})
	return nil
}

// Me returns the authenticated caller.
// GET /api/users/me
func (c *AuthController) Me(w http.ResponseWriter, r *http.Request) error {
	identity, ok := middleware.FromRequest(r)
	if !ok {
		return apperr.Unauthorized("Unauthorized")
	}

	user, err := c.users.FindByID(r.Context(), identity.ID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.NotFound("User not found")
		}
		return err
	}

	response.Success(w, user)
	return nil
}

// Logout revokes the current token and clears the auth cookie.
// POST /api/users/logout
func (c *AuthController) Logout(w http.ResponseWriter, r *http.Request) error {
	if raw := requestToken(r); raw != "" {
		if claims, err := auth.ValidateToken(raw); err == nil && claims.ExpiresAt != nil {
			ttl := int64(time.Until(claims.ExpiresAt.Time).Seconds())
			if err := middleware.RevokeToken(claims.ID, ttl); err != nil {
				logger.Warn("logout: could not denylist token", "error", err)
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	response.Success(w, map[string]bool{"loggedOut": true})
	return nil
}

// ForgotPassword generates a reset token and mails the reset link through
// the background queue. The raw token never touches the database.
// POST /api/users/forgotpassword
func (c *AuthController) ForgotPassword(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Email string `json:"email" validate:"required,email"`
	}
	if err := bind.JSON(r, &in); err != nil {
		return err
	}

	user, err := c.users.FindByEmail(r.Context(), in.Email)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.NotFound("There is no user with that email")
		}
		return err
	}

	raw := crypt.RandomToken(20)
	if err := c.users.SetResetToken(r.Context(), user.ID, crypt.Hash(raw), time.Now().UTC().Add(resetTokenTTL)); err != nil {
		return err
	}

	resetURL := requestBaseURL(r) + "/api/users/resetpassword/" + raw
	if err := queue.Dispatch(jobs.ResetPasswordEmail{Email: user.Email, ResetURL: resetURL}); err != nil {
		return err
	}

	response.Success(w, map[string]string{"message": "Email sent"})
	return nil
}

// ResetPassword sets a new password for the user matching the reset token
// and issues a fresh JWT.
// PUT /api/users/resetpassword/{resettoken}
func (c *AuthController) ResetPassword(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Password string `json:"password" validate:"required,min=6"`
	}
	if err := bind.JSON(r, &in); err != nil {
		return err
	}

	raw := router.Param(r, "resettoken")
	user, err := c.users.FindByResetToken(r.Context(), crypt.Hash(raw))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.BadRequest("Invalid token")
		}
		return err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return err
	}
	if err := c.users.ResetPassword(r.Context(), user.ID, hash); err != nil {
		return err
	}

	token, err := auth.GenerateToken(user.ID.Hex(), user.Role)
	if err != nil {
		return err
	}

	response.Success(w, map[string]string{"token": token})
	return nil
}

// requestToken extracts the bearer token from the header or auth cookie.
func requestToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}

// requestBaseURL reconstructs the external scheme://host of the request.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
