// Package apperr defines the application's operational error type and the
// normalization of driver-level failures into client-facing errors.
//
// An *Error carries the HTTP status and message that the error-handling
// middleware will send to the client. Anything that is not an *Error (and
// cannot be normalized into one) is treated as a programmer error and
// surfaces as a generic 500.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Error is an anticipated, user-facing failure.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Err     error  `json:"-"` // underlying cause, never serialised
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d: %s (%v)", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an operational error with an explicit status code.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// Wrap attaches an underlying cause to an operational error.
func Wrap(err error, status int, message string) *Error {
	return &Error{Status: status, Message: message, Err: err}
}

// ── Constructors for the common taxonomy ─────────────────────────────────────

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, message)
}

// Validation joins per-field validation failures into one 400 message, with
// fields in deterministic order.
func Validation(fields map[string]string) *Error {
	msgs := make([]string, 0, len(fields))
	for f := range fields {
		msgs = append(msgs, fields[f])
	}
	sort.Strings(msgs)
	return BadRequest(strings.Join(msgs, " "))
}

// InvalidID reports a malformed resource identifier.
func InvalidID(value string) *Error {
	return BadRequest(fmt.Sprintf("Resource not found with id of %s", value))
}

// ── Normalization ────────────────────────────────────────────────────────────

// As extracts an *Error from err, if present anywhere in the chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Normalize converts any error into the operational *Error the client should
// see. Recognized driver/library failures map to 4xx; everything else is a
// generic 500 whose detail stays server-side.
func Normalize(err error) *Error {
	if appErr, ok := As(err); ok {
		return appErr
	}

	// Duplicate unique key (email, pending meter index).
	if mongo.IsDuplicateKeyError(err) {
		return Wrap(err, http.StatusBadRequest,
			fmt.Sprintf("Duplicate field value entered for %s", duplicateKeyField(err)))
	}

	// Malformed ObjectID in a path or body.
	if errors.Is(err, primitive.ErrInvalidHex) {
		return Wrap(err, http.StatusBadRequest, "Malformed resource id")
	}

	// Token failures bubbling out of jwt parsing.
	if errors.Is(err, jwt.ErrTokenExpired) ||
		errors.Is(err, jwt.ErrTokenMalformed) ||
		errors.Is(err, jwt.ErrSignatureInvalid) ||
		errors.Is(err, jwt.ErrTokenInvalidClaims) {
		return Wrap(err, http.StatusUnauthorized, "Invalid or expired token")
	}

	return Wrap(err, http.StatusInternalServerError, "Server Error")
}

// duplicateKeyField digs the conflicting field name out of a Mongo duplicate
// key error message ("... index: email_1 dup key: ...").
func duplicateKeyField(err error) string {
	msg := err.Error()
	idx := strings.Index(msg, "index: ")
	if idx == -1 {
		return "unique field"
	}
	rest := msg[idx+len("index: "):]
	if end := strings.IndexAny(rest, " \t"); end != -1 {
		rest = rest[:end]
	}
	// Index names follow the "<field>_1" / "<field>_-1" convention.
	if cut := strings.LastIndexByte(rest, '_'); cut > 0 {
		rest = rest[:cut]
	}
	if rest == "" {
		return "unique field"
	}
	return rest
}
