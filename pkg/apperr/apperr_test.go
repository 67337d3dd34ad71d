package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meterdesk/meterdesk/pkg/apperr"
)

func duplicateKeyErr(index string) error {
	return mongo.WriteException{WriteErrors: []mongo.WriteError{{
		Code:    11000,
		Message: "E11000 duplicate key error collection: meterdesk.users index: " + index + " dup key: { email: \"a@b.c\" }",
	}}}
}

func TestNormalizePassesThroughOperationalErrors(t *testing.T) {
	e := apperr.NotFound("Resource not found with id of abc")
	got := apperr.Normalize(fmt.Errorf("handler: %w", e))

	assert.Equal(t, http.StatusNotFound, got.Status)
	assert.Equal(t, "Resource not found with id of abc", got.Message)
}

func TestNormalizeDuplicateKey(t *testing.T) {
	got := apperr.Normalize(duplicateKeyErr("email_1"))
	assert.Equal(t, http.StatusBadRequest, got.Status)
	assert.Equal(t, "Duplicate field value entered for email", got.Message)

	got = apperr.Normalize(duplicateKeyErr("meterNumber_1"))
	assert.Equal(t, "Duplicate field value entered for meterNumber", got.Message)
}

func TestNormalizeInvalidObjectID(t *testing.T) {
	_, err := primitive.ObjectIDFromHex("not-a-hex-id")
	got := apperr.Normalize(err)

	assert.Equal(t, http.StatusBadRequest, got.Status)
	assert.Equal(t, "Malformed resource id", got.Message)
}

func TestNormalizeJWTErrors(t *testing.T) {
	for _, err := range []error{
		jwt.ErrTokenExpired,
		jwt.ErrTokenMalformed,
		jwt.ErrSignatureInvalid,
	} {
		got := apperr.Normalize(fmt.Errorf("parse: %w", err))
		assert.Equal(t, http.StatusUnauthorized, got.Status)
		assert.Equal(t, "Invalid or expired token", got.Message)
	}
}

func TestNormalizeUnknownIsServerError(t *testing.T) {
	got := apperr.Normalize(errors.New("driver exploded"))

	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.Equal(t, "Server Error", got.Message)
	// The cause stays attached for logging but never reaches the client shape.
	assert.EqualError(t, errors.Unwrap(got), "driver exploded")
}

func TestValidationJoinsFieldsDeterministically(t *testing.T) {
	e := apperr.Validation(map[string]string{
		"email": "The email field is required.",
		"name":  "The name field is required.",
	})

	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, "The email field is required. The name field is required.", e.Message)
}
