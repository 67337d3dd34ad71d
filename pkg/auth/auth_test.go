package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterdesk/meterdesk/pkg/auth"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := auth.GenerateToken("5d7a514b5d2c12c7449be045", "admin")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)

	assert.Equal(t, "5d7a514b5d2c12c7449be045", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
	assert.NotEmpty(t, claims.ID, "token must carry a jti for revocation")
	assert.NotNil(t, claims.ExpiresAt)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	_, err := auth.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestValidateTokenRejectsTamperedToken(t *testing.T) {
	token, err := auth.GenerateToken("5d7a514b5d2c12c7449be045", "user")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token + "x")
	assert.Error(t, err)
}

func TestTokenIDsAreUnique(t *testing.T) {
	a, err := auth.GenerateToken("5d7a514b5d2c12c7449be045", "user")
	require.NoError(t, err)
	b, err := auth.GenerateToken("5d7a514b5d2c12c7449be045", "user")
	require.NoError(t, err)

	ca, err := auth.ValidateToken(a)
	require.NoError(t, err)
	cb, err := auth.ValidateToken(b)
	require.NoError(t, err)

	assert.NotEqual(t, ca.ID, cb.ID)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := auth.HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	assert.True(t, auth.CheckPassword(hash, "hunter22"))
	assert.False(t, auth.CheckPassword(hash, "hunter23"))
}

func TestParseRole(t *testing.T) {
	role, ok := auth.ParseRole("admin")
	assert.True(t, ok)
	assert.Equal(t, auth.RoleAdmin, role)

	role, ok = auth.ParseRole("user")
	assert.True(t, ok)
	assert.Equal(t, auth.RoleUser, role)

	_, ok = auth.ParseRole("superuser")
	assert.False(t, ok)
}
