package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := issuer.GenerateClientToken("browser-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "browser-1", claims.ClientID)
	assert.Equal(t, RoleClient, claims.Role)
}

func TestIssuer_RejectsExpired(t *testing.T) {
	issuer, err := NewIssuer("secret", time.Minute)
	require.NoError(t, err)

	issued := time.Now().Add(-time.Hour)
	issuer.now = func() time.Time { return issued }
	token, _, err := issuer.GenerateClientToken("browser-1")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsForeignSecret(t *testing.T) {
	other, err := NewIssuer("other", time.Hour)
	require.NoError(t, err)
	token, _, err := other.GenerateClientToken("browser-1")
	require.NoError(t, err)

	issuer, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsWrongRole(t *testing.T) {
	issuer, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)

	claims := &JWTClaims{
		ClientID: "device-1",
		Role:     "device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_MissingToken(t *testing.T) {
	issuer, err := NewIssuer("secret", 0)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, issuer.TTL())

	_, err = issuer.ValidateToken("")
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	assert.Equal(t, "abc", ExtractToken("Bearer abc", "xyz"))
	assert.Equal(t, "xyz", ExtractToken("", "xyz"))
	assert.Equal(t, "xyz", ExtractToken("Basic foo", "xyz"))
	assert.Equal(t, "", ExtractToken("", ""))
}
