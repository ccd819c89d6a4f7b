package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHMAC(t *testing.T, secret []byte, c claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestHMACVerifierAcceptsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHMACVerifier(secret, "fluxmesh")

	token := signHMAC(t, secret, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fluxmesh",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID:  "client-1",
		AccountID: "account-1",
	})

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, ClientIdentity{ClientID: "client-1", AccountID: "account-1"}, id)
}

func TestHMACVerifierRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHMACVerifier(secret, "fluxmesh")

	token := signHMAC(t, secret, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fluxmesh",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		ClientID: "client-1",
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestHMACVerifierRejectsWrongSecret(t *testing.T) {
	v := NewHMACVerifier([]byte("right-secret"), "fluxmesh")
	token := signHMAC(t, []byte("wrong-secret"), claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fluxmesh",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ClientID: "client-1",
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestHMACVerifierRejectsMissingClientID(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHMACVerifier(secret, "fluxmesh")
	token := signHMAC(t, secret, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fluxmesh",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]ClientIdentity{
		"tok-a": {ClientID: "client-a", AccountID: "account-a"},
	})

	id, err := v.Verify(context.Background(), "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "client-a", id.ClientID)

	_, err = v.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
