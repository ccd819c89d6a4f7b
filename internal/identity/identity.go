// Package identity defines the narrow contract the submission API uses to
// turn a bearer token into a caller's client/account identity. The identity
// service itself is an external collaborator (spec §1) — the verification
// contract, a JWT-backed implementation and the StaticVerifier stub live here.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when a presented token has expired.
var ErrTokenExpired = errors.New("identity: token expired")

// ErrTokenInvalid is returned when a token cannot be parsed or verified, or
// is missing the claims this orchestrator requires.
var ErrTokenInvalid = errors.New("identity: token invalid")

// ClientIdentity is what a verified token resolves to.
type ClientIdentity struct {
	ClientID  string
	AccountID string
}

// Verifier authenticates a bearer token presented to the submission API.
type Verifier interface {
	Verify(ctx context.Context, token string) (ClientIdentity, error)
}

// claims holds the fields this orchestrator expects on every identity
// token, alongside the standard registered claims.
type claims struct {
	jwt.RegisteredClaims
	ClientID  string `json:"client_id"`
	AccountID string `json:"account_id"`
}

// keyFunc resolves the verification key for a parsed token, the same
// indirection jwt.ParseWithClaims expects.
type keyFunc func(*jwt.Token) (any, error)

// JWTVerifier implements Verifier against a configured HMAC or RSA key,
// narrowed to verification-only since the identity service itself issues
// tokens out of process here.
type JWTVerifier struct {
	key    keyFunc
	issuer string
}

// NewHMACVerifier builds a JWTVerifier that checks HS256 tokens against secret.
func NewHMACVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{
		issuer: issuer,
		key: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
	}
}

// NewRSAVerifier builds a JWTVerifier that checks RS256 tokens against publicKey.
func NewRSAVerifier(publicKey *rsa.PublicKey, issuer string) *JWTVerifier {
	return &JWTVerifier{
		issuer: issuer,
		key: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
			}
			return publicKey, nil
		},
	}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (ClientIdentity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, v.key,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ClientIdentity{}, ErrTokenExpired
		}
		return ClientIdentity{}, ErrTokenInvalid
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.ClientID == "" {
		return ClientIdentity{}, ErrTokenInvalid
	}

	return ClientIdentity{ClientID: c.ClientID, AccountID: c.AccountID}, nil
}

// StaticVerifier is a deterministic in-memory stub for tests and local
// development: a literal token string maps directly to a ClientIdentity.
type StaticVerifier struct {
	tokens map[string]ClientIdentity
}

// NewStaticVerifier builds a StaticVerifier from a fixed token table.
func NewStaticVerifier(tokens map[string]ClientIdentity) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (ClientIdentity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return ClientIdentity{}, ErrTokenInvalid
	}
	return id, nil
}
