// internal/auth/token.go
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jason-s-yu/matchmaking/internal/backend"
	"github.com/jason-s-yu/matchmaking/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrMissingClaim = errors.New("identity token is missing a claim")
)

// Identity claims: "sub" is the backend player handle, "ext" the linked external account.
type identityClaims struct {
	Account string `json:"ext"`
	jwt.RegisteredClaims
}

// Keys signs and verifies identity tokens with an ed25519 key pair.
type Keys struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	// ttl of zero issues tokens without an exp claim.
	ttl time.Duration
}

// NewKeys derives a key pair from a hex encoded seed, or generates a fresh pair when seedHex
// is empty.
func NewKeys(seedHex string, ttl time.Duration) (*Keys, error) {
	if seedHex == "" {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
		}
		return &Keys{private: priv, public: pub, ttl: ttl}, nil
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keys{private: priv, public: priv.Public().(ed25519.PublicKey), ttl: ttl}, nil
}

// IssueIdentityToken creates a signed token naming the local identity.
func (k *Keys) IssueIdentityToken(id models.LocalIdentity) (string, error) {
	if !id.Valid() {
		return "", fmt.Errorf("%w: identity has no player handle", ErrMissingClaim)
	}
	now := time.Now()
	claims := identityClaims{
		Account: string(id.Account),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(id.Player),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if k.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(k.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(k.private)
}

// VerifyIdentityToken checks the signature and expiry and returns the identity it names.
func (k *Keys) VerifyIdentityToken(tokenString string) (models.LocalIdentity, error) {
	claims := &identityClaims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.public, nil
	})
	if err != nil {
		return models.LocalIdentity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return models.LocalIdentity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return models.LocalIdentity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return models.LocalIdentity{
		Player:  backend.PlayerHandle(claims.Subject),
		Account: backend.ExternalAccountID(claims.Account),
	}, nil
}

// PeekIdentityToken reads the identity from a token without checking its signature. Clients
// use it to learn their own handle; the relay still verifies the token on connect.
func PeekIdentityToken(tokenString string) (models.LocalIdentity, error) {
	claims := &identityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return models.LocalIdentity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return models.LocalIdentity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return models.LocalIdentity{
		Player:  backend.PlayerHandle(claims.Subject),
		Account: backend.ExternalAccountID(claims.Account),
	}, nil
}
