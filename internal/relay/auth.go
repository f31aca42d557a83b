package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds how long a connection token stays valid.
const DefaultTokenTTL = time.Hour

// Identity is the client's relay authentication keypair. The relay
// learns the public half from the token's issuer claim and verifies the
// EdDSA signature against it, so no registration step is needed.
type Identity struct {
	priv ed25519.PrivateKey
}

// NewIdentity generates a fresh relay identity.
func NewIdentity() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate relay identity: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// IdentityFromSeed rebuilds a stable identity from a stored 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("relay identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Identity{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKeyHex returns the identity's public key as lowercase hex. It is
// carried in the issuer claim of every token the identity signs.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.priv.Public().(ed25519.PublicKey))
}

// Token signs a connection JWT addressed to the relay at aud. A zero ttl
// means DefaultTokenTTL.
func (id *Identity) Token(aud string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    id.PublicKeyHex(),
		Audience:  jwt.ClaimStrings{aud},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(id.priv)
	if err != nil {
		return "", fmt.Errorf("sign relay token: %w", err)
	}
	return tok, nil
}

// VerifyToken checks an EdDSA connection token against the audience the
// relay serves and returns the issuer's public key in hex. The token is
// self-certifying: the verification key is the issuer claim itself.
func VerifyToken(token, aud string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(aud),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(*jwt.RegisteredClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		pub, err := hex.DecodeString(claims.Issuer)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, errors.New("issuer is not an ed25519 public key")
		}
		return ed25519.PublicKey(pub), nil
	})
	if err != nil {
		return "", fmt.Errorf("verify relay token: %w", err)
	}
	return parsed.Claims.(*jwt.RegisteredClaims).Issuer, nil
}
