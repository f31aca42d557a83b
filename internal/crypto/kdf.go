package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"walletmesh/internal/domain"
)

// DeriveSessionKey agrees on a shared secret with the peer and expands it
// into the session symmetric key. The HKDF uses no salt and no info so that
// both sides, running the derivation independently, land on identical bytes.
// The session topic falls out of the key, so it is returned alongside.
func DeriveSessionKey(priv domain.X25519Private, peer domain.X25519Public) (domain.SymKey, domain.Topic, error) {
	shared, err := DH(priv, peer)
	if err != nil {
		return domain.SymKey{}, "", err
	}
	defer Wipe(shared[:])

	var key domain.SymKey
	r := hkdf.New(sha256.New, shared[:], nil, nil)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return domain.SymKey{}, "", fmt.Errorf("%w: hkdf: %v", domain.ErrKeyAgreement, err)
	}
	return key, domain.TopicForKey(key), nil
}
