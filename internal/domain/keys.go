package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ------------- X25519 -------------

type X25519Private [32]byte
type X25519Public [32]byte

func (k X25519Private) Slice() []byte { return k[:] }
func (k X25519Public) Slice() []byte  { return k[:] }

// Hex renders the public key as lowercase hex, the form it travels in
// proposal and settlement payloads.
func (k X25519Public) Hex() string { return hex.EncodeToString(k[:]) }

func MustX25519Private(b []byte) X25519Private {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 private: want 32 bytes, got %d", len(b)))
	}
	var out X25519Private
	copy(out[:], b)
	return out
}

func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

// X25519PublicFromHex decodes a peer public key received on the wire.
func X25519PublicFromHex(s string) (X25519Public, error) {
	var out X25519Public
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("X25519 public: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ------------- Symmetric keys -------------

// SymKey is the 32-byte symmetric key protecting all traffic on one topic.
type SymKey [32]byte

func (k SymKey) Slice() []byte { return k[:] }
func (k SymKey) Hex() string   { return hex.EncodeToString(k[:]) }

// NewSymKey returns a fresh random symmetric key.
func NewSymKey() (SymKey, error) {
	var k SymKey
	if _, err := rand.Read(k[:]); err != nil {
		return SymKey{}, err
	}
	return k, nil
}

func MustSymKey(b []byte) SymKey {
	if len(b) != 32 {
		panic(fmt.Errorf("symmetric key: want 32 bytes, got %d", len(b)))
	}
	var out SymKey
	copy(out[:], b)
	return out
}

// SymKeyFromHex decodes a symmetric key from its hex form (pairing URIs,
// persisted records).
func SymKeyFromHex(s string) (SymKey, error) {
	var out SymKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("symmetric key: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("symmetric key: want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
