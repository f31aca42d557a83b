package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"walletmesh/internal/domain"
)

// EnvelopeType selects the envelope header layout.
type EnvelopeType byte

const (
	// Type0 envelopes carry nonce and ciphertext only. Both sides already
	// share the topic key.
	Type0 EnvelopeType = 0
	// Type1 envelopes prepend the sender's X25519 public key so the
	// receiver can derive the topic key on first contact.
	Type1 EnvelopeType = 1
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSize
	// Overhead is the authentication tag length appended to the ciphertext.
	Overhead = chacha20poly1305.Overhead

	senderKeySize = 32
)

// Seal encrypts plaintext as a type 0 envelope and returns the base64 wire
// form: [type:1][nonce:12][ciphertext+tag].
func Seal(key domain.SymKey, plaintext []byte) (string, error) {
	return seal(key, plaintext, Type0, domain.X25519Public{})
}

// SealType1 encrypts plaintext as a type 1 envelope carrying the sender's
// public key: [type:1][sender:32][nonce:12][ciphertext+tag].
func SealType1(key domain.SymKey, sender domain.X25519Public, plaintext []byte) (string, error) {
	return seal(key, plaintext, Type1, sender)
}

func seal(key domain.SymKey, plaintext []byte, typ EnvelopeType, sender domain.X25519Public) (string, error) {
	aead, err := chacha20poly1305.New(key.Slice())
	if err != nil {
		return "", err
	}

	header := []byte{byte(typ)}
	if typ == Type1 {
		header = append(header, sender.Slice()...)
	}

	// Fresh random nonce per envelope, never reused under a key.
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(header)+NonceSize+len(plaintext)+Overhead)
	buf = append(buf, header...)
	buf = append(buf, nonce...)
	buf = aead.Seal(buf, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open authenticates and decrypts an envelope in its base64 wire form. For
// type 1 envelopes the embedded sender key is returned; for type 0 sender
// is nil. Every failure mode collapses to domain.ErrDecryption.
func Open(key domain.SymKey, envelope string) (plaintext []byte, sender *domain.X25519Public, err error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: base64: %v", domain.ErrDecryption, err)
	}
	if len(raw) < 1 {
		return nil, nil, fmt.Errorf("%w: empty envelope", domain.ErrDecryption)
	}

	headerLen := 1
	switch EnvelopeType(raw[0]) {
	case Type0:
	case Type1:
		headerLen += senderKeySize
	default:
		return nil, nil, fmt.Errorf("%w: unknown envelope type %d", domain.ErrDecryption, raw[0])
	}
	if len(raw) < headerLen+NonceSize+Overhead {
		return nil, nil, fmt.Errorf("%w: envelope too short", domain.ErrDecryption)
	}

	if EnvelopeType(raw[0]) == Type1 {
		pub := domain.MustX25519Public(raw[1:headerLen])
		sender = &pub
	}

	aead, err := chacha20poly1305.New(key.Slice())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	nonce := raw[headerLen : headerLen+NonceSize]
	ct := raw[headerLen+NonceSize:]
	plaintext, err = aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, sender, nil
}
