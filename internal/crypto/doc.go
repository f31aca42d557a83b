// Package crypto exposes the primitives behind walletmesh envelopes.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - HKDF-SHA256 expansion of the shared secret into a session key and its
//     derived topic (DeriveSessionKey)
//   - ChaCha20-Poly1305 envelope sealing/opening plus the base64 wire codec
//     (Seal, SealType1, Open)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//
// # Notes
//
// All functions take and return the fixed-size key types from
// internal/domain to avoid accidental reallocations. Envelope opening is
// fail-closed: any malformed, truncated or tampered payload yields
// domain.ErrDecryption and no plaintext. Both ends of a pairing derive the
// session key independently, so the derivation here must never change shape.
package crypto
