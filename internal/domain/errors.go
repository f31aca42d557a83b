package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyAgreement indicates X25519 agreement failed, typically because
	// the peer supplied a low-order or identity point.
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrDecryption indicates an envelope failed authentication or was
	// malformed. No partial plaintext is ever returned alongside it.
	ErrDecryption = errors.New("envelope decryption failed")

	// ErrProtocolState indicates an operation invalid for the current
	// pairing or session state.
	ErrProtocolState = errors.New("invalid protocol state")

	// ErrTimeout indicates a pending request reached its deadline without a
	// response.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled indicates a pending request was abandoned because its
	// session or pairing went away.
	ErrCancelled = errors.New("request cancelled")

	// ErrExpired indicates a pairing or session is past its expiry.
	ErrExpired = errors.New("record expired")

	// ErrUnknownTopic indicates no symmetric key is registered for a topic.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrBadURI indicates a pairing URI that could not be parsed.
	ErrBadURI = errors.New("malformed pairing URI")

	// ErrNamespaceUnsupported indicates required namespaces exceed what the
	// responder can provide.
	ErrNamespaceUnsupported = errors.New("unsupported namespace")
)

// TransportError wraps a relay failure. Permanent failures (bad
// credentials, protocol violations) are not retried; transient ones are.
type TransportError struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("relay %s: %s: %v", e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsPermanentTransport reports whether err is a relay failure that retrying
// cannot fix.
func IsPermanentTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Permanent
}
