package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ProtocolVersion is the pairing protocol version carried in URIs.
const ProtocolVersion = 2

// DefaultRelayProtocol names the relay wire protocol proposals advertise.
const DefaultRelayProtocol = "irn"

type PairingState string

const (
	PairingProposed PairingState = "proposed"
	PairingActive   PairingState = "active"
	PairingSettled  PairingState = "settled"
	PairingExpired  PairingState = "expired"
	PairingDeleted  PairingState = "deleted"
)

// Pairing is the out-of-band bootstrap channel between two parties. Its
// symmetric key travels inside the URI, so a pairing only protects the
// proposal exchange and is never reused once a session settles on it.
type Pairing struct {
	Topic         Topic        `json:"topic"`
	SymKey        SymKey       `json:"symKey"`
	RelayProtocol string       `json:"relayProtocol"`
	Expiry        int64        `json:"expiry"`
	State         PairingState `json:"state"`
	Peer          Metadata     `json:"peer"`
}

// Expired reports whether the pairing is past its expiry at now (Unix
// seconds).
func (p Pairing) Expired(now int64) bool {
	return p.Expiry != 0 && now >= p.Expiry
}

// ExtendTo moves the expiry forward. The new expiry must be later than the
// current one and at most thirty days out.
func (p *Pairing) ExtendTo(expiry, now int64) error {
	const maxAhead = 30 * 24 * 60 * 60
	if expiry <= p.Expiry {
		return fmt.Errorf("%w: expiry %d does not extend %d", ErrProtocolState, expiry, p.Expiry)
	}
	if expiry > now+maxAhead {
		return fmt.Errorf("%w: expiry %d too far ahead", ErrProtocolState, expiry)
	}
	p.Expiry = expiry
	return nil
}

// URI renders the out-of-band pairing string handed to the peer:
//
//	wc:{topic}@2?expiryTimestamp={unix}&relay-protocol={proto}&symKey={hex}
func (p Pairing) URI() string {
	q := url.Values{}
	q.Set("relay-protocol", p.RelayProtocol)
	q.Set("symKey", p.SymKey.Hex())
	q.Set("expiryTimestamp", strconv.FormatInt(p.Expiry, 10))
	return fmt.Sprintf("wc:%s@%d?%s", p.Topic, ProtocolVersion, q.Encode())
}

// ParsePairingURI decodes a pairing URI produced by URI. The returned
// pairing is in the proposed state; activating it is the caller's job.
func ParsePairingURI(s string) (Pairing, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: %v", ErrBadURI, err)
	}
	if u.Scheme != "wc" {
		return Pairing{}, fmt.Errorf("%w: scheme %q", ErrBadURI, u.Scheme)
	}
	topicPart, versionPart, ok := strings.Cut(u.Opaque, "@")
	if !ok {
		return Pairing{}, fmt.Errorf("%w: missing version", ErrBadURI)
	}
	if versionPart != strconv.Itoa(ProtocolVersion) {
		return Pairing{}, fmt.Errorf("%w: unsupported version %q", ErrBadURI, versionPart)
	}
	topic, err := ParseTopic(topicPart)
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: %v", ErrBadURI, err)
	}

	q := u.Query()
	key, err := SymKeyFromHex(q.Get("symKey"))
	if err != nil {
		return Pairing{}, fmt.Errorf("%w: %v", ErrBadURI, err)
	}
	proto := q.Get("relay-protocol")
	if proto == "" {
		return Pairing{}, fmt.Errorf("%w: missing relay-protocol", ErrBadURI)
	}
	var expiry int64
	if raw := q.Get("expiryTimestamp"); raw != "" {
		expiry, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Pairing{}, fmt.Errorf("%w: expiryTimestamp %q", ErrBadURI, raw)
		}
	}

	return Pairing{
		Topic:         topic,
		SymKey:        key,
		RelayProtocol: proto,
		Expiry:        expiry,
		State:         PairingProposed,
	}, nil
}
