package domain

import "fmt"

type SessionState string

const (
	SessionProposed SessionState = "proposed"
	SessionSettled  SessionState = "settled"
	SessionActive   SessionState = "active"
	SessionExpired  SessionState = "expired"
	SessionDeleted  SessionState = "deleted"
)

// Session lifetime bounds, in seconds.
const (
	SessionDefaultTTL = 24 * 60 * 60
	SessionMaxAhead   = 7 * 24 * 60 * 60
)

// Session is a settled messaging channel. Its symmetric key lives in the
// key store under Topic; the record carries everything else needed to
// resume after a restart.
type Session struct {
	Topic         Topic        `json:"topic"`
	PairingTopic  Topic        `json:"pairingTopic"`
	RelayProtocol string       `json:"relayProtocol"`
	Controller    string       `json:"controller"` // hex public key of the settling side
	IsController  bool         `json:"isController"`
	Namespaces    Namespaces   `json:"namespaces"`
	Expiry        int64        `json:"expiry"`
	State         SessionState `json:"state"`
	Peer          Metadata     `json:"peer"`
}

// Usable reports whether the session can carry traffic at now: it has been
// settled or acknowledged and is not expired.
func (s Session) Usable(now int64) bool {
	return (s.State == SessionSettled || s.State == SessionActive) && !s.Expired(now)
}

// Expired reports whether the session is past its expiry at now (Unix
// seconds).
func (s Session) Expired(now int64) bool {
	return s.Expiry != 0 && now >= s.Expiry
}

// ExtendTo moves the expiry forward. The new expiry must be later than the
// current one and at most SessionMaxAhead seconds past now.
func (s *Session) ExtendTo(expiry, now int64) error {
	if expiry <= s.Expiry {
		return fmt.Errorf("%w: expiry %d does not extend %d", ErrProtocolState, expiry, s.Expiry)
	}
	if expiry > now+SessionMaxAhead {
		return fmt.Errorf("%w: expiry %d exceeds maximum lifetime", ErrProtocolState, expiry)
	}
	s.Expiry = expiry
	return nil
}
