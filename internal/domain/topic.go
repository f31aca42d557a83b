package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Topic addresses one pub/sub channel on the relay. It is 32 bytes of
// lowercase hex: random for pairings, SHA-256 of the derived symmetric key
// for sessions.
type Topic string

func (t Topic) String() string { return string(t) }

// NewTopic returns a fresh random pairing topic.
func NewTopic() (Topic, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return Topic(hex.EncodeToString(b[:])), nil
}

// TopicForKey derives the session topic from a symmetric key. Both peers
// compute the same topic without exchanging it.
func TopicForKey(k SymKey) Topic {
	sum := sha256.Sum256(k[:])
	return Topic(hex.EncodeToString(sum[:]))
}

// ParseTopic validates the hex form of a topic received from outside.
func ParseTopic(s string) (Topic, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("topic: %w", err)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("topic: want 32 bytes, got %d", len(b))
	}
	return Topic(s), nil
}
