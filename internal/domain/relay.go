package domain

import (
	"context"
	"time"
)

// RelayMessage is one inbound delivery for a subscribed topic. Message is
// the base64 envelope exactly as published by the peer.
type RelayMessage struct {
	Topic   Topic
	Message string
}

// PublishOptions carry the relay storage hints attached to a publish: how
// long the relay may queue the message for offline peers, the protocol tag
// identifying the payload kind, and whether the peer should be prompted.
type PublishOptions struct {
	TTL    time.Duration
	Tag    uint32
	Prompt bool
}

// Relay is how the session layer talks to the relay network. Implementations
// own reconnection and redelivery; callers may assume Subscribe survives
// connection drops until the matching Unsubscribe.
type Relay interface {
	Subscribe(ctx context.Context, topic Topic) error
	Unsubscribe(ctx context.Context, topic Topic) error
	Publish(ctx context.Context, topic Topic, message string, opts PublishOptions) error
	Messages() <-chan RelayMessage
}
