package relay

import (
	"context"

	"walletmesh/internal/domain"
)

// Transport is a single live connection to a relay. It carries no
// reconnect logic of its own; Client owns the connection lifecycle and
// replaces transports as they fail.
type Transport interface {
	// Subscribe asks the relay to deliver messages for topic and returns
	// the relay-assigned subscription id.
	Subscribe(ctx context.Context, topic domain.Topic) (string, error)

	// Unsubscribe cancels a prior subscription by topic and id.
	Unsubscribe(ctx context.Context, topic domain.Topic, id string) error

	// Publish sends an envelope to everyone subscribed to topic. The relay
	// retains it for opts.TTL so offline peers receive it on subscribe.
	Publish(ctx context.Context, topic domain.Topic, message string, opts domain.PublishOptions) error

	// Messages yields inbound subscription deliveries. The channel closes
	// when the connection dies.
	Messages() <-chan domain.RelayMessage

	// Done reports the terminal connection error, or nil after Close.
	Done() <-chan error

	// Close tears the connection down.
	Close() error
}

// Dialer establishes a fresh Transport. Client calls it on start and
// after every connection loss.
type Dialer func(ctx context.Context) (Transport, error)
