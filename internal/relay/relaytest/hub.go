package relaytest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"walletmesh/internal/domain"
	"walletmesh/internal/relay"
)

// retainedMessage is a published envelope the relay holds for late
// subscribers until it expires.
type retainedMessage struct {
	message string
	expires time.Time
}

func pruneRetained(msgs []retainedMessage, now time.Time) []retainedMessage {
	kept := msgs[:0]
	for _, m := range msgs {
		if m.expires.After(now) {
			kept = append(kept, m)
		}
	}
	return kept
}

// Hub is an in-process relay. Transports dialed from it exchange messages
// through shared memory with the semantics of the real service: fan-out to
// every other subscriber, and retained messages replayed on subscribe so a
// peer that was offline still receives what it missed.
type Hub struct {
	mu       sync.Mutex
	live     map[*LocalTransport]struct{}
	subs     map[domain.Topic]map[*LocalTransport]string
	retained map[domain.Topic][]retainedMessage
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		live:     make(map[*LocalTransport]struct{}),
		subs:     make(map[domain.Topic]map[*LocalTransport]string),
		retained: make(map[domain.Topic][]retainedMessage),
	}
}

// Dialer returns a relay.Dialer that attaches a fresh transport per call,
// the way every real dial is a fresh connection.
func (h *Hub) Dialer() relay.Dialer {
	return func(ctx context.Context) (relay.Transport, error) {
		return h.Connect(), nil
	}
}

// Connect attaches a new transport to the hub.
func (h *Hub) Connect() *LocalTransport {
	t := &LocalTransport{
		hub:  h,
		msgs: make(chan domain.RelayMessage, 256),
		done: make(chan error, 1),
	}
	h.mu.Lock()
	h.live[t] = struct{}{}
	h.mu.Unlock()
	return t
}

// DropConnections severs every live connection with err, as if the
// network failed under the clients.
func (h *Hub) DropConnections(err error) {
	h.mu.Lock()
	ts := make([]*LocalTransport, 0, len(h.live))
	for t := range h.live {
		ts = append(ts, t)
	}
	h.mu.Unlock()

	for _, t := range ts {
		t.Fail(err)
	}
}

// RetainedCount reports how many unexpired messages the hub holds for
// topic.
func (h *Hub) RetainedCount(topic domain.Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retained[topic] = pruneRetained(h.retained[topic], time.Now())
	return len(h.retained[topic])
}

func (h *Hub) subscribe(t *LocalTransport, topic domain.Topic) (string, []string) {
	h.mu.Lock()
	set := h.subs[topic]
	if set == nil {
		set = make(map[*LocalTransport]string)
		h.subs[topic] = set
	}
	id, ok := set[t]
	if !ok {
		id = uuid.NewString()
		set[t] = id
	}
	h.retained[topic] = pruneRetained(h.retained[topic], time.Now())
	replay := make([]string, 0, len(h.retained[topic]))
	for _, m := range h.retained[topic] {
		replay = append(replay, m.message)
	}
	h.mu.Unlock()
	return id, replay
}

func (h *Hub) unsubscribe(t *LocalTransport, topic domain.Topic) {
	h.mu.Lock()
	if set := h.subs[topic]; set != nil {
		delete(set, t)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) publish(from *LocalTransport, topic domain.Topic, message string, opts domain.PublishOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	h.mu.Lock()
	h.retained[topic] = append(
		pruneRetained(h.retained[topic], time.Now()),
		retainedMessage{message: message, expires: time.Now().Add(ttl)},
	)
	targets := make([]*LocalTransport, 0, len(h.subs[topic]))
	for t := range h.subs[topic] {
		if t != from {
			targets = append(targets, t)
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.deliver(domain.RelayMessage{Topic: topic, Message: message})
	}
}

func (h *Hub) detach(t *LocalTransport) {
	h.mu.Lock()
	delete(h.live, t)
	for topic, set := range h.subs {
		delete(set, t)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
	h.mu.Unlock()
}

// LocalTransport is one attachment to a Hub. It satisfies relay.Transport
// so the production Client can be tested without a network.
type LocalTransport struct {
	hub *Hub

	mu     sync.Mutex
	closed bool

	msgs chan domain.RelayMessage
	done chan error
}

// Compile-time assertion that LocalTransport satisfies relay.Transport.
var _ relay.Transport = (*LocalTransport)(nil)

// Subscribe registers for topic and replays any retained messages.
func (t *LocalTransport) Subscribe(ctx context.Context, topic domain.Topic) (string, error) {
	if err := t.alive("subscribe"); err != nil {
		return "", err
	}
	id, replay := t.hub.subscribe(t, topic)
	for _, m := range replay {
		t.deliver(domain.RelayMessage{Topic: topic, Message: m})
	}
	return id, nil
}

// Unsubscribe stops delivery for topic.
func (t *LocalTransport) Unsubscribe(ctx context.Context, topic domain.Topic, id string) error {
	if err := t.alive("unsubscribe"); err != nil {
		return err
	}
	t.hub.unsubscribe(t, topic)
	return nil
}

// Publish retains message for opts.TTL and fans it out to every other
// subscriber.
func (t *LocalTransport) Publish(ctx context.Context, topic domain.Topic, message string, opts domain.PublishOptions) error {
	if err := t.alive("publish"); err != nil {
		return err
	}
	t.hub.publish(t, topic, message, opts)
	return nil
}

// Messages yields deliveries until the transport closes or fails.
func (t *LocalTransport) Messages() <-chan domain.RelayMessage { return t.msgs }

// Done reports how the transport ended.
func (t *LocalTransport) Done() <-chan error { return t.done }

// Close detaches cleanly.
func (t *LocalTransport) Close() error {
	t.shutdown(nil)
	return nil
}

// Fail simulates the connection dropping with err. The supervising client
// should observe it on Done and redial.
func (t *LocalTransport) Fail(err error) {
	t.shutdown(err)
}

func (t *LocalTransport) shutdown(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.msgs)
	t.mu.Unlock()

	t.hub.detach(t)
	t.done <- err
}

func (t *LocalTransport) alive(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &domain.TransportError{Op: op, Err: errors.New("transport closed")}
	}
	return nil
}

func (t *LocalTransport) deliver(m domain.RelayMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.msgs <- m:
	default:
	}
}
