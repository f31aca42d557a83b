package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/domain"
)

// ClientConfig configures the reconnecting relay client.
type ClientConfig struct {
	// Dial establishes transports. Required.
	Dial Dialer

	// Backoff paces reconnects and retries. Zero value means DefaultBackoff.
	Backoff BackoffConfig

	// MaxAttempts bounds retries of a single Subscribe or Publish call.
	// Zero means 5. Reconnecting itself never gives up.
	MaxAttempts int

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
}

// Client keeps one live Transport, redials with backoff when it fails,
// restores every subscription on the fresh connection, and funnels all
// inbound deliveries into a single ordered channel.
//
// Publish retries across reconnects, so a retry after an ambiguous
// failure can deliver twice. Receivers dedup by message id.
type Client struct {
	dial        Dialer
	backoff     BackoffConfig
	maxAttempts int
	log         *zap.Logger

	mu        sync.Mutex
	transport Transport               // nil while disconnected
	subs      map[domain.Topic]string // desired topic -> live subscription id, "" while down
	ready     chan struct{}           // closed whenever transport != nil
	closed    bool

	msgs   chan domain.RelayMessage
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Compile-time assertion that Client satisfies domain.Relay.
var _ domain.Relay = (*Client)(nil)

// NewClient builds a client around dial. Call Start before anything else.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		dial:        cfg.Dial,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		log:         cfg.Logger.Named("relay"),
		subs:        make(map[domain.Topic]string),
		ready:       make(chan struct{}),
		msgs:        make(chan domain.RelayMessage, 64),
		stop:        make(chan struct{}),
	}
}

// Start dials the relay, blocking until the first connection is up or ctx
// expires, then keeps the connection alive in the background.
func (c *Client) Start(ctx context.Context) error {
	t, err := c.establish(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx, t)
	return nil
}

// Close tears down the connection and stops reconnecting. Messages()
// closes once everything has drained.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	close(c.msgs)
	return nil
}

// Subscribe registers interest in topic. The subscription is restored on
// every reconnect until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, topic domain.Topic) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &domain.TransportError{Op: "subscribe", Permanent: true, Err: errConnClosed}
	}
	if id, ok := c.subs[topic]; ok && id != "" {
		c.mu.Unlock()
		return nil
	}
	c.subs[topic] = ""
	c.mu.Unlock()

	err := c.withRetry(ctx, "subscribe", func(t Transport) error {
		id, err := t.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if _, still := c.subs[topic]; still {
			c.subs[topic] = id
		}
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.mu.Lock()
		if id, ok := c.subs[topic]; ok && id == "" {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
	}
	return err
}

// Unsubscribe stops delivery for topic. The local subscription is
// forgotten unconditionally so a relay hiccup can never block cleanup;
// the relay-side cancel is best effort.
func (c *Client) Unsubscribe(ctx context.Context, topic domain.Topic) error {
	c.mu.Lock()
	id, ok := c.subs[topic]
	delete(c.subs, topic)
	t := c.transport
	c.mu.Unlock()

	if !ok || id == "" || t == nil {
		return nil
	}
	if err := t.Unsubscribe(ctx, topic, id); err != nil {
		c.log.Debug("unsubscribe failed",
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
	return nil
}

// Publish sends message to topic, waiting out reconnects and retrying
// transient failures up to MaxAttempts.
func (c *Client) Publish(ctx context.Context, topic domain.Topic, message string, opts domain.PublishOptions) error {
	return c.withRetry(ctx, "publish", func(t Transport) error {
		return t.Publish(ctx, topic, message, opts)
	})
}

// Messages yields inbound deliveries across all connections, in arrival
// order. The channel closes after Close.
func (c *Client) Messages() <-chan domain.RelayMessage { return c.msgs }

// withRetry runs fn against a live transport, waiting for a connection
// when down and retrying transient failures with backoff.
func (c *Client) withRetry(ctx context.Context, op string, fn func(Transport) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.backoff.Delay(attempt - 1)):
			case <-ctx.Done():
				return &domain.TransportError{Op: op, Err: ctx.Err()}
			case <-c.stop:
				return &domain.TransportError{Op: op, Err: errConnClosed}
			}
		}
		t, err := c.await(ctx, op)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			if domain.IsPermanentTransport(err) {
				return err
			}
			lastErr = err
			c.log.Debug("relay call failed",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		return nil
	}
	return lastErr
}

// await blocks until a transport is live, ctx expires, or the client
// closes.
func (c *Client) await(ctx context.Context, op string) (Transport, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, &domain.TransportError{Op: op, Err: errConnClosed}
		}
		if c.transport != nil {
			t := c.transport
			c.mu.Unlock()
			return t, nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, &domain.TransportError{Op: op, Err: ctx.Err()}
		case <-c.stop:
			return nil, &domain.TransportError{Op: op, Err: errConnClosed}
		}
	}
}

// establish dials until a connection comes up with every desired topic
// resubscribed, then installs it. Only a permanent dial error (such as
// rejected credentials) stops the loop.
func (c *Client) establish(ctx context.Context) (Transport, error) {
	for attempt := 1; ; attempt++ {
		t, err := c.dial(ctx)
		if err == nil {
			if rerr := c.resubscribe(ctx, t); rerr != nil {
				t.Close()
				err = rerr
			} else {
				c.install(t)
				if attempt > 1 {
					c.log.Info("relay connected", zap.Int("attempt", attempt))
				}
				return t, nil
			}
		}
		if domain.IsPermanentTransport(err) {
			return nil, err
		}

		delay := c.backoff.Delay(attempt)
		c.log.Warn("relay dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.stop:
			return nil, errConnClosed
		}
	}
}

// resubscribe restores every desired subscription on t. A topic the
// relay rejects outright is logged and skipped; a transient failure
// aborts so the caller can redial.
func (c *Client) resubscribe(ctx context.Context, t Transport) error {
	c.mu.Lock()
	topics := make([]domain.Topic, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		id, err := t.Subscribe(ctx, topic)
		if err != nil {
			if domain.IsPermanentTransport(err) {
				c.log.Error("resubscribe rejected",
					zap.String("topic", string(topic)),
					zap.Error(err))
				continue
			}
			return err
		}
		c.mu.Lock()
		if _, still := c.subs[topic]; still {
			c.subs[topic] = id
		}
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) install(t Transport) {
	c.mu.Lock()
	c.transport = t
	ready := c.ready
	c.mu.Unlock()
	close(ready)

	c.wg.Add(1)
	go c.pump(t)
}

func (c *Client) uninstall() {
	c.mu.Lock()
	c.transport = nil
	c.ready = make(chan struct{})
	for topic := range c.subs {
		c.subs[topic] = ""
	}
	c.mu.Unlock()
}

// pump forwards one transport's deliveries into the client channel. It
// exits when the transport dies or the client stops.
func (c *Client) pump(t Transport) {
	defer c.wg.Done()
	for m := range t.Messages() {
		select {
		case c.msgs <- m:
		case <-c.stop:
			return
		}
	}
}

// run supervises the connection for the client's lifetime.
func (c *Client) run(ctx context.Context, t Transport) {
	defer c.wg.Done()
	defer func() {
		if t != nil {
			t.Close()
		}
	}()

	for {
		select {
		case err := <-t.Done():
			if err != nil {
				c.log.Warn("relay connection lost", zap.Error(err))
			}
			t.Close()
			t = nil
		case <-c.stop:
			return
		}

		c.uninstall()

		next, err := c.establish(ctx)
		if err != nil {
			c.log.Error("relay reconnect stopped", zap.Error(err))
			return
		}
		t = next
	}
}
