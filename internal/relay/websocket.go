package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"walletmesh/internal/domain"
	"walletmesh/internal/rpc"
)

// Wire methods spoken between client and relay. The first three are
// client calls; the relay pushes irn_subscription for every delivery and
// expects a result ack.
const (
	MethodSubscribe    = "irn_subscribe"
	MethodUnsubscribe  = "irn_unsubscribe"
	MethodPublish      = "irn_publish"
	MethodSubscription = "irn_subscription"
)

// SubscribeParams asks for deliveries on a topic.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// UnsubscribeParams cancels a subscription by topic and id.
type UnsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

// PublishParams carries an envelope to the relay. TTL is in seconds.
type PublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     uint32 `json:"tag"`
	Prompt  bool   `json:"prompt"`
}

// SubscriptionData is one delivered envelope.
type SubscriptionData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// SubscriptionParams is the body of a relay-initiated irn_subscription push.
type SubscriptionParams struct {
	ID   string           `json:"id"`
	Data SubscriptionData `json:"data"`
}

var (
	errConnClosed = errors.New("connection closed")
	errConnLost   = errors.New("connection lost")
)

// SocketConfig describes how to reach a relay over websocket.
type SocketConfig struct {
	// URL is the relay endpoint, ws:// or wss://.
	URL string

	// ProjectID is attached as a query parameter so multi-tenant relays
	// can attribute traffic. Optional.
	ProjectID string

	// Identity signs the connection token. Anonymous when nil.
	Identity *Identity

	// WSDialer overrides websocket.DefaultDialer when set.
	WSDialer *websocket.Dialer
}

// Dialer returns a Dialer that opens a fresh Socket per call.
func (cfg SocketConfig) Dialer() Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialSocket(ctx, cfg)
	}
}

// DialSocket connects to the relay described by cfg. Auth failures are
// reported as permanent so callers stop redialing with bad credentials.
func DialSocket(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, &domain.TransportError{Op: "dial", Permanent: true, Err: err}
	}
	q := u.Query()
	if cfg.ProjectID != "" {
		q.Set("projectId", cfg.ProjectID)
	}
	if cfg.Identity != nil {
		tok, err := cfg.Identity.Token(cfg.URL, DefaultTokenTTL)
		if err != nil {
			return nil, &domain.TransportError{Op: "dial", Permanent: true, Err: err}
		}
		q.Set("auth", tok)
	}
	u.RawQuery = q.Encode()

	d := cfg.WSDialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		permanent := resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
		return nil, &domain.TransportError{Op: "dial", Permanent: permanent, Err: err}
	}

	s := &Socket{
		conn:  conn,
		calls: make(map[rpc.ID]chan rpc.Response),
		msgs:  make(chan domain.RelayMessage, 64),
		done:  make(chan error, 1),
		quit:  make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Socket is a Transport over one websocket connection. Outbound calls
// are correlated by JSON-RPC id; irn_subscription pushes are acked and
// fanned into Messages in arrival order.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	calls  map[rpc.ID]chan rpc.Response
	closed bool

	msgs chan domain.RelayMessage
	done chan error

	quit      chan struct{}
	closeOnce sync.Once
}

// Compile-time assertion that Socket satisfies Transport.
var _ Transport = (*Socket)(nil)

// Subscribe registers for topic and returns the relay-assigned
// subscription id.
func (s *Socket) Subscribe(ctx context.Context, topic domain.Topic) (string, error) {
	var id string
	if err := s.call(ctx, MethodSubscribe, SubscribeParams{Topic: string(topic)}, &id); err != nil {
		return "", err
	}
	return id, nil
}

// Unsubscribe cancels the subscription id on topic.
func (s *Socket) Unsubscribe(ctx context.Context, topic domain.Topic, id string) error {
	return s.call(ctx, MethodUnsubscribe, UnsubscribeParams{Topic: string(topic), ID: id}, nil)
}

// Publish sends message to topic with the given retention and routing
// options.
func (s *Socket) Publish(ctx context.Context, topic domain.Topic, message string, opts domain.PublishOptions) error {
	params := PublishParams{
		Topic:   string(topic),
		Message: message,
		TTL:     int64(opts.TTL / time.Second),
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	}
	return s.call(ctx, MethodPublish, params, nil)
}

// Messages yields inbound deliveries until the connection dies.
func (s *Socket) Messages() <-chan domain.RelayMessage { return s.msgs }

// Done reports the terminal connection error, or nil after a local Close.
func (s *Socket) Done() <-chan error { return s.done }

// Close tears the connection down. In-flight calls fail with a transient
// transport error.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.quit)
		s.conn.Close()
	})
	return nil
}

// call performs one JSON-RPC round trip. A relay-reported error is
// permanent; write and connection failures are transient and worth a
// retry on a fresh connection.
func (s *Socket) call(ctx context.Context, method string, params, result any) error {
	req, err := rpc.NewRequest(rpc.Method(method), params)
	if err != nil {
		return &domain.TransportError{Op: method, Permanent: true, Err: err}
	}

	ch := make(chan rpc.Response, 1)
	s.mu.Lock()
	if s.closed || s.calls == nil {
		s.mu.Unlock()
		return &domain.TransportError{Op: method, Err: errConnClosed}
	}
	s.calls[req.ID] = ch
	s.mu.Unlock()

	if err := s.writeJSON(req); err != nil {
		s.forget(req.ID)
		return &domain.TransportError{Op: method, Err: err}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return &domain.TransportError{Op: method, Err: errConnLost}
		}
		if resp.Error != nil {
			return &domain.TransportError{
				Op:        method,
				Permanent: true,
				Err:       fmt.Errorf("relay error %d: %s", resp.Error.Code, resp.Error.Message),
			}
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return &domain.TransportError{Op: method, Permanent: true, Err: err}
			}
		}
		return nil
	case <-ctx.Done():
		s.forget(req.ID)
		return &domain.TransportError{Op: method, Err: ctx.Err()}
	}
}

func (s *Socket) forget(id rpc.ID) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

func (s *Socket) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// readLoop demultiplexes the connection: responses resolve pending calls,
// irn_subscription pushes are acked and delivered in order. It owns the
// msgs channel and closes it on exit.
func (s *Socket) readLoop() {
	defer close(s.msgs)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		msg, err := rpc.Parse(data)
		if err != nil {
			continue
		}
		if msg.IsRequest() {
			s.handlePush(msg)
			continue
		}

		s.mu.Lock()
		ch, ok := s.calls[msg.ID]
		if ok {
			delete(s.calls, msg.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- rpc.Response{ID: msg.ID, JSONRPC: msg.JSONRPC, Result: msg.Result, Error: msg.Error}
		}
	}
}

func (s *Socket) handlePush(msg rpc.Message) {
	if msg.Method != MethodSubscription {
		return
	}
	var p SubscriptionParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	select {
	case s.msgs <- domain.RelayMessage{Topic: domain.Topic(p.Data.Topic), Message: p.Data.Message}:
		if ack, err := rpc.NewResult(msg.ID, true); err == nil {
			_ = s.writeJSON(ack)
		}
	case <-s.quit:
	}
}

// fail resolves the connection's fate exactly once: pending calls are
// woken, and done carries the read error, or nil when Close started it.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.closed {
		err = nil
	}
	s.closed = true
	calls := s.calls
	s.calls = nil
	s.mu.Unlock()

	for _, ch := range calls {
		close(ch)
	}
	s.done <- err
}
