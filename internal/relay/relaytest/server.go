package relaytest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"walletmesh/internal/relay"
	"walletmesh/internal/rpc"
)

// ServerConfig configures a loopback relay server.
type ServerConfig struct {
	// Audience, when set, requires every connection to present a token
	// addressed to it, verified against the issuer's own key.
	Audience string

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
}

// Server is a complete relay behind an http.Handler, speaking the same
// websocket wire protocol as the production service. It exists for
// integration tests (wrap it in httptest.NewServer) and backs the relayd
// command for local development.
type Server struct {
	log      *zap.Logger
	audience string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	subs     map[string]map[*serverConn]string
	retained map[string][]retainedMessage
}

// Compile-time assertion that Server is an http.Handler.
var _ http.Handler = (*Server)(nil)

// NewServer builds an empty relay.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:      log.Named("relayd"),
		audience: cfg.Audience,
		subs:     make(map[string]map[*serverConn]string),
		retained: make(map[string][]retainedMessage),
	}
}

// ServeHTTP upgrades the request to a websocket and serves relay calls on
// it until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.audience != "" {
		issuer, err := relay.VerifyToken(r.URL.Query().Get("auth"), s.audience)
		if err != nil {
			s.log.Warn("rejected connection", zap.Error(err))
			http.Error(w, "invalid relay token", http.StatusUnauthorized)
			return
		}
		s.log.Debug("authenticated connection", zap.String("issuer", issuer))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &serverConn{conn: conn}
	s.serve(c)
}

// serverConn is one websocket client. Writes are serialized because both
// call replies and subscription pushes target the same connection.
type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) serve(c *serverConn) {
	defer s.detach(c)
	defer c.conn.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := rpc.Parse(data)
		if err != nil || !msg.IsRequest() {
			// Push acks land here; nothing to do with them.
			continue
		}
		s.handle(c, msg)
	}
}

func (s *Server) handle(c *serverConn, msg rpc.Message) {
	switch string(msg.Method) {
	case relay.MethodSubscribe:
		var p relay.SubscribeParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Topic == "" {
			s.replyError(c, msg.ID, rpc.CodeInvalidParams, "invalid subscribe params")
			return
		}
		id, replay := s.subscribe(c, p.Topic)
		s.reply(c, msg.ID, id)
		for _, m := range replay {
			s.push(c, id, p.Topic, m)
		}

	case relay.MethodUnsubscribe:
		var p relay.UnsubscribeParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Topic == "" {
			s.replyError(c, msg.ID, rpc.CodeInvalidParams, "invalid unsubscribe params")
			return
		}
		s.unsubscribe(c, p.Topic)
		s.reply(c, msg.ID, true)

	case relay.MethodPublish:
		var p relay.PublishParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Topic == "" {
			s.replyError(c, msg.ID, rpc.CodeInvalidParams, "invalid publish params")
			return
		}
		s.publish(c, p)
		s.reply(c, msg.ID, true)

	default:
		s.replyError(c, msg.ID, rpc.CodeMethodNotFound, "method not found")
	}
}

func (s *Server) reply(c *serverConn, id rpc.ID, result any) {
	resp, err := rpc.NewResult(id, result)
	if err != nil {
		return
	}
	if err := c.writeJSON(resp); err != nil {
		s.log.Debug("reply failed", zap.Error(err))
	}
}

func (s *Server) replyError(c *serverConn, id rpc.ID, code int64, message string) {
	resp := rpc.NewError(id, rpc.ErrorBody{Code: code, Message: message})
	if err := c.writeJSON(resp); err != nil {
		s.log.Debug("reply failed", zap.Error(err))
	}
}

// subscribe is idempotent per connection and topic, returning the same id
// for a repeated call. Retained messages are replayed to the subscriber.
func (s *Server) subscribe(c *serverConn, topic string) (string, []string) {
	s.mu.Lock()
	set := s.subs[topic]
	if set == nil {
		set = make(map[*serverConn]string)
		s.subs[topic] = set
	}
	id, ok := set[c]
	if !ok {
		id = uuid.NewString()
		set[c] = id
	}
	s.retained[topic] = pruneRetained(s.retained[topic], time.Now())
	replay := make([]string, 0, len(s.retained[topic]))
	for _, m := range s.retained[topic] {
		replay = append(replay, m.message)
	}
	s.mu.Unlock()

	s.log.Debug("subscribe", zap.String("topic", topic), zap.Int("replayed", len(replay)))
	return id, replay
}

func (s *Server) unsubscribe(c *serverConn, topic string) {
	s.mu.Lock()
	if set := s.subs[topic]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, topic)
		}
	}
	s.mu.Unlock()
}

func (s *Server) publish(from *serverConn, p relay.PublishParams) {
	ttl := time.Duration(p.TTL) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	type target struct {
		c  *serverConn
		id string
	}
	s.mu.Lock()
	s.retained[p.Topic] = append(
		pruneRetained(s.retained[p.Topic], time.Now()),
		retainedMessage{message: p.Message, expires: time.Now().Add(ttl)},
	)
	targets := make([]target, 0, len(s.subs[p.Topic]))
	for c, id := range s.subs[p.Topic] {
		if c != from {
			targets = append(targets, target{c: c, id: id})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		s.push(t.c, t.id, p.Topic, p.Message)
	}
	s.log.Debug("publish",
		zap.String("topic", p.Topic),
		zap.Uint32("tag", p.Tag),
		zap.Int("subscribers", len(targets)))
}

func (s *Server) push(c *serverConn, subID, topic, message string) {
	req, err := rpc.NewRequest(rpc.Method(relay.MethodSubscription), relay.SubscriptionParams{
		ID:   subID,
		Data: relay.SubscriptionData{Topic: topic, Message: message},
	})
	if err != nil {
		return
	}
	if err := c.writeJSON(req); err != nil {
		s.log.Debug("push failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Server) detach(c *serverConn) {
	s.mu.Lock()
	for topic, set := range s.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, topic)
		}
	}
	s.mu.Unlock()
}
