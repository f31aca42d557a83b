package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"walletmesh/internal/crypto"
	"walletmesh/internal/domain"
	"walletmesh/internal/rpc"
)

const (
	// newPairingTTL is how long a freshly minted pairing URI stays
	// redeemable.
	newPairingTTL = 5 * time.Minute

	// settledPairingTTL is how long a pairing lives once a session has
	// settled through it.
	settledPairingTTL = 30 * 24 * time.Hour

	// sweepInterval paces the expiry sweeper.
	sweepInterval = 30 * time.Second

	// seenRequests bounds the duplicate-request window.
	seenRequests = 1024
)

// PeerError is an error response sent by the peer.
type PeerError struct {
	Code    int64
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Message)
}

// Proposal is an inbound session proposal awaiting a decision.
type Proposal struct {
	PairingTopic domain.Topic
	Proposer     domain.Metadata
	Required     domain.Namespaces
	Optional     domain.Namespaces
}

// Approver decides a proposal, returning the namespaces it grants. An
// error rejects the proposal; wrap domain.ErrNamespaceUnsupported to tell
// the peer its required chains were the problem.
type Approver func(ctx context.Context, p Proposal) (domain.Namespaces, error)

// InboundRequest is a peer request addressed to this side of a session.
type InboundRequest struct {
	Topic   domain.Topic
	ChainID string
	Method  string
	Params  json.RawMessage
}

// RequestHandler serves an inbound request. The returned value becomes the
// result; return a *PeerError to control the error code on failure.
type RequestHandler func(ctx context.Context, req InboundRequest) (any, error)

// EventHandler observes events emitted by the peer.
type EventHandler func(topic domain.Topic, name, chainID string, data json.RawMessage)

// Config carries the manager's dependencies.
type Config struct {
	Keys     domain.KeyStore
	Records  domain.RecordStore
	Relay    domain.Relay
	Metadata domain.Metadata

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger
}

// Manager drives the pairing and session protocol over one relay
// connection: it owns the topic keys, dispatches inbound envelopes,
// correlates responses, and walks records through their lifecycle.
//
// Inbound protocol state changes are applied from a single dispatch
// goroutine in arrival order. Only handler callbacks (proposal approval,
// request serving) run concurrently, since they can wait on a user.
type Manager struct {
	keys    domain.KeyStore
	records domain.RecordStore
	relay   domain.Relay
	meta    domain.Metadata
	clk     clock.Clock
	log     *zap.Logger

	pending pendingTable
	seen    *lru.Cache[string, struct{}]

	// opMu serializes record read-modify-write sequences so that a delete
	// observed between load and save cannot be resurrected.
	opMu sync.Mutex

	settleMu sync.Mutex
	settles  map[domain.Topic]*settleWait

	handlerMu  sync.RWMutex
	onProposal Approver
	onRequest  RequestHandler
	onEvent    EventHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type settleWait struct {
	pairingTopic domain.Topic
	required     domain.Namespaces
	ch           chan settleOutcome
}

type settleOutcome struct {
	session domain.Session
	err     error
}

// NewManager wires a manager from its dependencies.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Keys == nil || cfg.Records == nil || cfg.Relay == nil {
		return nil, errors.New("session: Keys, Records and Relay are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seen, err := lru.New[string, struct{}](seenRequests)
	if err != nil {
		return nil, fmt.Errorf("session: dedup cache: %w", err)
	}
	return &Manager{
		keys:    cfg.Keys,
		records: cfg.Records,
		relay:   cfg.Relay,
		meta:    cfg.Metadata,
		clk:     cfg.Clock,
		log:     cfg.Logger.Named("session"),
		seen:    seen,
		settles: make(map[domain.Topic]*settleWait),
	}, nil
}

// OnProposal installs the proposal approver. Without one, every inbound
// proposal is rejected.
func (m *Manager) OnProposal(fn Approver) {
	m.handlerMu.Lock()
	m.onProposal = fn
	m.handlerMu.Unlock()
}

// OnRequest installs the session request handler. Without one, every
// inbound request is rejected.
func (m *Manager) OnRequest(fn RequestHandler) {
	m.handlerMu.Lock()
	m.onRequest = fn
	m.handlerMu.Unlock()
}

// OnEvent installs the event observer.
func (m *Manager) OnEvent(fn EventHandler) {
	m.handlerMu.Lock()
	m.onEvent = fn
	m.handlerMu.Unlock()
}

// Start restores persisted state and begins serving inbound messages.
//
// Steps:
//  1. Walk persisted pairings and sessions; expired ones lose their keys,
//     live ones get their topics resubscribed.
//  2. Launch the dispatch loop that decrypts and routes relay messages.
//  3. Launch the expiry sweeper.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.spawn(func() { m.readLoop(runCtx) })
	m.spawn(func() { m.sweep(runCtx) })
	return nil
}

// Close stops the loops and fails every in-flight request with
// domain.ErrCancelled.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pending.cancelAll(domain.ErrCancelled)
	m.cancelSettleWaits(domain.ErrCancelled)
	return nil
}

// Pairings lists the persisted pairings, tombstones included.
func (m *Manager) Pairings(ctx context.Context) ([]domain.Pairing, error) {
	return m.records.Pairings(ctx)
}

// Sessions lists the persisted sessions, tombstones included.
func (m *Manager) Sessions(ctx context.Context) ([]domain.Session, error) {
	return m.records.Sessions(ctx)
}

// Pairing looks up one pairing record by topic.
func (m *Manager) Pairing(ctx context.Context, topic domain.Topic) (domain.Pairing, bool, error) {
	return m.records.LoadPairing(ctx, topic)
}

// Session looks up one session record by topic.
func (m *Manager) Session(ctx context.Context, topic domain.Topic) (domain.Session, bool, error) {
	return m.records.LoadSession(ctx, topic)
}

// InFlight reports how many outbound requests await a response.
func (m *Manager) InFlight() int {
	return m.pending.size()
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// restore reloads records after a restart. Keys for live topics are
// already in the key store; restore only re-establishes subscriptions and
// retires anything that expired while offline.
func (m *Manager) restore(ctx context.Context) error {
	now := m.clk.Now().Unix()

	pairings, err := m.records.Pairings(ctx)
	if err != nil {
		return fmt.Errorf("restore pairings: %w", err)
	}
	for _, p := range pairings {
		if p.State == domain.PairingDeleted || p.State == domain.PairingExpired {
			continue
		}
		if p.Expired(now) {
			if err := m.retirePairing(ctx, p); err != nil {
				return err
			}
			continue
		}
		if err := m.relay.Subscribe(ctx, p.Topic); err != nil {
			return fmt.Errorf("resubscribe pairing %s: %w", p.Topic, err)
		}
	}

	sessions, err := m.records.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	for _, s := range sessions {
		if s.State == domain.SessionDeleted || s.State == domain.SessionExpired {
			continue
		}
		if s.Expired(now) {
			if err := m.retireSession(ctx, s); err != nil {
				return err
			}
			continue
		}
		if err := m.relay.Subscribe(ctx, s.Topic); err != nil {
			return fmt.Errorf("resubscribe session %s: %w", s.Topic, err)
		}
	}
	return nil
}

// readLoop drains the relay and routes every message.
func (m *Manager) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-m.relay.Messages():
			if !ok {
				return
			}
			m.dispatch(ctx, rm)
		}
	}
}

// dispatch decrypts one relay message and routes it: responses resolve
// their waiting call, requests are deduplicated and handled. Unknown
// topics and garbage envelopes are dropped where they stand.
func (m *Manager) dispatch(ctx context.Context, rm domain.RelayMessage) {
	key, ok, err := m.keys.Key(ctx, rm.Topic)
	if err != nil {
		m.log.Error("key lookup failed", zap.String("topic", string(rm.Topic)), zap.Error(err))
		return
	}
	if !ok {
		m.log.Debug("message on unknown topic", zap.String("topic", string(rm.Topic)))
		return
	}

	plain, _, err := crypto.Open(key, rm.Message)
	if err != nil {
		m.log.Warn("discarded undecryptable envelope",
			zap.String("topic", string(rm.Topic)),
			zap.Error(err))
		return
	}

	msg, err := rpc.Parse(plain)
	if err != nil {
		m.log.Warn("discarded malformed payload",
			zap.String("topic", string(rm.Topic)),
			zap.Error(err))
		return
	}

	if !msg.IsRequest() {
		if !m.pending.resolve(rm.Topic, msg.ID, outcome{result: msg.Result, rpcErr: msg.Error}) {
			m.log.Debug("discarded unmatched response",
				zap.String("topic", string(rm.Topic)),
				zap.Uint64("id", uint64(msg.ID)))
		}
		return
	}

	if !m.markSeen(rm.Topic, msg.ID) {
		m.log.Debug("discarded duplicate request",
			zap.String("topic", string(rm.Topic)),
			zap.Uint64("id", uint64(msg.ID)),
			zap.String("method", string(msg.Method)))
		return
	}
	m.handleRequest(ctx, rm.Topic, msg)
}

// markSeen records (topic, id) and reports whether it was new.
func (m *Manager) markSeen(topic domain.Topic, id rpc.ID) bool {
	k := pendingKey(topic, id)
	if m.seen.Contains(k) {
		return false
	}
	m.seen.Add(k, struct{}{})
	return true
}

// handleRequest routes one peer request. Handlers that can block on a
// user decision run in their own goroutine; plain state transitions run
// inline to keep their relative order.
func (m *Manager) handleRequest(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	switch msg.Method {
	case rpc.MethodSessionPropose:
		m.spawn(func() { m.handleSessionPropose(ctx, topic, msg) })
	case rpc.MethodSessionSettle:
		m.handleSessionSettle(ctx, topic, msg)
	case rpc.MethodSessionRequest:
		m.spawn(func() { m.handleSessionRequest(ctx, topic, msg) })
	case rpc.MethodSessionEvent:
		m.handleSessionEvent(ctx, topic, msg)
	case rpc.MethodSessionUpdate:
		m.handleSessionUpdate(ctx, topic, msg)
	case rpc.MethodSessionExtend:
		m.handleSessionExtend(ctx, topic, msg)
	case rpc.MethodSessionDelete:
		m.handleSessionDelete(ctx, topic, msg)
	case rpc.MethodSessionPing, rpc.MethodPairingPing:
		m.handlePing(ctx, topic, msg)
	case rpc.MethodPairingExtend:
		m.handlePairingExtend(ctx, topic, msg)
	case rpc.MethodPairingDelete:
		m.handlePairingDelete(ctx, topic, msg)
	default:
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeMethodNotFound,
			Message: fmt.Sprintf("unsupported method %s", msg.Method),
		})
	}
}

// call publishes a request on topic and waits for the peer's response,
// bounded by the method's TTL and ctx.
func (m *Manager) call(ctx context.Context, topic domain.Topic, method rpc.Method, params any) (json.RawMessage, error) {
	req, meta, env, err := m.encodeRequest(ctx, topic, method, params)
	if err != nil {
		return nil, err
	}

	// Register before publishing so a fast response cannot race the waiter.
	ch := m.pending.register(topic, req.ID)
	if err := m.relay.Publish(ctx, topic, env, meta.RequestPublish()); err != nil {
		m.pending.forget(topic, req.ID)
		return nil, err
	}

	timer := m.clk.Timer(meta.TTL)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.rpcErr != nil {
			return nil, &PeerError{Code: out.rpcErr.Code, Message: out.rpcErr.Message}
		}
		return out.result, nil
	case <-timer.C:
		m.pending.forget(topic, req.ID)
		return nil, fmt.Errorf("%s: %w", method, domain.ErrTimeout)
	case <-ctx.Done():
		m.pending.forget(topic, req.ID)
		return nil, fmt.Errorf("%s: %w", method, domain.ErrCancelled)
	}
}

// notify publishes a request without waiting for a response, for methods
// whose outcome must not depend on the peer being reachable.
func (m *Manager) notify(ctx context.Context, topic domain.Topic, method rpc.Method, params any) error {
	_, meta, env, err := m.encodeRequest(ctx, topic, method, params)
	if err != nil {
		return err
	}
	return m.relay.Publish(ctx, topic, env, meta.RequestPublish())
}

func (m *Manager) encodeRequest(ctx context.Context, topic domain.Topic, method rpc.Method, params any) (rpc.Request, rpc.Meta, string, error) {
	meta, ok := rpc.MetadataFor(method)
	if !ok {
		return rpc.Request{}, rpc.Meta{}, "", fmt.Errorf("no publish metadata for %s", method)
	}
	req, err := rpc.NewRequest(method, params)
	if err != nil {
		return rpc.Request{}, rpc.Meta{}, "", err
	}

	key, ok, err := m.keys.Key(ctx, topic)
	if err != nil {
		return rpc.Request{}, rpc.Meta{}, "", err
	}
	if !ok {
		return rpc.Request{}, rpc.Meta{}, "", fmt.Errorf("%s: %w", topic, domain.ErrUnknownTopic)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return rpc.Request{}, rpc.Meta{}, "", err
	}
	env, err := crypto.Seal(key, payload)
	if err != nil {
		return rpc.Request{}, rpc.Meta{}, "", err
	}

	// A relay retry or retained replay can echo our own request back;
	// marking it seen keeps dispatch from mistaking it for the peer's.
	m.seen.Add(pendingKey(topic, req.ID), struct{}{})
	return req, meta, env, nil
}

func (m *Manager) respondResult(ctx context.Context, topic domain.Topic, method rpc.Method, id rpc.ID, result any) {
	resp, err := rpc.NewResult(id, result)
	if err != nil {
		m.log.Error("encode result", zap.String("method", string(method)), zap.Error(err))
		return
	}
	m.sendResponse(ctx, topic, method, resp)
}

func (m *Manager) respondError(ctx context.Context, topic domain.Topic, method rpc.Method, id rpc.ID, body rpc.ErrorBody) {
	m.sendResponse(ctx, topic, method, rpc.NewError(id, body))
}

func (m *Manager) sendResponse(ctx context.Context, topic domain.Topic, method rpc.Method, resp rpc.Response) {
	meta, ok := rpc.MetadataFor(method)
	if !ok {
		m.log.Error("no publish metadata", zap.String("method", string(method)))
		return
	}
	key, ok, err := m.keys.Key(ctx, topic)
	if err != nil || !ok {
		m.log.Warn("response dropped, topic key missing",
			zap.String("topic", string(topic)),
			zap.Error(err))
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		m.log.Error("encode response", zap.Error(err))
		return
	}
	env, err := crypto.Seal(key, payload)
	if err != nil {
		m.log.Error("seal response", zap.Error(err))
		return
	}
	if err := m.relay.Publish(ctx, topic, env, meta.ResponsePublish()); err != nil {
		m.log.Warn("response publish failed",
			zap.String("topic", string(topic)),
			zap.String("method", string(method)),
			zap.Error(err))
	}
}

func (m *Manager) addSettleWait(topic domain.Topic, w *settleWait) {
	m.settleMu.Lock()
	m.settles[topic] = w
	m.settleMu.Unlock()
}

func (m *Manager) takeSettleWait(topic domain.Topic) (*settleWait, bool) {
	m.settleMu.Lock()
	w, ok := m.settles[topic]
	if ok {
		delete(m.settles, topic)
	}
	m.settleMu.Unlock()
	return w, ok
}

func (m *Manager) cancelSettleWaits(err error) {
	m.settleMu.Lock()
	for topic, w := range m.settles {
		delete(m.settles, topic)
		w.ch <- settleOutcome{err: err}
	}
	m.settleMu.Unlock()
}

func (m *Manager) approver() Approver {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.onProposal
}

func (m *Manager) requestHandler() RequestHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.onRequest
}

func (m *Manager) eventHandler() EventHandler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.onEvent
}
