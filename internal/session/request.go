package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"walletmesh/internal/domain"
	"walletmesh/internal/rpc"
)

// Request sends a JSON-RPC request to the session peer and returns the raw
// result. The method must be granted for chainID in the session namespaces.
func (m *Manager) Request(ctx context.Context, topic domain.Topic, chainID, method string, params any) (json.RawMessage, error) {
	s, err := m.loadUsableSession(ctx, topic)
	if err != nil {
		return nil, err
	}
	if !s.Namespaces.Allows(chainID, method) {
		return nil, fmt.Errorf("%w: %s on %s", domain.ErrNamespaceUnsupported, method, chainID)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	meta, _ := rpc.MetadataFor(rpc.MethodSessionRequest)
	payload := rpc.SessionRequestParams{
		Request: rpc.RequestPayload{
			Method: method,
			Params: raw,
			Expiry: m.clk.Now().Add(meta.TTL).Unix(),
		},
		ChainID: chainID,
	}
	return m.call(ctx, topic, rpc.MethodSessionRequest, payload)
}

// handleSessionRequest serves a peer request. It runs on its own goroutine
// because the handler may wait on a user.
func (m *Manager) handleSessionRequest(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.SessionRequestParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid request params",
		})
		return
	}

	s, err := m.loadUsableSession(ctx, topic)
	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, errorBodyFor(err))
		return
	}
	if params.Request.Expiry != 0 && m.clk.Now().Unix() >= params.Request.Expiry {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeRequestExpired,
			Message: "request expired",
		})
		return
	}
	if !s.Namespaces.Allows(params.ChainID, params.Request.Method) {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeUnsupportedMethods,
			Message: fmt.Sprintf("method %s not granted on %s", params.Request.Method, params.ChainID),
		})
		return
	}

	handle := m.requestHandler()
	if handle == nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeUserRejected,
			Message: "no request handler installed",
		})
		return
	}
	result, err := handle(ctx, InboundRequest{
		Topic:   topic,
		ChainID: params.ChainID,
		Method:  params.Request.Method,
		Params:  params.Request.Params,
	})
	if err != nil {
		var pe *PeerError
		if errors.As(err, &pe) {
			m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{Code: pe.Code, Message: pe.Message})
			return
		}
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeUserRejected,
			Message: err.Error(),
		})
		return
	}
	m.respondResult(ctx, topic, msg.Method, msg.ID, result)
}

// Emit publishes a session event to the peer. The event must be granted
// for chainID in the session namespaces.
func (m *Manager) Emit(ctx context.Context, topic domain.Topic, name, chainID string, data any) error {
	s, err := m.loadUsableSession(ctx, topic)
	if err != nil {
		return err
	}
	if !s.Namespaces.AllowsEvent(chainID, name) {
		return fmt.Errorf("%w: event %s on %s", domain.ErrNamespaceUnsupported, name, chainID)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	params := rpc.EventParams{
		Event:   rpc.Event{Name: name, Data: raw},
		ChainID: chainID,
	}
	_, err = m.call(ctx, topic, rpc.MethodSessionEvent, params)
	return err
}

func (m *Manager) handleSessionEvent(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.EventParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid event params",
		})
		return
	}

	s, err := m.loadUsableSession(ctx, topic)
	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, errorBodyFor(err))
		return
	}
	if !s.Namespaces.AllowsEvent(params.ChainID, params.Event.Name) {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeUnsupportedEvents,
			Message: fmt.Sprintf("event %s not granted on %s", params.Event.Name, params.ChainID),
		})
		return
	}

	m.respondResult(ctx, topic, msg.Method, msg.ID, true)
	if observe := m.eventHandler(); observe != nil {
		observe(topic, params.Event.Name, params.ChainID, params.Event.Data)
	}
}

// UpdateSession replaces the session namespaces on both sides. Only the
// controller may update. The local record commits after the peer
// acknowledges, and only if the session still exists.
func (m *Manager) UpdateSession(ctx context.Context, topic domain.Topic, namespaces domain.Namespaces) error {
	s, err := m.loadUsableSession(ctx, topic)
	if err != nil {
		return err
	}
	if !s.IsController {
		return fmt.Errorf("%w: only the controller may update", domain.ErrProtocolState)
	}
	if len(namespaces) == 0 {
		return fmt.Errorf("%w: empty namespaces", domain.ErrNamespaceUnsupported)
	}

	if _, err := m.call(ctx, topic, rpc.MethodSessionUpdate, rpc.UpdateParams{Namespaces: namespaces}); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	cur, ok, err := m.records.LoadSession(ctx, topic)
	if err != nil {
		return err
	}
	if !ok || cur.State == domain.SessionDeleted {
		return fmt.Errorf("session %s: %w", topic, domain.ErrUnknownTopic)
	}
	cur.Namespaces = namespaces
	return m.records.SaveSession(ctx, cur)
}

func (m *Manager) handleSessionUpdate(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.UpdateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params.Namespaces) == 0 {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid update params",
		})
		return
	}

	m.opMu.Lock()
	s, ok, err := m.records.LoadSession(ctx, topic)
	switch {
	case err == nil && (!ok || s.State == domain.SessionDeleted):
		err = fmt.Errorf("session %s: %w", topic, domain.ErrUnknownTopic)
	case err == nil:
		s.Namespaces = params.Namespaces
		err = m.records.SaveSession(ctx, s)
	}
	m.opMu.Unlock()

	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, errorBodyFor(err))
		return
	}
	m.respondResult(ctx, topic, msg.Method, msg.ID, true)
}

// ExtendSession moves the session expiry to the given Unix time on both
// sides. Only the controller may extend.
func (m *Manager) ExtendSession(ctx context.Context, topic domain.Topic, expiry int64) error {
	s, err := m.loadUsableSession(ctx, topic)
	if err != nil {
		return err
	}
	if !s.IsController {
		return fmt.Errorf("%w: only the controller may extend", domain.ErrProtocolState)
	}

	// Validate before troubling the peer.
	probe := s
	if err := probe.ExtendTo(expiry, m.clk.Now().Unix()); err != nil {
		return err
	}
	if _, err := m.call(ctx, topic, rpc.MethodSessionExtend, rpc.ExtendParams{Expiry: expiry}); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	cur, ok, err := m.records.LoadSession(ctx, topic)
	if err != nil {
		return err
	}
	if !ok || cur.State == domain.SessionDeleted {
		return fmt.Errorf("session %s: %w", topic, domain.ErrUnknownTopic)
	}
	if err := cur.ExtendTo(expiry, m.clk.Now().Unix()); err != nil {
		return err
	}
	cur.State = domain.SessionActive
	return m.records.SaveSession(ctx, cur)
}

func (m *Manager) handleSessionExtend(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.ExtendParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid extend params",
		})
		return
	}

	m.opMu.Lock()
	s, ok, err := m.records.LoadSession(ctx, topic)
	switch {
	case err == nil && (!ok || s.State == domain.SessionDeleted):
		err = fmt.Errorf("session %s: %w", topic, domain.ErrUnknownTopic)
	case err == nil:
		if err = s.ExtendTo(params.Expiry, m.clk.Now().Unix()); err == nil {
			s.State = domain.SessionActive
			err = m.records.SaveSession(ctx, s)
		}
	}
	m.opMu.Unlock()

	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: err.Error(),
		})
		return
	}
	m.respondResult(ctx, topic, msg.Method, msg.ID, true)
}

// DisconnectSession notifies the peer and removes the session locally. The
// local cleanup never waits on the peer being reachable.
func (m *Manager) DisconnectSession(ctx context.Context, topic domain.Topic) error {
	s, ok, err := m.records.LoadSession(ctx, topic)
	if err != nil {
		return err
	}
	if !ok || s.State == domain.SessionDeleted {
		return fmt.Errorf("session %s: %w", topic, domain.ErrUnknownTopic)
	}

	if err := m.notify(ctx, topic, rpc.MethodSessionDelete, rpc.UserDisconnected()); err != nil {
		m.log.Debug("session delete notify failed",
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
	return m.removeSession(ctx, s, domain.SessionDeleted, domain.ErrCancelled)
}

func (m *Manager) handleSessionDelete(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.DeleteParams
	_ = json.Unmarshal(msg.Params, &params)

	// Ack while the key still exists, then tear down.
	m.respondResult(ctx, topic, msg.Method, msg.ID, true)

	s, ok, err := m.records.LoadSession(ctx, topic)
	if err != nil || !ok || s.State == domain.SessionDeleted {
		return
	}
	m.log.Info("session deleted by peer",
		zap.String("topic", string(topic)),
		zap.Int64("code", params.Code))
	if err := m.removeSession(ctx, s, domain.SessionDeleted, domain.ErrCancelled); err != nil {
		m.log.Warn("session cleanup failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// SessionPing round-trips a ping over the session topic.
func (m *Manager) SessionPing(ctx context.Context, topic domain.Topic) error {
	if _, err := m.loadUsableSession(ctx, topic); err != nil {
		return err
	}
	_, err := m.call(ctx, topic, rpc.MethodSessionPing, struct{}{})
	return err
}

// loadUsableSession returns the session if it can still carry traffic.
func (m *Manager) loadUsableSession(ctx context.Context, topic domain.Topic) (domain.Session, error) {
	s, ok, err := m.records.LoadSession(ctx, topic)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok || s.State == domain.SessionDeleted {
		return domain.Session{}, fmt.Errorf("session %s: %w", topic, domain.ErrUnknownTopic)
	}
	now := m.clk.Now().Unix()
	if s.State == domain.SessionExpired || s.Expired(now) {
		return domain.Session{}, fmt.Errorf("session %s: %w", topic, domain.ErrExpired)
	}
	if !s.Usable(now) {
		return domain.Session{}, fmt.Errorf("session %s in state %s: %w", topic, s.State, domain.ErrProtocolState)
	}
	return s, nil
}

// removeSession takes a session out of service: in-flight requests fail
// with cause, the subscription goes before the key so nothing delivered
// becomes undecryptable, and the record stays as a tombstone.
func (m *Manager) removeSession(ctx context.Context, s domain.Session, state domain.SessionState, cause error) error {
	m.pending.cancelTopic(s.Topic, cause)
	if err := m.relay.Unsubscribe(ctx, s.Topic); err != nil {
		m.log.Debug("unsubscribe failed", zap.String("topic", string(s.Topic)), zap.Error(err))
	}
	if err := m.keys.DeleteKey(ctx, s.Topic); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	s.State = state
	return m.records.SaveSession(ctx, s)
}

func (m *Manager) retireSession(ctx context.Context, s domain.Session) error {
	m.log.Info("session expired", zap.String("topic", string(s.Topic)))
	return m.removeSession(ctx, s, domain.SessionExpired, domain.ErrExpired)
}

// errorBodyFor maps a local lookup failure to the wire error body.
func errorBodyFor(err error) rpc.ErrorBody {
	switch {
	case errors.Is(err, domain.ErrExpired):
		return rpc.ErrorBody{Code: rpc.CodeRequestExpired, Message: err.Error()}
	case errors.Is(err, domain.ErrNamespaceUnsupported):
		return rpc.ErrorBody{Code: rpc.CodeUnsupportedChains, Message: err.Error()}
	default:
		return rpc.ErrorBody{Code: rpc.CodeUserDisconnected, Message: err.Error()}
	}
}
