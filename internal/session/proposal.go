package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"walletmesh/internal/crypto"
	"walletmesh/internal/domain"
	"walletmesh/internal/rpc"
)

// Propose sends a session proposal over an existing pairing and waits for
// the peer to settle. On success the returned session is active and its
// topic is already subscribed.
//
// Steps:
//  1. Send wc_sessionPropose with a fresh X25519 public key and wait for
//     the peer's acceptance, which carries the responder's public key.
//  2. Derive the session key and topic from the two keys, store the key
//     and subscribe, so the settlement envelope is decryptable on arrival.
//  3. Wait for wc_sessionSettle on the new topic. The settle handler posts
//     the validated session here.
func (m *Manager) Propose(ctx context.Context, pairingTopic domain.Topic, required, optional domain.Namespaces) (domain.Session, error) {
	if _, err := m.loadLivePairing(ctx, pairingTopic); err != nil {
		return domain.Session{}, err
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Session{}, err
	}
	defer crypto.Wipe(priv[:])

	params := rpc.ProposeParams{
		Relays:             []rpc.Relay{{Protocol: domain.DefaultRelayProtocol}},
		Proposer:           rpc.Proposer{PublicKey: pub.Hex(), Metadata: m.meta},
		RequiredNamespaces: required,
		OptionalNamespaces: optional,
	}
	raw, err := m.call(ctx, pairingTopic, rpc.MethodSessionPropose, params)
	if err != nil {
		return domain.Session{}, err
	}
	// An answer proves the peer redeemed the URI.
	m.markPairingActive(ctx, pairingTopic)
	var res rpc.ProposeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Session{}, fmt.Errorf("propose result: %w", err)
	}

	responder, err := domain.X25519PublicFromHex(res.ResponderPublicKey)
	if err != nil {
		return domain.Session{}, fmt.Errorf("propose result: %w", err)
	}
	symKey, sessionTopic, err := crypto.DeriveSessionKey(priv, responder)
	if err != nil {
		return domain.Session{}, err
	}

	if err := m.keys.PutKey(ctx, sessionTopic, symKey); err != nil {
		return domain.Session{}, err
	}
	wait := &settleWait{
		pairingTopic: pairingTopic,
		required:     required,
		ch:           make(chan settleOutcome, 1),
	}
	m.addSettleWait(sessionTopic, wait)
	if err := m.relay.Subscribe(ctx, sessionTopic); err != nil {
		m.takeSettleWait(sessionTopic)
		_ = m.keys.DeleteKey(ctx, sessionTopic)
		return domain.Session{}, err
	}

	meta, _ := rpc.MetadataFor(rpc.MethodSessionSettle)
	timer := m.clk.Timer(meta.TTL)
	defer timer.Stop()
	select {
	case out := <-wait.ch:
		if out.err != nil {
			m.abortProposal(ctx, sessionTopic)
			return domain.Session{}, out.err
		}
		m.markPairingSettled(ctx, pairingTopic)
		return out.session, nil
	case <-timer.C:
		m.takeSettleWait(sessionTopic)
		m.abortProposal(ctx, sessionTopic)
		return domain.Session{}, fmt.Errorf("settlement: %w", domain.ErrTimeout)
	case <-ctx.Done():
		m.takeSettleWait(sessionTopic)
		m.abortProposal(ctx, sessionTopic)
		return domain.Session{}, fmt.Errorf("settlement: %w", domain.ErrCancelled)
	}
}

// abortProposal unwinds the provisional session topic after a failed
// settlement.
func (m *Manager) abortProposal(ctx context.Context, topic domain.Topic) {
	if err := m.relay.Unsubscribe(ctx, topic); err != nil {
		m.log.Debug("unsubscribe failed", zap.String("topic", string(topic)), zap.Error(err))
	}
	if err := m.keys.DeleteKey(ctx, topic); err != nil {
		m.log.Debug("key cleanup failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// handleSessionPropose serves an inbound proposal on a pairing topic. It
// runs on its own goroutine because the approver may wait on a user.
//
// Steps:
//  1. Ask the approver which namespaces to grant and check the grant
//     covers everything required.
//  2. Derive the session key and topic from the proposer's key and a
//     fresh one, store the key, subscribe.
//  3. Persist the session as settled, accept the proposal with our public
//     key, then send wc_sessionSettle on the session topic and wait for
//     the ack. Only the ack activates the session.
func (m *Manager) handleSessionPropose(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.ProposeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid proposal params",
		})
		return
	}
	m.markPairingActive(ctx, topic)

	approve := m.approver()
	if approve == nil {
		m.rejectProposal(ctx, topic, msg, rpc.ErrorBody{
			Code:    rpc.CodeUserRejected,
			Message: "no approver installed",
		})
		return
	}
	granted, err := approve(ctx, Proposal{
		PairingTopic: topic,
		Proposer:     params.Proposer.Metadata,
		Required:     params.RequiredNamespaces,
		Optional:     params.OptionalNamespaces,
	})
	if err != nil {
		m.rejectProposal(ctx, topic, msg, rejectionFor(err))
		return
	}
	if err := granted.Supports(params.RequiredNamespaces); err != nil {
		m.rejectProposal(ctx, topic, msg, rpc.ErrorBody{
			Code:    rpc.CodeUnsupportedChains,
			Message: err.Error(),
		})
		return
	}

	proposer, err := domain.X25519PublicFromHex(params.Proposer.PublicKey)
	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid proposer public key",
		})
		return
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "key generation failed",
		})
		return
	}
	defer crypto.Wipe(priv[:])
	symKey, sessionTopic, err := crypto.DeriveSessionKey(priv, proposer)
	if err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "key agreement failed",
		})
		return
	}

	if err := m.keys.PutKey(ctx, sessionTopic, symKey); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "session key not stored",
		})
		return
	}
	if err := m.relay.Subscribe(ctx, sessionTopic); err != nil {
		_ = m.keys.DeleteKey(ctx, sessionTopic)
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "session topic not subscribed",
		})
		return
	}

	relayInfo := rpc.Relay{Protocol: domain.DefaultRelayProtocol}
	if len(params.Relays) > 0 {
		relayInfo = params.Relays[0]
	}
	expiry := m.clk.Now().Unix() + domain.SessionDefaultTTL
	s := domain.Session{
		Topic:         sessionTopic,
		PairingTopic:  topic,
		RelayProtocol: relayInfo.Protocol,
		Controller:    pub.Hex(),
		IsController:  true,
		Namespaces:    granted,
		Expiry:        expiry,
		State:         domain.SessionSettled,
		Peer:          params.Proposer.Metadata,
	}
	if err := m.records.SaveSession(ctx, s); err != nil {
		m.abortProposal(ctx, sessionTopic)
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "session not persisted",
		})
		return
	}

	m.respondResult(ctx, topic, msg.Method, msg.ID, rpc.ProposeResult{
		Relay:              relayInfo,
		ResponderPublicKey: pub.Hex(),
	})

	settle := rpc.SettleParams{
		Relay:      relayInfo,
		Controller: rpc.Controller{PublicKey: pub.Hex(), Metadata: m.meta},
		Namespaces: granted,
		Expiry:     expiry,
	}
	if _, err := m.call(ctx, sessionTopic, rpc.MethodSessionSettle, settle); err != nil {
		m.log.Warn("settlement not acknowledged",
			zap.String("topic", string(sessionTopic)),
			zap.Error(err))
		if rmErr := m.removeSession(ctx, s, domain.SessionDeleted, domain.ErrCancelled); rmErr != nil {
			m.log.Warn("session cleanup failed", zap.Error(rmErr))
		}
		return
	}
	m.markSessionActive(ctx, sessionTopic)
	m.markPairingSettled(ctx, topic)
	m.log.Info("session settled",
		zap.String("topic", string(sessionTopic)),
		zap.String("pairing", string(topic)))
}

// handleSessionSettle receives the controller's settlement on the derived
// session topic and hands the session to the waiting Propose call.
func (m *Manager) handleSessionSettle(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.SettleParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid settle params",
		})
		return
	}

	wait, ok := m.takeSettleWait(topic)
	if !ok {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "no proposal awaiting settlement",
		})
		return
	}

	if err := params.Namespaces.Supports(wait.required); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeUnsupportedChains,
			Message: err.Error(),
		})
		wait.ch <- settleOutcome{err: err}
		return
	}
	now := m.clk.Now().Unix()
	if params.Expiry <= now || params.Expiry > now+domain.SessionMaxAhead {
		err := fmt.Errorf("%w: settlement expiry %d out of range", domain.ErrProtocolState, params.Expiry)
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "unacceptable expiry",
		})
		wait.ch <- settleOutcome{err: err}
		return
	}

	s := domain.Session{
		Topic:         topic,
		PairingTopic:  wait.pairingTopic,
		RelayProtocol: params.Relay.Protocol,
		Controller:    params.Controller.PublicKey,
		IsController:  false,
		Namespaces:    params.Namespaces,
		Expiry:        params.Expiry,
		State:         domain.SessionActive,
		Peer:          params.Controller.Metadata,
	}
	if err := m.records.SaveSession(ctx, s); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeSettlementFailed,
			Message: "session not persisted",
		})
		wait.ch <- settleOutcome{err: err}
		return
	}

	m.respondResult(ctx, topic, msg.Method, msg.ID, true)
	wait.ch <- settleOutcome{session: s}
}

// markSessionActive promotes a settled session once the peer acknowledges.
func (m *Manager) markSessionActive(ctx context.Context, topic domain.Topic) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s, ok, err := m.records.LoadSession(ctx, topic)
	if err != nil || !ok || s.State != domain.SessionSettled {
		return
	}
	s.State = domain.SessionActive
	if err := m.records.SaveSession(ctx, s); err != nil {
		m.log.Warn("session activation not saved", zap.Error(err))
	}
}

// rejectProposal answers the proposal with body, then deletes the pairing.
// The answer goes out first, while the key still exists. A pairing whose
// proposal was refused is never reused.
func (m *Manager) rejectProposal(ctx context.Context, topic domain.Topic, msg rpc.Message, body rpc.ErrorBody) {
	m.respondError(ctx, topic, msg.Method, msg.ID, body)

	p, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil || !ok || p.State == domain.PairingDeleted {
		return
	}
	m.log.Info("proposal rejected",
		zap.String("pairing", string(topic)),
		zap.Int64("code", body.Code))
	if err := m.removePairing(ctx, p, domain.PairingDeleted, domain.ErrCancelled); err != nil {
		m.log.Warn("pairing cleanup failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}

// rejectionFor maps an approver error to the wire error body.
func rejectionFor(err error) rpc.ErrorBody {
	if errors.Is(err, domain.ErrNamespaceUnsupported) {
		return rpc.ErrorBody{Code: rpc.CodeUnsupportedChains, Message: err.Error()}
	}
	return rpc.ErrorBody{Code: rpc.CodeUserRejected, Message: err.Error()}
}
