package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"walletmesh/internal/domain"
	"walletmesh/internal/rpc"
)

// CreatePairing mints a pairing and returns it with the URI to hand to
// the peer out of band.
//
// Steps:
//  1. Generate a fresh symmetric key and a random topic. The pairing topic
//     is not derived from the key, so the URI leaks nothing about it.
//  2. Store the key, persist the record, then subscribe. The key must be
//     retrievable before the first envelope can possibly arrive.
func (m *Manager) CreatePairing(ctx context.Context) (domain.Pairing, string, error) {
	symKey, err := domain.NewSymKey()
	if err != nil {
		return domain.Pairing{}, "", err
	}
	topic, err := domain.NewTopic()
	if err != nil {
		return domain.Pairing{}, "", err
	}

	p := domain.Pairing{
		Topic:         topic,
		SymKey:        symKey,
		RelayProtocol: domain.DefaultRelayProtocol,
		Expiry:        m.clk.Now().Add(newPairingTTL).Unix(),
		State:         domain.PairingProposed,
	}

	if err := m.keys.PutKey(ctx, topic, symKey); err != nil {
		return domain.Pairing{}, "", err
	}
	if err := m.records.SavePairing(ctx, p); err != nil {
		_ = m.keys.DeleteKey(ctx, topic)
		return domain.Pairing{}, "", err
	}
	if err := m.relay.Subscribe(ctx, topic); err != nil {
		_ = m.records.DeletePairing(ctx, topic)
		_ = m.keys.DeleteKey(ctx, topic)
		return domain.Pairing{}, "", err
	}

	m.log.Info("pairing created", zap.String("topic", string(topic)))
	return p, p.URI(), nil
}

// Pair redeems a pairing URI created by a peer and starts listening on
// its topic.
func (m *Manager) Pair(ctx context.Context, uri string) (domain.Pairing, error) {
	p, err := domain.ParsePairingURI(uri)
	if err != nil {
		return domain.Pairing{}, err
	}
	now := m.clk.Now()
	if p.Expired(now.Unix()) {
		return domain.Pairing{}, fmt.Errorf("pairing uri: %w", domain.ErrExpired)
	}
	if _, ok, err := m.records.LoadPairing(ctx, p.Topic); err != nil {
		return domain.Pairing{}, err
	} else if ok {
		return domain.Pairing{}, fmt.Errorf("pairing %s already redeemed: %w", p.Topic, domain.ErrProtocolState)
	}

	if p.Expiry == 0 {
		p.Expiry = now.Add(newPairingTTL).Unix()
	}
	p.State = domain.PairingActive

	if err := m.keys.PutKey(ctx, p.Topic, p.SymKey); err != nil {
		return domain.Pairing{}, err
	}
	if err := m.records.SavePairing(ctx, p); err != nil {
		_ = m.keys.DeleteKey(ctx, p.Topic)
		return domain.Pairing{}, err
	}
	if err := m.relay.Subscribe(ctx, p.Topic); err != nil {
		_ = m.records.DeletePairing(ctx, p.Topic)
		_ = m.keys.DeleteKey(ctx, p.Topic)
		return domain.Pairing{}, err
	}

	m.log.Info("pairing redeemed", zap.String("topic", string(p.Topic)))
	return p, nil
}

// PairingPing round-trips a ping over the pairing topic.
func (m *Manager) PairingPing(ctx context.Context, topic domain.Topic) error {
	if _, err := m.loadLivePairing(ctx, topic); err != nil {
		return err
	}
	_, err := m.call(ctx, topic, rpc.MethodPairingPing, struct{}{})
	return err
}

// ExtendPairing moves the pairing expiry to the given Unix time on both
// sides. The local record commits only after the peer acknowledges, and
// only if the pairing still exists, so a concurrent delete wins.
func (m *Manager) ExtendPairing(ctx context.Context, topic domain.Topic, expiry int64) error {
	p, err := m.loadLivePairing(ctx, topic)
	if err != nil {
		return err
	}

	// Validate before troubling the peer.
	probe := p
	if err := probe.ExtendTo(expiry, m.clk.Now().Unix()); err != nil {
		return err
	}
	if _, err := m.call(ctx, topic, rpc.MethodPairingExtend, rpc.ExtendParams{Expiry: expiry}); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	cur, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil {
		return err
	}
	if !ok || cur.State == domain.PairingDeleted {
		return fmt.Errorf("pairing %s: %w", topic, domain.ErrUnknownTopic)
	}
	if err := cur.ExtendTo(expiry, m.clk.Now().Unix()); err != nil {
		return err
	}
	return m.records.SavePairing(ctx, cur)
}

// DeletePairing notifies the peer and removes the pairing locally. The
// local cleanup never waits on the peer being reachable.
func (m *Manager) DeletePairing(ctx context.Context, topic domain.Topic) error {
	p, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil {
		return err
	}
	if !ok || p.State == domain.PairingDeleted {
		return fmt.Errorf("pairing %s: %w", topic, domain.ErrUnknownTopic)
	}

	params := rpc.DeleteParams{Code: rpc.CodeUserDisconnected, Message: "User disconnected"}
	if err := m.notify(ctx, topic, rpc.MethodPairingDelete, params); err != nil {
		m.log.Debug("pairing delete notify failed",
			zap.String("topic", string(topic)),
			zap.Error(err))
	}
	return m.removePairing(ctx, p, domain.PairingDeleted, domain.ErrCancelled)
}

// loadLivePairing returns the pairing if it can still carry traffic.
func (m *Manager) loadLivePairing(ctx context.Context, topic domain.Topic) (domain.Pairing, error) {
	p, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil {
		return domain.Pairing{}, err
	}
	if !ok || p.State == domain.PairingDeleted {
		return domain.Pairing{}, fmt.Errorf("pairing %s: %w", topic, domain.ErrUnknownTopic)
	}
	if p.State == domain.PairingExpired || p.Expired(m.clk.Now().Unix()) {
		return domain.Pairing{}, fmt.Errorf("pairing %s: %w", topic, domain.ErrExpired)
	}
	return p, nil
}

// removePairing takes a pairing out of service: in-flight requests fail
// with cause, the subscription goes before the key so nothing delivered
// becomes undecryptable, and the record stays as a tombstone.
func (m *Manager) removePairing(ctx context.Context, p domain.Pairing, state domain.PairingState, cause error) error {
	m.pending.cancelTopic(p.Topic, cause)
	if err := m.relay.Unsubscribe(ctx, p.Topic); err != nil {
		m.log.Debug("unsubscribe failed", zap.String("topic", string(p.Topic)), zap.Error(err))
	}
	if err := m.keys.DeleteKey(ctx, p.Topic); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	p.State = state
	return m.records.SavePairing(ctx, p)
}

func (m *Manager) retirePairing(ctx context.Context, p domain.Pairing) error {
	m.log.Info("pairing expired", zap.String("topic", string(p.Topic)))
	return m.removePairing(ctx, p, domain.PairingExpired, domain.ErrExpired)
}

// markPairingActive promotes a proposed pairing the first time the peer
// uses it.
func (m *Manager) markPairingActive(ctx context.Context, topic domain.Topic) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	p, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil || !ok || p.State != domain.PairingProposed {
		return
	}
	p.State = domain.PairingActive
	if err := m.records.SavePairing(ctx, p); err != nil {
		m.log.Warn("pairing activation not saved", zap.Error(err))
	}
}

// markPairingSettled records a completed settlement through the pairing
// and stretches its lifetime so it can carry further proposals.
func (m *Manager) markPairingSettled(ctx context.Context, topic domain.Topic) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	p, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil || !ok || p.State == domain.PairingDeleted || p.State == domain.PairingExpired {
		return
	}
	now := m.clk.Now()
	p.State = domain.PairingSettled
	// A pairing whose expiry is already further out keeps it.
	_ = p.ExtendTo(now.Add(settledPairingTTL).Unix(), now.Unix())
	if err := m.records.SavePairing(ctx, p); err != nil {
		m.log.Warn("pairing settlement not saved", zap.Error(err))
	}
}

func (m *Manager) handlePing(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	m.respondResult(ctx, topic, msg.Method, msg.ID, true)
}

func (m *Manager) handlePairingExtend(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.ExtendParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		m.respondError(ctx, topic, msg.Method, msg.ID, rpc.ErrorBody{
			Code:    rpc.CodeInvalidParams,
			Message: "invalid extend params",
		})
		return
	}

	m.opMu.Lock()
	p, ok, err := m.records.LoadPairing(ctx, topic)
	switch {
	case err == nil && (!ok || p.State == domain.PairingDeleted):
		err = fmt.Errorf("pairing %s: %w", topic, domain.ErrUnknownTopic)
	case err == nil:
		if err = p.ExtendTo(params.Expiry, m.clk.Now().Unix()); err == nil {
			err = m.records.SavePairing(ctx, p)
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

func (m *Manager) handlePairingDelete(ctx context.Context, topic domain.Topic, msg rpc.Message) {
	var params rpc.DeleteParams
	_ = json.Unmarshal(msg.Params, &params)

	// Ack while the key still exists, then tear down.
	m.respondResult(ctx, topic, msg.Method, msg.ID, true)

	p, ok, err := m.records.LoadPairing(ctx, topic)
	if err != nil || !ok || p.State == domain.PairingDeleted {
		return
	}
	m.log.Info("pairing deleted by peer",
		zap.String("topic", string(topic)),
		zap.Int64("code", params.Code))
	if err := m.removePairing(ctx, p, domain.PairingDeleted, domain.ErrCancelled); err != nil {
		m.log.Warn("pairing cleanup failed", zap.String("topic", string(topic)), zap.Error(err))
	}
}
