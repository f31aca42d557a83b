package session

import (
	"context"

	"go.uber.org/zap"

	"walletmesh/internal/domain"
)

// sweep retires expired pairings and sessions on a fixed cadence so their
// keys and subscriptions do not outlive the records.
func (m *Manager) sweep(ctx context.Context) {
	ticker := m.clk.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	now := m.clk.Now().Unix()

	pairings, err := m.records.Pairings(ctx)
	if err != nil {
		m.log.Warn("sweep: list pairings", zap.Error(err))
	}
	for _, p := range pairings {
		if p.State == domain.PairingDeleted || p.State == domain.PairingExpired {
			continue
		}
		if !p.Expired(now) {
			continue
		}
		if err := m.retirePairing(ctx, p); err != nil {
			m.log.Warn("sweep: retire pairing",
				zap.String("topic", string(p.Topic)),
				zap.Error(err))
		}
	}

	sessions, err := m.records.Sessions(ctx)
	if err != nil {
		m.log.Warn("sweep: list sessions", zap.Error(err))
	}
	for _, s := range sessions {
		if s.State == domain.SessionDeleted || s.State == domain.SessionExpired {
			continue
		}
		if !s.Expired(now) {
			continue
		}
		if err := m.retireSession(ctx, s); err != nil {
			m.log.Warn("sweep: retire session",
				zap.String("topic", string(s.Topic)),
				zap.Error(err))
		}
	}
}
