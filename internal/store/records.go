package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"walletmesh/internal/domain"
)

const (
	pairingPrefix = "pairing/"
	sessionPrefix = "session/"
)

// Records persists pairing and session records as JSON in the backing KV.
type Records struct {
	kv domain.KV
	mu sync.Mutex
}

func NewRecords(kv domain.KV) *Records {
	return &Records{kv: kv}
}

func (r *Records) SavePairing(ctx context.Context, p domain.Pairing) error {
	return r.save(ctx, pairingPrefix+string(p.Topic), p)
}

func (r *Records) LoadPairing(ctx context.Context, topic domain.Topic) (domain.Pairing, bool, error) {
	var p domain.Pairing
	ok, err := r.load(ctx, pairingPrefix+string(topic), &p)
	return p, ok, err
}

func (r *Records) DeletePairing(ctx context.Context, topic domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.Delete(ctx, pairingPrefix+string(topic))
}

// Pairings returns every stored pairing record, in no particular order.
func (r *Records) Pairings(ctx context.Context) ([]domain.Pairing, error) {
	keys, err := r.kv.Keys(ctx, pairingPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Pairing, 0, len(keys))
	for _, k := range keys {
		var p domain.Pairing
		ok, err := r.load(ctx, k, &p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Records) SaveSession(ctx context.Context, s domain.Session) error {
	return r.save(ctx, sessionPrefix+string(s.Topic), s)
}

func (r *Records) LoadSession(ctx context.Context, topic domain.Topic) (domain.Session, bool, error) {
	var s domain.Session
	ok, err := r.load(ctx, sessionPrefix+string(topic), &s)
	return s, ok, err
}

func (r *Records) DeleteSession(ctx context.Context, topic domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.Delete(ctx, sessionPrefix+string(topic))
}

// Sessions returns every stored session record, in no particular order.
func (r *Records) Sessions(ctx context.Context) ([]domain.Session, error) {
	keys, err := r.kv.Keys(ctx, sessionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(keys))
	for _, k := range keys {
		var s domain.Session
		ok, err := r.load(ctx, k, &s)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Records) save(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("records: marshal %s: %w", key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.Put(ctx, key, b)
}

func (r *Records) load(ctx context.Context, key string, v any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok, err := r.kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("records: corrupt entry %s: %w", key, err)
	}
	return true, nil
}

// Compile-time assertion that Records implements domain.RecordStore.
var _ domain.RecordStore = (*Records)(nil)
