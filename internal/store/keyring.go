package store

import (
	"context"
	"fmt"
	"sync"

	"walletmesh/internal/domain"
)

const keyPrefix = "key/"

// Keyring maps topics to symmetric keys. Lookups run on every inbound
// message, so keys are cached in memory under a read lock; writes go through
// to the backing KV before the cache is touched, keeping the persisted view
// authoritative.
type Keyring struct {
	kv domain.KV

	mu    sync.RWMutex
	cache map[domain.Topic]domain.SymKey
}

// NewKeyring returns a Keyring over kv, priming the cache with every
// persisted key so restarts resume with their topics intact.
func NewKeyring(ctx context.Context, kv domain.KV) (*Keyring, error) {
	k := &Keyring{kv: kv, cache: make(map[domain.Topic]domain.SymKey)}

	keys, err := kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	for _, storageKey := range keys {
		raw, ok, err := kv.Get(ctx, storageKey)
		if err != nil {
			return nil, fmt.Errorf("keyring: load %s: %w", storageKey, err)
		}
		if !ok {
			continue
		}
		sym, err := domain.SymKeyFromHex(string(raw))
		if err != nil {
			return nil, fmt.Errorf("keyring: corrupt entry %s: %w", storageKey, err)
		}
		k.cache[domain.Topic(storageKey[len(keyPrefix):])] = sym
	}
	return k, nil
}

// PutKey registers key for topic. The entry is persisted before it becomes
// visible to lookups.
func (k *Keyring) PutKey(ctx context.Context, topic domain.Topic, key domain.SymKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.kv.Put(ctx, keyPrefix+string(topic), []byte(key.Hex())); err != nil {
		return fmt.Errorf("keyring: put %s: %w", topic, err)
	}
	k.cache[topic] = key
	return nil
}

// Key returns the symmetric key for topic. There is no bulk export.
func (k *Keyring) Key(_ context.Context, topic domain.Topic) (domain.SymKey, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.cache[topic]
	return key, ok, nil
}

// DeleteKey removes the key for topic from cache and backend. Deleting an
// absent topic is a no-op.
func (k *Keyring) DeleteKey(ctx context.Context, topic domain.Topic) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.kv.Delete(ctx, keyPrefix+string(topic)); err != nil {
		return fmt.Errorf("keyring: delete %s: %w", topic, err)
	}
	delete(k.cache, topic)
	return nil
}

// Topics lists every topic holding a key.
func (k *Keyring) Topics(_ context.Context) ([]domain.Topic, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]domain.Topic, 0, len(k.cache))
	for t := range k.cache {
		out = append(out, t)
	}
	return out, nil
}

// Compile-time assertion that Keyring implements domain.KeyStore.
var _ domain.KeyStore = (*Keyring)(nil)
