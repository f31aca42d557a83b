package domain

import "context"

// KV is the minimal persistence contract storage backends implement.
// Implementations must be safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// KeyStore maps topics to symmetric keys. Keys never leave the store except
// through Key; there is no bulk export.
type KeyStore interface {
	PutKey(ctx context.Context, topic Topic, key SymKey) error
	Key(ctx context.Context, topic Topic) (SymKey, bool, error)
	DeleteKey(ctx context.Context, topic Topic) error
	Topics(ctx context.Context) ([]Topic, error)
}

// RecordStore persists pairing and session records across restarts.
type RecordStore interface {
	SavePairing(ctx context.Context, p Pairing) error
	LoadPairing(ctx context.Context, topic Topic) (Pairing, bool, error)
	DeletePairing(ctx context.Context, topic Topic) error
	Pairings(ctx context.Context) ([]Pairing, error)

	SaveSession(ctx context.Context, s Session) error
	LoadSession(ctx context.Context, topic Topic) (Session, bool, error)
	DeleteSession(ctx context.Context, topic Topic) error
	Sessions(ctx context.Context) ([]Session, error)
}
