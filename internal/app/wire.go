package app

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"walletmesh/internal/domain"
	"walletmesh/internal/relay"
	"walletmesh/internal/session"
	"walletmesh/internal/store"
)

// identitySeedKey is the KV entry holding this client's relay signing seed.
const identitySeedKey = "relay/identity-seed"

// Wire bundles the stores, relay client and session manager for the CLI.
type Wire struct {
	KV      domain.KV
	Keys    *store.Keyring
	Records *store.Records
	Relay   *relay.Client
	Manager *session.Manager
}

// NewWire constructs the dependency graph from cfg. Nothing is connected
// yet; call Start to bring the relay link and the manager up.
func NewWire(ctx context.Context, cfg Config) (*Wire, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	kv, err := openKV(cfg)
	if err != nil {
		return nil, err
	}

	keys, err := store.NewKeyring(ctx, kv)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	records := store.NewRecords(kv)

	dial := cfg.Dial
	if dial == nil {
		identity, err := loadOrCreateIdentity(ctx, kv)
		if err != nil {
			return nil, err
		}
		dial = relay.SocketConfig{
			URL:       cfg.RelayURL,
			ProjectID: cfg.ProjectID,
			Identity:  identity,
		}.Dialer()
	}

	rc := relay.NewClient(relay.ClientConfig{
		Dial:   dial,
		Logger: log.Named("relay"),
	})

	mgr, err := session.NewManager(session.Config{
		Keys:     keys,
		Records:  records,
		Relay:    rc,
		Metadata: cfg.Metadata,
		Logger:   log.Named("session"),
	})
	if err != nil {
		return nil, err
	}

	return &Wire{
		KV:      kv,
		Keys:    keys,
		Records: records,
		Relay:   rc,
		Manager: mgr,
	}, nil
}

// Start connects the relay and restores protocol state.
func (w *Wire) Start(ctx context.Context) error {
	if err := w.Relay.Start(ctx); err != nil {
		return err
	}
	if err := w.Manager.Start(ctx); err != nil {
		_ = w.Relay.Close()
		return err
	}
	return nil
}

// Close stops the manager first so in-flight calls resolve before the
// relay link drops.
func (w *Wire) Close() error {
	err := w.Manager.Close()
	if rerr := w.Relay.Close(); err == nil {
		err = rerr
	}
	return err
}

// openKV picks the persistence backend from cfg.
func openKV(cfg Config) (domain.KV, error) {
	switch cfg.Backend {
	case BackendMem:
		return store.NewMem(), nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis backend needs an address")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return store.NewRedis(rdb, "walletmesh:"), nil
	case BackendFile, "":
		return store.NewFile(filepath.Join(cfg.Home, "state"))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// loadOrCreateIdentity returns the persisted relay auth identity, minting
// and storing a fresh seed on first run.
func loadOrCreateIdentity(ctx context.Context, kv domain.KV) (*relay.Identity, error) {
	raw, ok, err := kv.Get(ctx, identitySeedKey)
	if err != nil {
		return nil, fmt.Errorf("load relay identity: %w", err)
	}
	if ok {
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("relay identity seed corrupt: %w", err)
		}
		return relay.IdentityFromSeed(seed)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generate relay identity: %w", err)
	}
	if err := kv.Put(ctx, identitySeedKey, []byte(hex.EncodeToString(seed))); err != nil {
		return nil, fmt.Errorf("store relay identity: %w", err)
	}
	return relay.IdentityFromSeed(seed)
}
