package store_test

import (
	"context"
	"sync"
	"testing"

	"walletmesh/internal/domain"
	"walletmesh/internal/store"
)

func TestKeyringPutGetDelete(t *testing.T) {
	ctx := context.Background()
	ring, err := store.NewKeyring(ctx, store.NewMem())
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	topic, _ := domain.NewTopic()
	key, _ := domain.NewSymKey()

	if _, ok, _ := ring.Key(ctx, topic); ok {
		t.Fatal("key present before put")
	}
	if err := ring.PutKey(ctx, topic, key); err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	got, ok, err := ring.Key(ctx, topic)
	if err != nil || !ok || got != key {
		t.Fatalf("Key: ok=%v err=%v", ok, err)
	}

	topics, err := ring.Topics(ctx)
	if err != nil || len(topics) != 1 || topics[0] != topic {
		t.Fatalf("Topics: %v err=%v", topics, err)
	}

	if err := ring.DeleteKey(ctx, topic); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, ok, _ := ring.Key(ctx, topic); ok {
		t.Fatal("key survived delete")
	}
}

func TestKeyringSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	kv, err := store.NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	ring, err := store.NewKeyring(ctx, kv)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	topic, _ := domain.NewTopic()
	key, _ := domain.NewSymKey()
	if err := ring.PutKey(ctx, topic, key); err != nil {
		t.Fatalf("PutKey: %v", err)
	}

	// A new keyring over the same backend sees the key without any put.
	reopened, err := store.NewKeyring(ctx, kv)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := reopened.Key(ctx, topic)
	if err != nil || !ok || got != key {
		t.Fatalf("after reopen: ok=%v err=%v", ok, err)
	}
}

func TestKeyringConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	ring, err := store.NewKeyring(ctx, store.NewMem())
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	stable, _ := domain.NewTopic()
	stableKey, _ := domain.NewSymKey()
	if err := ring.PutKey(ctx, stable, stableKey); err != nil {
		t.Fatalf("PutKey: %v", err)
	}

	// Writers on fresh topics must not disturb concurrent readers of an
	// unrelated one.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			topic, _ := domain.NewTopic()
			key, _ := domain.NewSymKey()
			if err := ring.PutKey(ctx, topic, key); err != nil {
				t.Errorf("PutKey: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, ok, err := ring.Key(ctx, stable)
				if err != nil || !ok || got != stableKey {
					t.Errorf("Key: ok=%v err=%v", ok, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
