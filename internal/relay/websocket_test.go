package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"walletmesh/internal/domain"
	"walletmesh/internal/relay"
	"walletmesh/internal/relay/relaytest"
)

func startRelayServer(t *testing.T, cfg relaytest.ServerConfig) string {
	t.Helper()
	cfg.Logger = zap.NewNop()
	srv := httptest.NewServer(relaytest.NewServer(cfg))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestSocket(t *testing.T, cfg relay.SocketConfig) *relay.Socket {
	t.Helper()
	s, err := relay.DialSocket(context.Background(), cfg)
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSocketPublishSubscribe(t *testing.T) {
	url := startRelayServer(t, relaytest.ServerConfig{})
	ctx := context.Background()

	wallet := dialTestSocket(t, relay.SocketConfig{URL: url})
	dapp := dialTestSocket(t, relay.SocketConfig{URL: url})

	topic := newTopic(t)
	subID, err := wallet.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if subID == "" {
		t.Fatalf("expected non-empty subscription id")
	}

	opts := domain.PublishOptions{TTL: time.Minute, Tag: 1108, Prompt: true}
	if err := dapp.Publish(ctx, topic, "sealed-envelope", opts); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m := recvMessage(t, wallet.Messages())
	if m.Topic != topic || m.Message != "sealed-envelope" {
		t.Fatalf("got %+v, want topic %s message sealed-envelope", m, topic)
	}

	if err := wallet.Unsubscribe(ctx, topic, subID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}

func TestSocketSubscribeIsIdempotent(t *testing.T) {
	url := startRelayServer(t, relaytest.ServerConfig{})
	ctx := context.Background()

	s := dialTestSocket(t, relay.SocketConfig{URL: url})
	topic := newTopic(t)

	first, err := s.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := s.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	if first != second {
		t.Fatalf("repeat subscribe returned %s, want %s", second, first)
	}
}

func TestSocketReplaysRetainedOnSubscribe(t *testing.T) {
	url := startRelayServer(t, relaytest.ServerConfig{})
	ctx := context.Background()

	dapp := dialTestSocket(t, relay.SocketConfig{URL: url})
	topic := newTopic(t)
	if err := dapp.Publish(ctx, topic, "waiting-for-you", domain.PublishOptions{TTL: time.Minute}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	wallet := dialTestSocket(t, relay.SocketConfig{URL: url})
	if _, err := wallet.Subscribe(ctx, topic); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m := recvMessage(t, wallet.Messages())
	if m.Message != "waiting-for-you" {
		t.Fatalf("got %q, want waiting-for-you", m.Message)
	}
}

func TestSocketDoneReportsServerClose(t *testing.T) {
	cfg := relaytest.ServerConfig{Logger: zap.NewNop()}
	srv := httptest.NewServer(relaytest.NewServer(cfg))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	s, err := relay.DialSocket(context.Background(), relay.SocketConfig{URL: url})
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer s.Close()

	srv.CloseClientConnections()

	select {
	case err := <-s.Done():
		if err == nil {
			t.Fatalf("expected a connection error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Done")
	}
	srv.Close()
}

// swapHandler lets the relay handler be installed after httptest assigns
// the server URL, which the audience check needs to know.
type swapHandler struct {
	mu sync.Mutex
	h  http.Handler
}

func (s *swapHandler) set(h http.Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	h.ServeHTTP(w, r)
}

func TestSocketAuth(t *testing.T) {
	swap := &swapHandler{}
	srv := httptest.NewServer(swap)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	swap.set(relaytest.NewServer(relaytest.ServerConfig{Audience: url, Logger: zap.NewNop()}))

	ctx := context.Background()

	// Anonymous dial is refused, and refused for good.
	_, err := relay.DialSocket(ctx, relay.SocketConfig{URL: url})
	if err == nil {
		t.Fatalf("expected anonymous dial to fail")
	}
	if !domain.IsPermanentTransport(err) {
		t.Fatalf("expected permanent transport error, got %v", err)
	}

	id, err := relay.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	s := dialTestSocket(t, relay.SocketConfig{URL: url, Identity: id})
	if _, err := s.Subscribe(ctx, newTopic(t)); err != nil {
		t.Fatalf("Subscribe on authenticated socket: %v", err)
	}
}
