package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"walletmesh/internal/crypto"
	"walletmesh/internal/domain"
	"walletmesh/internal/relay"
	"walletmesh/internal/relay/relaytest"
	"walletmesh/internal/rpc"
	"walletmesh/internal/session"
	"walletmesh/internal/store"
)

const testAccount = "eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"

func requiredNamespaces() domain.Namespaces {
	return domain.Namespaces{
		"eip155": {
			Chains:  []string{"eip155:1"},
			Methods: []string{"personal_sign"},
			Events:  []string{"accountsChanged"},
		},
	}
}

func grantedNamespaces() domain.Namespaces {
	return domain.Namespaces{
		"eip155": {
			Accounts: []string{testAccount},
			Methods:  []string{"personal_sign"},
			Events:   []string{"accountsChanged"},
		},
	}
}

// peer bundles one side of the protocol: its stores, its relay client and
// its manager.
type peer struct {
	keys    *store.Keyring
	records *store.Records
	relay   *relay.Client
	mgr     *session.Manager
}

func fastBackoff() relay.BackoffConfig {
	return relay.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
}

func newPeer(t *testing.T, hub *relaytest.Hub, clk clock.Clock, name string) *peer {
	t.Helper()
	ctx := context.Background()

	keys, err := store.NewKeyring(ctx, store.NewMem())
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	records := store.NewRecords(store.NewMem())

	rc := relay.NewClient(relay.ClientConfig{Dial: hub.Dialer(), Backoff: fastBackoff()})
	if err := rc.Start(ctx); err != nil {
		t.Fatalf("relay start: %v", err)
	}

	mgr, err := session.NewManager(session.Config{
		Keys:     keys,
		Records:  records,
		Relay:    rc,
		Metadata: domain.Metadata{Name: name, URL: "https://" + name},
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("manager start: %v", err)
	}
	t.Cleanup(func() {
		mgr.Close()
		rc.Close()
	})
	return &peer{keys: keys, records: records, relay: rc, mgr: mgr}
}

// settleTestSession pairs a dapp with a wallet and settles one session.
func settleTestSession(t *testing.T, hub *relaytest.Hub, clk clock.Clock) (dapp, wallet *peer, sess domain.Session) {
	t.Helper()
	ctx := context.Background()

	dapp = newPeer(t, hub, clk, "dapp.example")
	wallet = newPeer(t, hub, clk, "wallet.example")
	wallet.mgr.OnProposal(func(ctx context.Context, p session.Proposal) (domain.Namespaces, error) {
		return grantedNamespaces(), nil
	})

	pairing, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if _, err := wallet.mgr.Pair(ctx, uri); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	sess, err = dapp.mgr.Propose(ctx, pairing.Topic, requiredNamespaces(), nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return dapp, wallet, sess
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPairingHandshake(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	pairing, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if pairing.State != domain.PairingProposed {
		t.Fatalf("new pairing state = %s", pairing.State)
	}
	if !strings.HasPrefix(uri, "wc:") {
		t.Fatalf("uri = %q", uri)
	}

	redeemed, err := wallet.mgr.Pair(ctx, uri)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if redeemed.Topic != pairing.Topic || redeemed.SymKey != pairing.SymKey {
		t.Fatal("redeemed pairing does not match the minted one")
	}
	if redeemed.State != domain.PairingActive {
		t.Fatalf("redeemed state = %s", redeemed.State)
	}

	// Both directions have the key, so pings round-trip either way.
	if err := wallet.mgr.PairingPing(ctx, pairing.Topic); err != nil {
		t.Fatalf("wallet ping: %v", err)
	}
	if err := dapp.mgr.PairingPing(ctx, pairing.Topic); err != nil {
		t.Fatalf("dapp ping: %v", err)
	}
}

func TestPairRejectsExpiredURI(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	_, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	mock.Add(6 * time.Minute)

	if _, err := wallet.mgr.Pair(ctx, uri); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("Pair after expiry: %v", err)
	}
}

func TestPairRejectsRedeemedURI(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	_, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if _, err := wallet.mgr.Pair(ctx, uri); err != nil {
		t.Fatalf("first Pair: %v", err)
	}
	if _, err := wallet.mgr.Pair(ctx, uri); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("second Pair: %v", err)
	}
}

func TestPairingExtendPropagates(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	pairing, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if _, err := wallet.mgr.Pair(ctx, uri); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	newExpiry := pairing.Expiry + 3600
	if err := wallet.mgr.ExtendPairing(ctx, pairing.Topic, newExpiry); err != nil {
		t.Fatalf("ExtendPairing: %v", err)
	}

	// The acknowledging side commits before it responds, so both records
	// are already extended.
	for _, p := range []*peer{dapp, wallet} {
		got, ok, err := p.mgr.Pairing(ctx, pairing.Topic)
		if err != nil || !ok {
			t.Fatalf("Pairing: ok=%v err=%v", ok, err)
		}
		if got.Expiry != newExpiry {
			t.Fatalf("expiry = %d, want %d", got.Expiry, newExpiry)
		}
	}

	// Moving the expiry backwards is refused locally.
	if err := wallet.mgr.ExtendPairing(ctx, pairing.Topic, newExpiry-1); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("backwards extend: %v", err)
	}
}

func TestPairingDeletePropagates(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	pairing, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if _, err := wallet.mgr.Pair(ctx, uri); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if err := wallet.mgr.DeletePairing(ctx, pairing.Topic); err != nil {
		t.Fatalf("DeletePairing: %v", err)
	}
	got, ok, _ := wallet.mgr.Pairing(ctx, pairing.Topic)
	if !ok || got.State != domain.PairingDeleted {
		t.Fatalf("wallet pairing state = %s ok=%v", got.State, ok)
	}
	if _, hasKey, _ := wallet.keys.Key(ctx, pairing.Topic); hasKey {
		t.Fatal("wallet kept the pairing key")
	}

	eventually(t, func() bool {
		got, ok, _ := dapp.mgr.Pairing(ctx, pairing.Topic)
		if !ok || got.State != domain.PairingDeleted {
			return false
		}
		_, hasKey, _ := dapp.keys.Key(ctx, pairing.Topic)
		return !hasKey
	}, "dapp never observed the pairing delete")

	if err := wallet.mgr.PairingPing(ctx, pairing.Topic); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("ping after delete: %v", err)
	}
}

func TestSessionSettlement(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	if sess.State != domain.SessionActive {
		t.Fatalf("proposer session state = %s", sess.State)
	}
	if sess.Topic == sess.PairingTopic {
		t.Fatal("session topic reused the pairing topic")
	}
	if sess.IsController {
		t.Fatal("proposer believes it is the controller")
	}
	if sess.Controller == "" {
		t.Fatal("controller key missing")
	}
	if err := sess.Namespaces.Supports(requiredNamespaces()); err != nil {
		t.Fatalf("granted namespaces do not cover requirement: %v", err)
	}
	if sess.Expiry != mock.Now().Unix()+domain.SessionDefaultTTL {
		t.Fatalf("session expiry = %d", sess.Expiry)
	}

	// The wallet activates its record once the dapp acknowledges the
	// settlement.
	eventually(t, func() bool {
		got, ok, _ := wallet.mgr.Session(ctx, sess.Topic)
		return ok && got.State == domain.SessionActive && got.IsController
	}, "wallet session never became active")

	// Settling promotes the pairing on both sides and stretches its
	// lifetime past the URI-redemption window.
	eventually(t, func() bool {
		got, ok, _ := wallet.mgr.Pairing(ctx, sess.PairingTopic)
		return ok && got.State == domain.PairingSettled
	}, "wallet pairing never settled")
	got, ok, _ := dapp.mgr.Pairing(ctx, sess.PairingTopic)
	if !ok || got.State != domain.PairingSettled {
		t.Fatalf("dapp pairing state = %s", got.State)
	}
	if got.Expiry <= 300 {
		t.Fatalf("settled pairing expiry not extended: %d", got.Expiry)
	}

	if err := dapp.mgr.SessionPing(ctx, sess.Topic); err != nil {
		t.Fatalf("session ping: %v", err)
	}
}

func TestSessionRequestRoundTrip(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	wallet.mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		if req.Topic != sess.Topic || req.ChainID != "eip155:1" || req.Method != "personal_sign" {
			return nil, fmt.Errorf("unexpected request: %+v", req)
		}
		var args []string
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return nil, err
		}
		return "signature-over-" + args[0], nil
	})

	raw, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", []string{"0x68656c6c6f", testAccount})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var sig string
	if err := json.Unmarshal(raw, &sig); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if sig != "signature-over-0x68656c6c6f" {
		t.Fatalf("result = %q", sig)
	}
	if n := dapp.mgr.InFlight(); n != 0 {
		t.Fatalf("in flight after response: %d", n)
	}
}

func TestSessionRequestRejectsUngrantedMethod(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, _, sess := settleTestSession(t, hub, mock)

	_, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "eth_sendTransaction", nil)
	if !errors.Is(err, domain.ErrNamespaceUnsupported) {
		t.Fatalf("ungranted method: %v", err)
	}
	_, err = dapp.mgr.Request(ctx, "0000000000000000000000000000000000000000000000000000000000000000", "eip155:1", "personal_sign", nil)
	if !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("unknown topic: %v", err)
	}
}

func TestSessionRequestPeerErrorCode(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	wallet.mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		return nil, &session.PeerError{Code: 4001, Message: "user denied signature"}
	})

	_, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil)
	var pe *session.PeerError
	if !errors.As(err, &pe) || pe.Code != 4001 {
		t.Fatalf("peer error not preserved: %v", err)
	}

	// A plain handler error surfaces as a user rejection.
	wallet.mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		return nil, errors.New("backend offline")
	})
	_, err = dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil)
	if !errors.As(err, &pe) || pe.Code != rpc.CodeUserRejected {
		t.Fatalf("plain error not mapped: %v", err)
	}
}

func TestSessionRequestTimesOut(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	wallet.mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errc := make(chan error, 1)
	go func() {
		_, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil)
		errc <- err
	}()

	eventually(t, func() bool { return dapp.mgr.InFlight() > 0 }, "request never became pending")
	time.Sleep(50 * time.Millisecond) // let the deadline timer arm after publish
	mock.Add(5*time.Minute + time.Second)

	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrTimeout) {
			t.Fatalf("Request: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}
	if n := dapp.mgr.InFlight(); n != 0 {
		t.Fatalf("in flight after timeout: %d", n)
	}
}

func TestDuplicateRequestServedOnce(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	var calls atomic.Int32
	wallet.mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		calls.Add(1)
		return "signed", nil
	})

	// A raw hub connection sniffs the encrypted request so the test can
	// replay it verbatim, as a flaky relay would.
	raw := hub.Connect()
	t.Cleanup(func() { raw.Close() })
	if _, err := raw.Subscribe(ctx, sess.Topic); err != nil {
		t.Fatalf("raw subscribe: %v", err)
	}

	if _, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}

	key, ok, err := wallet.keys.Key(ctx, sess.Topic)
	if err != nil || !ok {
		t.Fatalf("session key: ok=%v err=%v", ok, err)
	}
	env := captureRequestEnvelope(t, raw, key)
	if err := raw.Publish(ctx, sess.Topic, env, domain.PublishOptions{TTL: time.Minute, Tag: 1108}); err != nil {
		t.Fatalf("replay publish: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("replayed request served again: handler ran %d times", n)
	}
}

// captureRequestEnvelope drains raw until it sees a wc_sessionRequest
// envelope decryptable with key and returns it as published.
func captureRequestEnvelope(t *testing.T, raw *relaytest.LocalTransport, key domain.SymKey) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-raw.Messages():
			if !ok {
				t.Fatal("capture transport closed")
			}
			plain, _, err := crypto.Open(key, m.Message)
			if err != nil {
				continue
			}
			msg, err := rpc.Parse(plain)
			if err != nil || !msg.IsRequest() || msg.Method != rpc.MethodSessionRequest {
				continue
			}
			return m.Message
		case <-deadline:
			t.Fatal("request envelope never observed")
		}
	}
}

func TestSessionEventDelivery(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	type event struct {
		name, chain, data string
	}
	var mu sync.Mutex
	var got []event
	dapp.mgr.OnEvent(func(topic domain.Topic, name, chainID string, data json.RawMessage) {
		mu.Lock()
		got = append(got, event{name, chainID, string(data)})
		mu.Unlock()
	})

	if err := wallet.mgr.Emit(ctx, sess.Topic, "accountsChanged", "eip155:1", []string{testAccount}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "event never observed")

	mu.Lock()
	ev := got[0]
	mu.Unlock()
	if ev.name != "accountsChanged" || ev.chain != "eip155:1" {
		t.Fatalf("event = %+v", ev)
	}
	var accounts []string
	if err := json.Unmarshal([]byte(ev.data), &accounts); err != nil || len(accounts) != 1 || accounts[0] != testAccount {
		t.Fatalf("event data = %q", ev.data)
	}

	// Events outside the grant are refused before they reach the wire.
	if err := wallet.mgr.Emit(ctx, sess.Topic, "chainChanged", "eip155:1", nil); !errors.Is(err, domain.ErrNamespaceUnsupported) {
		t.Fatalf("ungranted event: %v", err)
	}
}

func TestSessionExtendPropagates(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	newExpiry := sess.Expiry + 600

	// Only the controller may extend.
	if err := dapp.mgr.ExtendSession(ctx, sess.Topic, newExpiry); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("non-controller extend: %v", err)
	}
	if err := wallet.mgr.ExtendSession(ctx, sess.Topic, newExpiry); err != nil {
		t.Fatalf("ExtendSession: %v", err)
	}

	for _, p := range []*peer{dapp, wallet} {
		got, ok, err := p.mgr.Session(ctx, sess.Topic)
		if err != nil || !ok {
			t.Fatalf("Session: ok=%v err=%v", ok, err)
		}
		if got.Expiry != newExpiry {
			t.Fatalf("expiry = %d, want %d", got.Expiry, newExpiry)
		}
		if got.State != domain.SessionActive {
			t.Fatalf("state after extend = %s", got.State)
		}
	}
}

func TestSessionUpdatePropagates(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	widened := grantedNamespaces()
	ns := widened["eip155"]
	ns.Methods = append(ns.Methods, "eth_sendTransaction")
	widened["eip155"] = ns

	if err := dapp.mgr.UpdateSession(ctx, sess.Topic, widened); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("non-controller update: %v", err)
	}
	if err := wallet.mgr.UpdateSession(ctx, sess.Topic, widened); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	wallet.mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		return "0xtxhash", nil
	})
	if _, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "eth_sendTransaction", nil); err != nil {
		t.Fatalf("request with updated grant: %v", err)
	}

	if err := wallet.mgr.UpdateSession(ctx, sess.Topic, domain.Namespaces{}); !errors.Is(err, domain.ErrNamespaceUnsupported) {
		t.Fatalf("empty update: %v", err)
	}
}

func TestSessionDisconnectPropagates(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	if err := dapp.mgr.DisconnectSession(ctx, sess.Topic); err != nil {
		t.Fatalf("DisconnectSession: %v", err)
	}
	got, ok, _ := dapp.mgr.Session(ctx, sess.Topic)
	if !ok || got.State != domain.SessionDeleted {
		t.Fatalf("dapp session state = %s ok=%v", got.State, ok)
	}
	if _, hasKey, _ := dapp.keys.Key(ctx, sess.Topic); hasKey {
		t.Fatal("dapp kept the session key")
	}

	eventually(t, func() bool {
		got, ok, _ := wallet.mgr.Session(ctx, sess.Topic)
		if !ok || got.State != domain.SessionDeleted {
			return false
		}
		_, hasKey, _ := wallet.keys.Key(ctx, sess.Topic)
		return !hasKey
	}, "wallet never observed the disconnect")

	if _, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("request after disconnect: %v", err)
	}
	if err := dapp.mgr.DisconnectSession(ctx, sess.Topic); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestExpiredSessionsAreSwept(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	expired := func(p *peer) bool {
		got, ok, _ := p.mgr.Session(ctx, sess.Topic)
		if !ok || got.State != domain.SessionExpired {
			return false
		}
		_, hasKey, _ := p.keys.Key(ctx, sess.Topic)
		return !hasKey
	}

	mock.Add(24*time.Hour + time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(expired(dapp) && expired(wallet)) {
		mock.Add(30 * time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	if !expired(dapp) || !expired(wallet) {
		t.Fatal("expired session not swept on both sides")
	}

	if _, err := dapp.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("request on expired session: %v", err)
	}
}

func TestProposeRejected(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	// Each attempt needs its own pairing: a rejection retires the pairing
	// on the rejecting side.
	pairFresh := func() domain.Topic {
		t.Helper()
		pairing, uri, err := dapp.mgr.CreatePairing(ctx)
		if err != nil {
			t.Fatalf("CreatePairing: %v", err)
		}
		if _, err := wallet.mgr.Pair(ctx, uri); err != nil {
			t.Fatalf("Pair: %v", err)
		}
		return pairing.Topic
	}

	// Without an approver every proposal bounces.
	first := pairFresh()
	_, err := dapp.mgr.Propose(ctx, first, requiredNamespaces(), nil)
	var pe *session.PeerError
	if !errors.As(err, &pe) || pe.Code != rpc.CodeUserRejected {
		t.Fatalf("proposal without approver: %v", err)
	}

	// The wallet tombstones the refused pairing and drops its key.
	eventually(t, func() bool {
		got, ok, _ := wallet.mgr.Pairing(ctx, first)
		if !ok || got.State != domain.PairingDeleted {
			return false
		}
		_, hasKey, _ := wallet.keys.Key(ctx, first)
		return !hasKey
	}, "rejected pairing not retired on the wallet")

	wallet.mgr.OnProposal(func(ctx context.Context, p session.Proposal) (domain.Namespaces, error) {
		return nil, errors.New("user said no")
	})
	_, err = dapp.mgr.Propose(ctx, pairFresh(), requiredNamespaces(), nil)
	if !errors.As(err, &pe) || pe.Code != rpc.CodeUserRejected || !strings.Contains(pe.Message, "user said no") {
		t.Fatalf("rejected proposal: %v", err)
	}

	wallet.mgr.OnProposal(func(ctx context.Context, p session.Proposal) (domain.Namespaces, error) {
		return nil, fmt.Errorf("%w: no solana here", domain.ErrNamespaceUnsupported)
	})
	_, err = dapp.mgr.Propose(ctx, pairFresh(), requiredNamespaces(), nil)
	if !errors.As(err, &pe) || pe.Code != rpc.CodeUnsupportedChains {
		t.Fatalf("unsupported-namespace rejection: %v", err)
	}

	// Nothing settled anywhere.
	for _, p := range []*peer{dapp, wallet} {
		sessions, err := p.mgr.Sessions(ctx)
		if err != nil || len(sessions) != 0 {
			t.Fatalf("sessions = %d err=%v", len(sessions), err)
		}
	}
	eventually(t, func() bool {
		topics, _ := wallet.keys.Topics(ctx)
		return len(topics) == 0
	}, "wallet keyring still holds refused pairing keys")
}

func TestProposalCarriesProposerMetadata(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()

	dapp := newPeer(t, hub, mock, "dapp.example")
	wallet := newPeer(t, hub, mock, "wallet.example")

	var seen session.Proposal
	wallet.mgr.OnProposal(func(ctx context.Context, p session.Proposal) (domain.Namespaces, error) {
		seen = p
		return grantedNamespaces(), nil
	})

	pairing, uri, err := dapp.mgr.CreatePairing(ctx)
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if _, err := wallet.mgr.Pair(ctx, uri); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	sess, err := dapp.mgr.Propose(ctx, pairing.Topic, requiredNamespaces(), nil)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if seen.PairingTopic != pairing.Topic {
		t.Fatalf("proposal pairing topic = %s", seen.PairingTopic)
	}
	if seen.Proposer.Name != "dapp.example" {
		t.Fatalf("proposer metadata = %+v", seen.Proposer)
	}
	if err := grantedNamespaces().Supports(seen.Required); err != nil {
		t.Fatalf("required namespaces mangled in flight: %v", err)
	}
	if sess.Peer.Name != "wallet.example" {
		t.Fatalf("settled peer metadata = %+v", sess.Peer)
	}
}

func TestManagerRestoresStateAcrossRestart(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	dapp, wallet, sess := settleTestSession(t, hub, mock)

	if err := dapp.mgr.Close(); err != nil {
		t.Fatalf("close manager: %v", err)
	}
	if err := dapp.relay.Close(); err != nil {
		t.Fatalf("close relay: %v", err)
	}

	// A fresh manager over the same stores picks the session back up.
	rc := relay.NewClient(relay.ClientConfig{Dial: hub.Dialer(), Backoff: fastBackoff()})
	if err := rc.Start(ctx); err != nil {
		t.Fatalf("relay restart: %v", err)
	}
	mgr, err := session.NewManager(session.Config{
		Keys:     dapp.keys,
		Records:  dapp.records,
		Relay:    rc,
		Metadata: domain.Metadata{Name: "dapp.example"},
		Clock:    mock,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
		return "pong:" + req.Method, nil
	})
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("manager restart: %v", err)
	}
	t.Cleanup(func() {
		mgr.Close()
		rc.Close()
	})

	got, ok, err := mgr.Session(ctx, sess.Topic)
	if err != nil || !ok {
		t.Fatalf("restored session: ok=%v err=%v", ok, err)
	}
	if got.State != domain.SessionActive {
		t.Fatalf("restored session state = %s", got.State)
	}

	raw, err := wallet.mgr.Request(ctx, sess.Topic, "eip155:1", "personal_sign", nil)
	if err != nil {
		t.Fatalf("request to restored peer: %v", err)
	}
	var res string
	if err := json.Unmarshal(raw, &res); err != nil || res != "pong:personal_sign" {
		t.Fatalf("result = %q err=%v", raw, err)
	}
}

func TestOperationsOnUnknownTopic(t *testing.T) {
	hub := relaytest.NewHub()
	mock := clock.NewMock()
	ctx := context.Background()
	p := newPeer(t, hub, mock, "solo.example")

	ghost, err := domain.NewTopic()
	if err != nil {
		t.Fatalf("NewTopic: %v", err)
	}

	if _, err := p.mgr.Request(ctx, ghost, "eip155:1", "personal_sign", nil); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("Request: %v", err)
	}
	if err := p.mgr.SessionPing(ctx, ghost); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("SessionPing: %v", err)
	}
	if err := p.mgr.DisconnectSession(ctx, ghost); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("DisconnectSession: %v", err)
	}
	if err := p.mgr.PairingPing(ctx, ghost); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("PairingPing: %v", err)
	}
	if err := p.mgr.ExtendPairing(ctx, ghost, 600); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("ExtendPairing: %v", err)
	}
	if _, err := p.mgr.Propose(ctx, ghost, requiredNamespaces(), nil); !errors.Is(err, domain.ErrUnknownTopic) {
		t.Fatalf("Propose: %v", err)
	}
}
