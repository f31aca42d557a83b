package domain_test

import (
	"errors"
	"strings"
	"testing"

	"walletmesh/internal/domain"
)

func newPairing(t *testing.T) domain.Pairing {
	t.Helper()
	topic, err := domain.NewTopic()
	if err != nil {
		t.Fatalf("NewTopic: %v", err)
	}
	key, err := domain.NewSymKey()
	if err != nil {
		t.Fatalf("NewSymKey: %v", err)
	}
	return domain.Pairing{
		Topic:         topic,
		SymKey:        key,
		RelayProtocol: domain.DefaultRelayProtocol,
		Expiry:        1_900_000_000,
		State:         domain.PairingActive,
	}
}

func TestPairingURIRoundTrip(t *testing.T) {
	p := newPairing(t)

	parsed, err := domain.ParsePairingURI(p.URI())
	if err != nil {
		t.Fatalf("ParsePairingURI: %v", err)
	}
	if parsed.Topic != p.Topic {
		t.Fatalf("topic: want %s, got %s", p.Topic, parsed.Topic)
	}
	if parsed.SymKey != p.SymKey {
		t.Fatal("symmetric key did not survive the round trip")
	}
	if parsed.RelayProtocol != domain.DefaultRelayProtocol {
		t.Fatalf("relay protocol: want irn, got %q", parsed.RelayProtocol)
	}
	if parsed.Expiry != p.Expiry {
		t.Fatalf("expiry: want %d, got %d", p.Expiry, parsed.Expiry)
	}
	if parsed.State != domain.PairingProposed {
		t.Fatalf("parsed pairing should start proposed, got %q", parsed.State)
	}
}

func TestParsePairingURIRejectsGarbage(t *testing.T) {
	good := newPairing(t).URI()

	cases := map[string]string{
		"scheme":      strings.Replace(good, "wc:", "http:", 1),
		"version":     strings.Replace(good, "@2", "@1", 1),
		"no version":  strings.Replace(good, "@2", "", 1),
		"short topic": "wc:abcd@2?relay-protocol=irn&symKey=" + strings.Repeat("00", 32),
		"no symKey":   "wc:" + strings.Repeat("ab", 32) + "@2?relay-protocol=irn",
		"empty":       "",
	}
	for name, uri := range cases {
		if _, err := domain.ParsePairingURI(uri); !errors.Is(err, domain.ErrBadURI) {
			t.Fatalf("%s: want ErrBadURI, got %v", name, err)
		}
	}
}

func TestPairingExpired(t *testing.T) {
	p := newPairing(t)
	p.Expiry = 1000

	if p.Expired(999) {
		t.Fatal("not yet expired")
	}
	if !p.Expired(1000) {
		t.Fatal("expired at the boundary")
	}
}

func TestPairingExtendTo(t *testing.T) {
	p := newPairing(t)
	now := int64(1_000_000)
	p.Expiry = now + 300

	if err := p.ExtendTo(now+600, now); err != nil {
		t.Fatalf("ExtendTo: %v", err)
	}
	if p.Expiry != now+600 {
		t.Fatalf("expiry: want %d, got %d", now+600, p.Expiry)
	}

	// Moving backwards is refused.
	if err := p.ExtendTo(now+60, now); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("want ErrProtocolState, got %v", err)
	}
	// So is jumping past the cap.
	if err := p.ExtendTo(now+31*24*60*60, now); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("want ErrProtocolState, got %v", err)
	}
}
