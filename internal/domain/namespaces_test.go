package domain_test

import (
	"errors"
	"testing"

	"walletmesh/internal/domain"
)

func TestNamespacesSupports(t *testing.T) {
	granted := domain.Namespaces{
		"eip155": {
			Accounts: []string{"eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"},
			Methods:  []string{"personal_sign", "eth_sendTransaction"},
			Events:   []string{"accountsChanged", "chainChanged"},
		},
	}

	required := domain.Namespaces{
		"eip155": {
			Chains:  []string{"eip155:1"},
			Methods: []string{"personal_sign"},
			Events:  []string{"accountsChanged"},
		},
	}
	if err := granted.Supports(required); err != nil {
		t.Fatalf("Supports: %v", err)
	}
}

func TestNamespacesSupportsGaps(t *testing.T) {
	granted := domain.Namespaces{
		"eip155": {
			Accounts: []string{"eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"},
			Methods:  []string{"personal_sign"},
			Events:   []string{"accountsChanged"},
		},
	}

	cases := map[string]domain.Namespaces{
		"missing family": {"cosmos": {Chains: []string{"cosmos:cosmoshub-4"}}},
		"missing chain":  {"eip155": {Chains: []string{"eip155:137"}}},
		"missing method": {"eip155": {Methods: []string{"eth_signTypedData"}}},
		"missing event":  {"eip155": {Events: []string{"message"}}},
	}
	for name, required := range cases {
		if err := granted.Supports(required); !errors.Is(err, domain.ErrNamespaceUnsupported) {
			t.Fatalf("%s: want ErrNamespaceUnsupported, got %v", name, err)
		}
	}
}

func TestNamespaceChainListCoversChain(t *testing.T) {
	// A namespace may name chains directly instead of via accounts, as
	// proposals do before any account exists.
	granted := domain.Namespaces{
		"eip155": {
			Chains:  []string{"eip155:1", "eip155:137"},
			Methods: []string{"personal_sign"},
			Events:  []string{"accountsChanged"},
		},
	}
	required := domain.Namespaces{
		"eip155": {Chains: []string{"eip155:137"}},
	}
	if err := granted.Supports(required); err != nil {
		t.Fatalf("Supports: %v", err)
	}
}
