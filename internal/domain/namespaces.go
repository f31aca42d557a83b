package domain

import (
	"fmt"
	"strings"
)

// Metadata describes one party to the peer during proposal and settlement.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Namespace lists the capabilities granted for one chain family, e.g. the
// "eip155" key with chains ["eip155:1"], methods ["personal_sign"] and the
// accounts serving them.
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
	Accounts []string `json:"accounts,omitempty"`
}

// Namespaces maps a chain-family key to its granted capabilities.
type Namespaces map[string]Namespace

// Supports checks that ns satisfies everything required: every required
// family present, every chain covered by an account, every method and
// event granted. It returns ErrNamespaceUnsupported describing the first
// gap found.
func (ns Namespaces) Supports(required Namespaces) error {
	for family, want := range required {
		have, ok := ns[family]
		if !ok {
			return fmt.Errorf("%w: namespace %q not granted", ErrNamespaceUnsupported, family)
		}
		for _, chain := range want.Chains {
			if !have.coversChain(chain) {
				return fmt.Errorf("%w: chain %q has no account", ErrNamespaceUnsupported, chain)
			}
		}
		for _, m := range want.Methods {
			if !contains(have.Methods, m) {
				return fmt.Errorf("%w: method %q not granted", ErrNamespaceUnsupported, m)
			}
		}
		for _, e := range want.Events {
			if !contains(have.Events, e) {
				return fmt.Errorf("%w: event %q not granted", ErrNamespaceUnsupported, e)
			}
		}
	}
	return nil
}

// Allows reports whether a request for method on chainID is within the
// granted capabilities. The family is the chain id up to its first colon.
func (ns Namespaces) Allows(chainID, method string) bool {
	n, ok := ns[familyOf(chainID)]
	if !ok {
		return false
	}
	return n.coversChain(chainID) && contains(n.Methods, method)
}

// AllowsEvent reports whether the named event may be emitted for chainID.
func (ns Namespaces) AllowsEvent(chainID, event string) bool {
	n, ok := ns[familyOf(chainID)]
	if !ok {
		return false
	}
	return n.coversChain(chainID) && contains(n.Events, event)
}

// familyOf extracts the namespace key from a CAIP-2 chain id, so
// "eip155:1" belongs to "eip155".
func familyOf(chainID string) string {
	if idx := strings.Index(chainID, ":"); idx > 0 {
		return chainID[:idx]
	}
	return chainID
}

// coversChain reports whether the namespace names the chain or holds an
// account on it. Accounts are "chain:address", so the chain is the account
// string minus its last segment.
func (n Namespace) coversChain(chain string) bool {
	if contains(n.Chains, chain) {
		return true
	}
	for _, acct := range n.Accounts {
		if idx := strings.LastIndex(acct, ":"); idx > 0 && acct[:idx] == chain {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
