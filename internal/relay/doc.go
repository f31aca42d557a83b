// Package relay provides the websocket implementation of the domain.Relay
// interface used by walletmesh.
//
// The relay is a store-and-forward pub/sub service for encrypted envelopes:
// clients subscribe to topics and publish opaque payloads, and the relay
// retains each payload for its TTL so offline peers catch up on subscribe.
// The wire protocol is JSON-RPC 2.0 over a websocket, using irn_subscribe,
// irn_unsubscribe and irn_publish calls plus relay-initiated
// irn_subscription pushes.
//
// The package splits the problem in two:
//   - Socket is one live connection. It correlates calls with responses,
//     acks pushes, and reports its death on Done.
//   - Client supervises Sockets. It redials with exponential backoff,
//     restores every subscription on the fresh connection, and merges all
//     deliveries into a single ordered channel.
//
// Connections authenticate with an ed25519 JWT signed by a relay Identity;
// the issuer claim carries the public key, so the relay needs no account
// state. All calls accept a context for cancellation and deadlines, and
// failures are wrapped in domain.TransportError with a Permanent flag that
// separates "retry on a new connection" from "give up".
package relay
