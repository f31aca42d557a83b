// Package session drives the pairing and session protocol on top of a
// relay connection, a key store and a record store.
//
// A Manager owns one side of the protocol. Outbound operations mirror what
// a user does: mint or redeem a pairing URI, propose a session over a
// pairing, send requests and events over a settled session, extend, update
// and tear down. Inbound traffic arrives on relay topics as encrypted
// envelopes; the Manager decrypts each one with the topic key, correlates
// responses with waiting calls and routes requests to handlers.
//
// Lifecycle rules the Manager enforces:
//   - A topic's key is stored before its subscription exists and removed
//     only after the subscription is gone, so every delivered envelope is
//     decryptable and no key outlives its use.
//   - Records survive restarts. Start reloads them, resubscribes live
//     topics and retires anything that expired while offline; a sweeper
//     does the same for records that expire while running.
//   - Deletes win. Extending or updating a record commits only after the
//     peer acknowledges, and only if no concurrent delete removed the
//     record in the meantime.
//   - Deleted and expired records remain as tombstones, so a topic that
//     was once known is distinguishable from one that never existed.
//
// Inbound dispatch is sequential: protocol state changes apply in arrival
// order from a single goroutine. Only the two handler callbacks that can
// wait on a user, proposal approval and request serving, run concurrently.
package session
