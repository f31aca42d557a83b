// Package commands defines the walletmesh CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - new-pairing  Create a pairing and print its URI
//   - pair         Redeem a pairing URI from a peer
//   - propose      Propose a session over a pairing (app side)
//   - listen       Approve proposals and serve requests (wallet side)
//   - request      Send an RPC request over a session
//   - emit         Emit a session event
//   - ping         Ping a session or pairing topic
//   - extend       Push a session or pairing expiry further out
//   - disconnect   Delete a session or pairing
//   - pairings     List pairing records
//   - sessions     List session records
//
// # Implementation
//
// The root command reads config.toml from the home directory, applies flag
// overrides, and builds the dependency graph (storage backend, keyring,
// record store, relay client, session manager) before any subcommand runs.
// Commands that talk to the network call connect, which dials the relay
// and restores persisted subscriptions; listing commands read the record
// store directly.
package commands
