// Package rpc defines the JSON-RPC payloads that travel inside envelopes.
//
// Contents
//
//   - Request/Response wire shapes and the Message union for inbound parsing
//   - Process-unique request identifiers (NewID)
//   - The wc_* method names with their relay metadata: publish tags, TTLs
//     and prompt flags (MetadataFor)
//   - Typed parameter structs for every method, JSON-encoded in camelCase
//   - Error codes peers exchange in error responses
//
// The shapes here are the protocol's wire contract with other
// implementations, so field names and tags must not drift.
package rpc
