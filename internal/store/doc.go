// Package store persists walletmesh state.
//
// It contains the key-value backends (in-memory, file, Redis) plus the two
// stores the session layer works with: the Keyring mapping topics to
// symmetric keys, and Records holding pairing and session state. All methods
// are concurrency-safe via internal locking; the backends themselves are
// interchangeable behind domain.KV, so a restart against the same backend
// resumes where the previous process stopped.
//
// Key layout inside a backend:
//   - key/{topic}      hex symmetric key
//   - pairing/{topic}  JSON pairing record
//   - session/{topic}  JSON session record
package store
