// Package app wires application dependencies for the CLI.
//
// It builds the storage backend, keyring, record store, relay client and
// session manager from Config, exposing them via the Wire struct for
// commands to use.
package app
