package app

import (
	"go.uber.org/zap"

	"walletmesh/internal/domain"
	"walletmesh/internal/relay"
)

// Storage backends selectable in Config.Backend.
const (
	BackendFile  = "file"
	BackendMem   = "mem"
	BackendRedis = "redis"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	// Home is the state directory, e.g. $HOME/.walletmesh.
	Home string

	// RelayURL is the relay websocket endpoint, ws:// or wss://.
	RelayURL string

	// ProjectID is attached to every relay dial. Optional.
	ProjectID string

	// Backend selects where keys and records live: "file" (default),
	// "mem" or "redis".
	Backend string

	// RedisAddr is the Redis address when Backend is "redis".
	RedisAddr string

	// Metadata is how this party introduces itself to peers.
	Metadata domain.Metadata

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger

	// Dial overrides the websocket transport, for tests. When nil the
	// relay is reached per RelayURL with a persisted auth identity.
	Dial relay.Dialer
}
