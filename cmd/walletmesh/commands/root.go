package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"walletmesh/internal/app"
	"walletmesh/internal/domain"
)

var (
	home      string
	relayURL  string
	projectID string
	backend   string
	redisAddr string
	appName   string
	verbose   bool

	wire *app.Wire
)

// fileConfig mirrors the optional config.toml in the home directory. Flags
// take precedence over file values.
type fileConfig struct {
	RelayURL    string   `toml:"relay_url"`
	ProjectID   string   `toml:"project_id"`
	Backend     string   `toml:"backend"`
	RedisAddr   string   `toml:"redis_addr"`
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	URL         string   `toml:"url"`
	Icons       []string `toml:"icons"`
}

func Execute() error {
	root := &cobra.Command{
		Use:           "walletmesh",
		Short:         "Encrypted wallet pairing and session RPC over a relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".walletmesh")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			fc, err := loadFileConfig(filepath.Join(home, "config.toml"))
			if err != nil {
				return err
			}
			if relayURL == "" {
				relayURL = fc.RelayURL
			}
			if relayURL == "" {
				relayURL = "ws://127.0.0.1:7070"
			}
			if projectID == "" {
				projectID = fc.ProjectID
			}
			if backend == "" {
				backend = fc.Backend
			}
			if redisAddr == "" {
				redisAddr = fc.RedisAddr
			}
			if appName == "" {
				appName = fc.Name
			}
			if appName == "" {
				appName = "walletmesh"
			}

			log := zap.NewNop()
			if verbose {
				log, err = zap.NewDevelopment()
				if err != nil {
					return err
				}
			}

			wire, err = app.NewWire(cmd.Context(), app.Config{
				Home:      home,
				RelayURL:  relayURL,
				ProjectID: projectID,
				Backend:   backend,
				RedisAddr: redisAddr,
				Metadata: domain.Metadata{
					Name:        appName,
					Description: fc.Description,
					URL:         fc.URL,
					Icons:       fc.Icons,
				},
				Logger: log,
			})
			return err
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.walletmesh)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay websocket URL (default ws://127.0.0.1:7070)")
	root.PersistentFlags().StringVar(&projectID, "project-id", "", "project id sent to the relay")
	root.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: file, mem or redis")
	root.PersistentFlags().StringVar(&redisAddr, "redis", "", "redis address for --backend redis")
	root.PersistentFlags().StringVar(&appName, "name", "", "metadata name shown to peers")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol activity")

	root.AddCommand(
		newPairingCmd(), pairCmd(), proposeCmd(), listenCmd(),
		requestCmd(), emitCmd(), pingCmd(), extendCmd(), disconnectCmd(),
		pairingsCmd(), sessionsCmd(),
	)
	return root.Execute()
}

// loadFileConfig reads config.toml when present. A missing file is not an
// error.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fc, nil
	}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// connect brings the relay link and manager up for commands that talk to
// the network. The returned func shuts both down.
func connect(ctx context.Context) (func(), error) {
	if err := wire.Start(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", relayURL, err)
	}
	return func() { _ = wire.Close() }, nil
}
