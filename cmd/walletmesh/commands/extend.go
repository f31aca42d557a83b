package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
)

// extend <topic>: push a topic's expiry further out.
func extendCmd() *cobra.Command {
	var (
		pairing bool
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "extend <topic>",
		Short: "Extend a session or pairing expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			topic := domain.Topic(args[0])
			expiry := time.Now().Add(ttl).Unix()
			if pairing {
				err = wire.Manager.ExtendPairing(cmd.Context(), topic, expiry)
			} else {
				err = wire.Manager.ExtendSession(cmd.Context(), topic, expiry)
			}
			if err != nil {
				return fmt.Errorf("extend: %w", err)
			}
			fmt.Printf("extended to %s\n", time.Unix(expiry, 0).Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&pairing, "pairing", false, "extend a pairing instead of a session")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "how far from now the new expiry lands")
	return cmd
}
