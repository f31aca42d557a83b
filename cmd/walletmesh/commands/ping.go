package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
)

// ping <topic>: check that the peer still answers on a topic.
func pingCmd() *cobra.Command {
	var pairing bool
	cmd := &cobra.Command{
		Use:   "ping <topic>",
		Short: "Ping the peer on a session or pairing topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			topic := domain.Topic(args[0])
			if pairing {
				err = wire.Manager.PairingPing(cmd.Context(), topic)
			} else {
				err = wire.Manager.SessionPing(cmd.Context(), topic)
			}
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			fmt.Println("pong")
			return nil
		},
	}
	cmd.Flags().BoolVar(&pairing, "pairing", false, "ping a pairing topic instead of a session")
	return cmd
}
