package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
)

// disconnect <topic>: tell the peer goodbye and drop the topic locally.
func disconnectCmd() *cobra.Command {
	var pairing bool
	cmd := &cobra.Command{
		Use:   "disconnect <topic>",
		Short: "Delete a session or pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			topic := domain.Topic(args[0])
			if pairing {
				err = wire.Manager.DeletePairing(cmd.Context(), topic)
			} else {
				err = wire.Manager.DisconnectSession(cmd.Context(), topic)
			}
			if err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			fmt.Println("disconnected")
			return nil
		},
	}
	cmd.Flags().BoolVar(&pairing, "pairing", false, "delete a pairing instead of a session")
	return cmd
}
