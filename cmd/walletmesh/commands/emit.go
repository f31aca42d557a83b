package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
)

// emit <session-topic> <event> [data-json]: push an event to the peer.
func emitCmd() *cobra.Command {
	var chainID string
	cmd := &cobra.Command{
		Use:   "emit <session-topic> <event> [data-json]",
		Short: "Emit a session event to the peer",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("data %q is not valid JSON", args[2])
				}
				data = json.RawMessage(args[2])
			}

			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			if err := wire.Manager.Emit(cmd.Context(), domain.Topic(args[0]), args[1], chainID, data); err != nil {
				return fmt.Errorf("emit %s: %w", args[1], err)
			}
			fmt.Println("event delivered")
			return nil
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "eip155:1", "CAIP-2 chain id the event concerns")
	return cmd
}
