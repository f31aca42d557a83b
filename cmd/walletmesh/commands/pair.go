package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// pair <uri>: redeem a pairing URI received from a peer.
func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair <uri>",
		Short: "Redeem a pairing URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			pairing, err := wire.Manager.Pair(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("pairing: %w", err)
			}
			fmt.Printf("Paired.\nTopic:   %s\nExpires: %s\n",
				pairing.Topic, time.Unix(pairing.Expiry, 0).Format(time.RFC3339))
			fmt.Println("Run `walletmesh listen` to answer the peer's proposals and requests.")
			return nil
		},
	}
}
