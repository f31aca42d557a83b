package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// new-pairing: mint a pairing topic and print the URI for the peer.
func newPairingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new-pairing",
		Short: "Create a pairing and print its URI",
		RunE: func(cmd *cobra.Command, args []string) error {
			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			pairing, uri, err := wire.Manager.CreatePairing(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Pairing created.\nTopic:   %s\nExpires: %s\nURI:     %s\n",
				pairing.Topic, time.Unix(pairing.Expiry, 0).Format(time.RFC3339), uri)
			return nil
		},
	}
}
