package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
)

// request <session-topic> <method> [params-json]: call the peer and print
// its result.
func requestCmd() *cobra.Command {
	var chainID string
	cmd := &cobra.Command{
		Use:   "request <session-topic> <method> [params-json]",
		Short: "Send an RPC request over a session",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("params %q is not valid JSON", args[2])
				}
				params = json.RawMessage(args[2])
			}

			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			result, err := wire.Manager.Request(cmd.Context(), domain.Topic(args[0]), chainID, args[1], params)
			if err != nil {
				return fmt.Errorf("request %s: %w", args[1], err)
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "eip155:1", "CAIP-2 chain id the request targets")
	return cmd
}
