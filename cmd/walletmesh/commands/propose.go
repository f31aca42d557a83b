package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
)

// propose <pairing-topic>: ask the paired wallet for a session. Blocks
// until the wallet settles or the proposal times out.
func proposeCmd() *cobra.Command {
	var (
		chains  []string
		methods []string
		events  []string
	)
	cmd := &cobra.Command{
		Use:   "propose <pairing-topic>",
		Short: "Propose a session over an existing pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			required, err := namespacesFor(chains, methods, events)
			if err != nil {
				return err
			}

			done, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			fmt.Println("Waiting for the wallet to approve...")
			sess, err := wire.Manager.Propose(cmd.Context(), domain.Topic(args[0]), required, nil)
			if err != nil {
				return fmt.Errorf("proposal: %w", err)
			}
			fmt.Printf("Session settled with %s.\nTopic:   %s\nExpires: %s\n",
				sess.Peer.Name, sess.Topic, time.Unix(sess.Expiry, 0).Format(time.RFC3339))
			for family, ns := range sess.Namespaces {
				fmt.Printf("  %s: accounts=%v methods=%v events=%v\n",
					family, ns.Accounts, ns.Methods, ns.Events)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chains", []string{"eip155:1"}, "required CAIP-2 chain ids")
	cmd.Flags().StringSliceVar(&methods, "methods", []string{"personal_sign"}, "required RPC methods")
	cmd.Flags().StringSliceVar(&events, "events", []string{"accountsChanged"}, "required events")
	return cmd
}

// namespacesFor groups flat chain/method/event flags into namespaces keyed
// by chain family, e.g. "eip155:1" and "eip155:137" both land under
// "eip155".
func namespacesFor(chains, methods, events []string) (domain.Namespaces, error) {
	ns := domain.Namespaces{}
	for _, chain := range chains {
		family, _, ok := strings.Cut(chain, ":")
		if !ok {
			return nil, fmt.Errorf("chain %q is not a CAIP-2 id", chain)
		}
		n := ns[family]
		n.Chains = append(n.Chains, chain)
		n.Methods = methods
		n.Events = events
		ns[family] = n
	}
	return ns, nil
}
