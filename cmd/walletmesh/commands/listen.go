package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"walletmesh/internal/domain"
	"walletmesh/internal/session"
)

// listen: run the wallet side. Proposals are approved with the configured
// accounts, requests are answered with a canned result, events are printed.
func listenCmd() *cobra.Command {
	var (
		accounts []string
		methods  []string
		events   []string
		result   string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Serve proposals, requests and events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			wire.Manager.OnProposal(func(ctx context.Context, p session.Proposal) (domain.Namespaces, error) {
				fmt.Printf("[proposal] pairing=%s from=%q\n", p.PairingTopic, p.Proposer.Name)
				granted := grantFor(p.Required, accounts, methods, events)
				fmt.Printf("[proposal] approving with %d namespace(s)\n", len(granted))
				return granted, nil
			})
			wire.Manager.OnRequest(func(ctx context.Context, req session.InboundRequest) (any, error) {
				fmt.Printf("[request] topic=%s chain=%s method=%s params=%s\n",
					req.Topic, req.ChainID, req.Method, req.Params)
				if json.Valid([]byte(result)) {
					return json.RawMessage(result), nil
				}
				return result, nil
			})
			wire.Manager.OnEvent(func(topic domain.Topic, name, chainID string, data json.RawMessage) {
				fmt.Printf("[event] topic=%s chain=%s %s %s\n", topic, chainID, name, data)
			})

			done, err := connect(ctx)
			if err != nil {
				return err
			}
			defer done()

			fmt.Println("Listening. Ctrl-C to stop.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&accounts, "accounts", nil, "CAIP-10 accounts to grant, e.g. eip155:1:0xab..")
	cmd.Flags().StringSliceVar(&methods, "methods", []string{"personal_sign", "eth_sendTransaction"}, "extra methods to grant")
	cmd.Flags().StringSliceVar(&events, "events", []string{"accountsChanged", "chainChanged"}, "extra events to grant")
	cmd.Flags().StringVar(&result, "result", `"ok"`, "canned JSON result returned for every request")
	_ = cmd.MarkFlagRequired("accounts")
	return cmd
}

// grantFor builds the namespaces an auto-approving wallet hands back: every
// required family with its methods and events honoured, our accounts
// attached, plus the locally configured extras.
func grantFor(required domain.Namespaces, accounts, methods, events []string) domain.Namespaces {
	granted := domain.Namespaces{}
	for family, want := range required {
		granted[family] = domain.Namespace{
			Accounts: accountsIn(accounts, family),
			Methods:  union(want.Methods, methods),
			Events:   union(want.Events, events),
		}
	}
	// Families we hold accounts for even if the peer did not ask.
	for _, acct := range accounts {
		family, _, _ := strings.Cut(acct, ":")
		if _, ok := granted[family]; ok {
			continue
		}
		granted[family] = domain.Namespace{
			Accounts: accountsIn(accounts, family),
			Methods:  methods,
			Events:   events,
		}
	}
	return granted
}

// accountsIn filters CAIP-10 accounts down to one chain family.
func accountsIn(accounts []string, family string) []string {
	var out []string
	for _, acct := range accounts {
		if f, _, _ := strings.Cut(acct, ":"); f == family {
			out = append(out, acct)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, v := range b {
		found := false
		for _, have := range out {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	return out
}
