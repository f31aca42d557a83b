package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// pairings: print every pairing record, tombstones included.
func pairingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pairings",
		Short: "List pairing records",
		RunE: func(cmd *cobra.Command, args []string) error {
			pairings, err := wire.Manager.Pairings(cmd.Context())
			if err != nil {
				return err
			}
			if len(pairings) == 0 {
				fmt.Println("no pairings")
				return nil
			}
			for _, p := range pairings {
				peer := p.Peer.Name
				if peer == "" {
					peer = "-"
				}
				fmt.Printf("%s  %-8s  peer=%s  expires=%s\n",
					p.Topic, p.State, peer, time.Unix(p.Expiry, 0).Format(time.RFC3339))
			}
			return nil
		},
	}
}

// sessions: print every session record, tombstones included.
func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List session records",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := wire.Manager.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				role := "peer"
				if s.IsController {
					role = "controller"
				}
				fmt.Printf("%s  %-8s  %-10s  peer=%s  expires=%s\n",
					s.Topic, s.State, role, s.Peer.Name, time.Unix(s.Expiry, 0).Format(time.RFC3339))
			}
			return nil
		},
	}
}
