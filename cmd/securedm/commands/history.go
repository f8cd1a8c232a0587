package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// history [peer-key]: without arguments lists conversations, with a peer
// key prints that conversation's recent messages.
func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [peer-key]",
		Short: "List conversations or show messages with a peer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			router, _, err := openRouter("")
			if err != nil {
				return err
			}
			defer router.Close()

			if len(args) == 0 {
				convs, err := router.Conversations(cmd.Context())
				if err != nil {
					return err
				}
				for _, c := range convs {
					fmt.Printf("%x  last %s  unread %d\n",
						c.PeerPK, c.LastMessageAt.Local().Format(time.RFC822), c.UnreadCount)
				}
				return nil
			}

			peerPK, err := parsePeerKey(args[0])
			if err != nil {
				return err
			}

			msgs, err := router.Messages(cmd.Context(), peerPK, time.Time{}, limit)
			if err != nil {
				return err
			}
			// Newest first from the store; print oldest first.
			for i := len(msgs) - 1; i >= 0; i-- {
				m := msgs[i]
				who := "them"
				if m.Outgoing {
					who = "me"
				}
				fmt.Printf("[%s] %s: %s\n",
					m.Timestamp.Local().Format("2006-01-02 15:04"), who, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to show")
	return cmd
}
