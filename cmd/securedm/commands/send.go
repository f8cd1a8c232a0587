package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// send <peer-key> <message>: encrypt a message and deliver it, queuing
// for retry if the peer is offline.
func sendCmd() *cobra.Command {
	var peerAddr string

	cmd := &cobra.Command{
		Use:   "send <peer-key> <message>",
		Short: "Send an encrypted message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerPK, err := parsePeerKey(args[0])
			if err != nil {
				return err
			}

			router, tp, err := openRouter("")
			if err != nil {
				return err
			}
			defer router.Close()

			tp.AddPeer(peerPK, peerAddr)

			id, err := router.Send(cmd.Context(), peerPK, args[1])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if err := router.AttemptFlush(ctx, peerPK); err != nil {
				fmt.Printf("queued %s (peer unreachable, will retry from 'listen')\n", id)
				return nil
			}
			fmt.Printf("sent %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&peerAddr, "addr", "", "peer address (host:port)")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}
