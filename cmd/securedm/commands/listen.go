package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opd-ai/securedm"
	"github.com/opd-ai/securedm/envelope"
	"github.com/opd-ai/securedm/transport"
)

// openRouter builds a router backed by a Noise TCP transport. An empty
// listenAddr yields a dial-only endpoint.
func openRouter(listenAddr string) (*securedm.Router, *transport.NoiseTCP, error) {
	id, err := loadIdentity()
	if err != nil {
		return nil, nil, err
	}

	dh, err := id.DHKeyPair()
	if err != nil {
		return nil, nil, err
	}

	tp, err := transport.NewNoiseTCP(dh.Private, dh.Public, listenAddr)
	if err != nil {
		return nil, nil, err
	}

	router, err := securedm.New(securedm.Options{
		Identity:  id,
		StorePath: filepath.Join(home, "messages.db"),
		Dialer:    tp,
		Listener:  tp,
	})
	if err != nil {
		tp.Close()
		return nil, nil, err
	}
	return router, tp, nil
}

func listenCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the messaging endpoint and print incoming messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			router, tp, err := openRouter(addr)
			if err != nil {
				return err
			}
			defer router.Close()

			router.OnMessageReceived(func(peerPK [32]byte, msg *envelope.PlaintextMessage) {
				fmt.Printf("[%s] %x: %s\n",
					msg.Timestamp.Local().Format("15:04:05"), peerPK[:8], msg.Content)
			})
			router.OnMessageDelivered(func(peerPK [32]byte, messageID string) {
				fmt.Printf("delivered %s to %x\n", messageID, peerPK[:8])
			})
			router.OnDeliveryFailed(func(peerPK [32]byte, messageID string, attempts int) {
				fmt.Printf("still undelivered to %x after %d attempts: %s\n",
					peerPK[:8], attempts, messageID)
			})

			router.Start()
			fmt.Printf("Listening on %s as %x\n", tp.LocalAddr(), router.IdentityPublicKey())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:36017", "listen address")
	return cmd
}
