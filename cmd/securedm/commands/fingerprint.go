package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/securedm/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the local identity fingerprint and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			dhPub, err := id.DHPublicKey()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\nPublic key:  %x\n",
				crypto.Fingerprint(id.SigningPublic), dhPub)
			return nil
		},
	}
}
