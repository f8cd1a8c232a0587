package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opd-ai/securedm/crypto"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a new identity and store it in the data dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(home, seedFile)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("identity already exists at %s", path)
			}

			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}

			if err := os.WriteFile(path, []byte(hex.EncodeToString(id.Seed())), 0o600); err != nil {
				return err
			}

			dhPub, err := id.DHPublicKey()
			if err != nil {
				return err
			}

			fmt.Printf("Identity created.\nFingerprint: %s\nPublic key:  %x\n",
				crypto.Fingerprint(id.SigningPublic), dhPub)
			return nil
		},
	}
}
