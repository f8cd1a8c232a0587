package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/securedm/crypto"
)

var (
	home    string
	verbose bool
)

const seedFile = "identity.seed"

func Execute() error {
	root := &cobra.Command{
		Use:   "securedm",
		Short: "End-to-end encrypted peer-to-peer messaging",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".securedm")
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.securedm)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(initCmd(), fingerprintCmd(), listenCmd(), sendCmd(), historyCmd())
	return root.Execute()
}

// loadIdentity reads the stored identity seed from the data dir.
func loadIdentity() (*crypto.Identity, error) {
	data, err := os.ReadFile(filepath.Join(home, seedFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no identity found in %s, run 'securedm init' first", home)
		}
		return nil, err
	}

	seed, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("corrupt identity seed: %w", err)
	}
	return crypto.IdentityFromSeed(seed)
}

// parsePeerKey decodes a peer's hex-encoded DH public key.
func parsePeerKey(arg string) ([32]byte, error) {
	var pk [32]byte
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) != 32 {
		return pk, fmt.Errorf("peer key must be 64 hex characters")
	}
	copy(pk[:], raw)
	return pk, nil
}
