package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sshpool/internal/keys"
	"sshpool/internal/logging"
)

var (
	keygenDir        string
	keygenName       string
	keygenPassphrase bool
)

// keygenCmd represents the keygen command
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create or show the deploy key pair",
	Long: `Create an ed25519 key pair for host authentication, or reuse the one
already present, and print the public key for authorized_keys.

The passphrase, when requested, is read from SSHPOOL_KEY_PASSPHRASE.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		passphrase := ""
		if keygenPassphrase {
			passphrase = os.Getenv("SSHPOOL_KEY_PASSPHRASE")
			if passphrase == "" {
				logging.Logger().Fatal("passphrase is required (set SSHPOOL_KEY_PASSPHRASE)")
			}
		}

		kp, err := keys.GetOrGenerate(keygenDir, keygenName, passphrase)
		if err != nil {
			logging.Logger().Fatal("Failed to prepare key pair", zap.Error(err))
		}
		logging.Logger().Info("SSH key pair ready",
			zap.String("private_key", kp.PrivateKeyPath),
			zap.String("public_key", kp.PublicKeyPath))
		fmt.Print(kp.PublicKey)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)

	home, _ := os.UserHomeDir()
	keygenCmd.Flags().StringVarP(&keygenDir, "dir", "d", filepath.Join(home, ".ssh"), "Directory for the key files")
	keygenCmd.Flags().StringVarP(&keygenName, "name", "n", "sshpool_ed25519", "Private key file name")
	keygenCmd.Flags().BoolVar(&keygenPassphrase, "passphrase", false, "Encrypt the private key")
}
