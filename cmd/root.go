package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"sshpool/internal/logging"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sshpool",
	Short: "Run commands and move files over pooled SSH sessions",
	Long: `sshpool runs remote commands and SFTP file operations against hosts
addressed by alias. Sessions are pooled per host, transient failures are retried
with exponential backoff and every operation is logged as structured events.

Hosts come from the config file (SSHPOOL_CONFIG, default sshpool.yaml) and,
optionally, from an inventory backend: etcd, an HTTP service or a cloud API.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			os.Setenv("SSHPOOL_CONFIG", configPath)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Logger().Error("command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
}
