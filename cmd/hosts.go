package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sshpool/internal/config"
	"sshpool/internal/inventory"
	"sshpool/internal/logging"
)

// hostsCmd represents the hosts command
var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Inspect and edit the host inventory",
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every host alias the inventory can enumerate",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		inv := loadInventory(ctx)
		defer inv.Close()

		aliases, err := inv.Aliases(ctx)
		if err != nil {
			logging.Logger().Fatal("Failed to list hosts", zap.Error(err))
		}
		for _, alias := range aliases {
			fmt.Println(alias)
		}
	},
}

var hostsResolveCmd = &cobra.Command{
	Use:   "resolve <alias>",
	Short: "Show what an alias resolves to",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		inv := loadInventory(ctx)
		defer inv.Close()

		id, ok, err := inv.Resolve(ctx, args[0])
		if err != nil {
			logging.Logger().Fatal("Failed to resolve host", zap.String("alias", args[0]), zap.Error(err))
		}
		if !ok {
			logging.Logger().Fatal("Host not found", zap.String("alias", args[0]))
		}
		defer id.ClearSensitive()

		fmt.Printf("Alias: %s\n", args[0])
		fmt.Printf("Key: %s\n", id.StableKey())
		fmt.Printf("Address: %s\n", id.Address())
		fmt.Printf("Auth: %s\n", id.Auth.Kind)
		fmt.Printf("Known hosts: %s %s\n", id.KnownHosts.Mode, id.KnownHosts.Path)
		fmt.Printf("Connect timeout: %s\n", id.ConnectTimeout)
		if v := id.VersionString(); v != "" {
			fmt.Printf("Version: %s\n", v)
		}
	},
}

var hostsPutCmd = &cobra.Command{
	Use:   "put <alias> <record file|->",
	Short: "Store a host record in the inventory backend",
	Long: `Store a YAML or JSON host record under alias. Only backends that keep
records (etcd) accept writes.

Example record:
  host: 10.0.0.5
  username: deploy
  private_key_path: ~/.ssh/deploy`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var (
			data []byte
			err  error
		)
		if args[1] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[1])
		}
		if err != nil {
			logging.Logger().Fatal("Failed to read host record", zap.Error(err))
		}

		ctx, cancel := signalContext()
		defer cancel()
		inv := loadInventory(ctx)
		defer inv.Close()

		w := writerOf(inv)
		if err := w.Put(ctx, args[0], data); err != nil {
			logging.Logger().Fatal("Failed to store host", zap.String("alias", args[0]), zap.Error(err))
		}
		logging.Logger().Info("Host stored", zap.String("alias", args[0]))
	},
}

var hostsDeleteCmd = &cobra.Command{
	Use:   "delete <alias>",
	Short: "Remove a host record from the inventory backend",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		inv := loadInventory(ctx)
		defer inv.Close()

		if err := writerOf(inv).Delete(ctx, args[0]); err != nil {
			logging.Logger().Fatal("Failed to delete host", zap.String("alias", args[0]), zap.Error(err))
		}
		logging.Logger().Info("Host deleted", zap.String("alias", args[0]))
	},
}

func loadInventory(ctx context.Context) *inventory.Inventory {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}
	inv, err := inventory.New(ctx, cfg)
	if err != nil {
		logging.Logger().Fatal("Failed to create inventory", zap.Error(err))
	}
	return inv
}

func writerOf(inv *inventory.Inventory) inventory.Writer {
	w, ok := inv.Writer()
	if !ok {
		logging.Logger().Fatal("The configured inventory does not store host records")
	}
	return w
}

func init() {
	rootCmd.AddCommand(hostsCmd)
	hostsCmd.AddCommand(hostsListCmd, hostsResolveCmd, hostsPutCmd, hostsDeleteCmd)
}
