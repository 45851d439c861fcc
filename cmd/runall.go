package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sshpool/internal/logging"
)

var runAllHosts []string

// runAllCmd represents the run-all command
var runAllCmd = &cobra.Command{
	Use:   "run-all -- <command...>",
	Short: "Run the same command on many hosts",
	Long: `Run a command concurrently on every listed host, or on every host the
inventory can enumerate, and print a summary line per host.

Example:
  sshpool run-all -- uptime
  sshpool run-all --hosts web,db -- df -h /`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req, err := buildRequest(strings.Join(args, " "))
		if err != nil {
			logging.Logger().Fatal("Invalid command", zap.Error(err))
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		results, err := a.client.ExecAll(ctx, runAllHosts, req)
		if err != nil {
			logging.Logger().Fatal("Failed to run command", zap.Error(err))
		}

		failed := 0
		for _, r := range results {
			switch {
			case r.Err != nil:
				failed++
				fmt.Printf("[%s] error: %v\n", r.Alias, r.Err)
			case r.Result.TimedOut:
				failed++
				fmt.Printf("[%s] timed out after %s\n", r.Alias, r.Result.Duration())
			default:
				if !r.Result.Success() {
					failed++
				}
				fmt.Printf("[%s] exit %d (%s)\n", r.Alias, r.Result.ExitCode, r.Result.Duration())
				for _, line := range strings.Split(strings.TrimRight(r.Result.Stdout, "\n"), "\n") {
					if line != "" {
						fmt.Printf("  %s\n", line)
					}
				}
			}
		}

		if failed > 0 {
			a.Close()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runAllCmd)
	addRequestFlags(runAllCmd)
	runAllCmd.Flags().StringSliceVar(&runAllHosts, "hosts", nil, "Comma-separated aliases (default: every listed host)")
}
