package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sshpool/internal/command"
	"sshpool/internal/logging"
)

// exitTimedOut matches timeout(1)
const exitTimedOut = 124

var (
	execTimeout       time.Duration
	execPty           bool
	execPtyType       string
	execEnv           []string
	execNonIdempotent bool
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec <alias> -- <command...>",
	Short: "Run a command on one host",
	Long: `Run a command on the host named by alias and print its output.
The process exits with the remote exit status, or 124 when --timeout expired.

Example:
  sshpool exec web -- uptime
  sshpool exec db --timeout 30s --env PGDATA=/srv/pg -- pg_ctl status`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		req, err := buildRequest(strings.Join(args[1:], " "))
		if err != nil {
			logging.Logger().Fatal("Invalid command", zap.Error(err))
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		res, err := a.client.Exec(ctx, args[0], req)
		if err != nil {
			logging.Logger().Fatal("Command failed", zap.String("alias", args[0]), zap.Error(err))
		}

		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)

		switch {
		case res.TimedOut:
			logging.Logger().Error("Command timed out",
				zap.String("alias", args[0]),
				zap.Duration("timeout", execTimeout))
			a.Close()
			os.Exit(exitTimedOut)
		case res.ExitCode != 0:
			a.Close()
			os.Exit(res.ExitCode)
		}
	},
}

func buildRequest(commandLine string) (command.Request, error) {
	req := command.NewRequest(commandLine)
	req.Timeout = execTimeout
	req.Pty = execPty
	req.PtyType = execPtyType
	req.Idempotent = !execNonIdempotent

	for _, kv := range execEnv {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return req, fmt.Errorf("environment variable %q is not NAME=VALUE", kv)
		}
		if req.Env == nil {
			req.Env = map[string]string{}
		}
		req.Env[name] = value
	}
	return req, nil
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "Kill the command after this long (0 waits forever)")
	cmd.Flags().BoolVar(&execPty, "pty", false, "Allocate a pseudo-terminal")
	cmd.Flags().StringVar(&execPtyType, "pty-type", "xterm", "Terminal type for --pty")
	cmd.Flags().StringArrayVarP(&execEnv, "env", "e", nil, "Set a remote environment variable (NAME=VALUE, repeatable)")
	cmd.Flags().BoolVar(&execNonIdempotent, "non-idempotent", false, "Never retry the command")
}

func init() {
	rootCmd.AddCommand(execCmd)
	addRequestFlags(execCmd)
}
