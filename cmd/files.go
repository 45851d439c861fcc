package cmd

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sshpool/internal/logging"
	"sshpool/internal/transfer"
)

var (
	mvOverwrite    bool
	putNoAtomic    bool
	putNoOverwrite bool
	putMode        string
)

// lsCmd represents the ls command
var lsCmd = &cobra.Command{
	Use:   "ls <alias> <dir>",
	Short: "List a remote directory",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		entries, err := a.client.List(ctx, args[0], args[1])
		if err != nil {
			logging.Logger().Fatal("Failed to list directory", zap.String("dir", args[1]), zap.Error(err))
		}
		for _, e := range entries {
			name := e.Name
			if e.IsDir {
				name += "/"
			}
			fmt.Printf("%s %10d %s %s\n", e.Mode, e.Size, e.ModTime.Format("2006-01-02 15:04"), name)
		}
	},
}

// mkdirCmd represents the mkdir command
var mkdirCmd = &cobra.Command{
	Use:   "mkdir <alias> <dir>",
	Short: "Create a remote directory",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		if err := a.client.Mkdir(ctx, args[0], args[1]); err != nil {
			logging.Logger().Fatal("Failed to create directory", zap.String("dir", args[1]), zap.Error(err))
		}
	},
}

// rmCmd represents the rm command
var rmCmd = &cobra.Command{
	Use:   "rm <alias> <path>",
	Short: "Remove a remote file or empty directory",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		if err := a.client.Delete(ctx, args[0], args[1]); err != nil {
			logging.Logger().Fatal("Failed to remove path", zap.String("path", args[1]), zap.Error(err))
		}
	},
}

// mvCmd represents the mv command
var mvCmd = &cobra.Command{
	Use:   "mv <alias> <from> <to>",
	Short: "Rename a remote path",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		if err := a.client.Rename(ctx, args[0], args[1], args[2], mvOverwrite); err != nil {
			logging.Logger().Fatal("Failed to rename",
				zap.String("from", args[1]),
				zap.String("to", args[2]),
				zap.Error(err))
		}
	},
}

// putCmd represents the put command
var putCmd = &cobra.Command{
	Use:   "put <alias> <local file|-> <remote path>",
	Short: "Upload a file",
	Long: `Upload a local file, or standard input when the local path is "-".
By default the file is written to a temporary name next to the target and
renamed into place, replacing an existing file.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		opts := transfer.DefaultOptions()
		opts.Atomic = !putNoAtomic
		opts.Overwrite = !putNoOverwrite
		if putMode != "" {
			mode, err := strconv.ParseUint(putMode, 8, 32)
			if err != nil {
				logging.Logger().Fatal("Invalid file mode", zap.String("mode", putMode), zap.Error(err))
			}
			opts.Mode = os.FileMode(mode)
		}

		var src io.Reader = os.Stdin
		if args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				logging.Logger().Fatal("Failed to open local file", zap.Error(err))
			}
			defer f.Close()
			src = f
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		if err := a.client.UploadFrom(ctx, args[0], src, args[2], opts); err != nil {
			logging.Logger().Fatal("Upload failed", zap.String("remote", args[2]), zap.Error(err))
		}
		logging.Logger().Info("Upload finished", zap.String("alias", args[0]), zap.String("remote", args[2]))
	},
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <alias> <remote path> [local file|-]",
	Short: "Download a file",
	Long: `Download a remote file. Without a local path the file is saved under its
base name in the current directory; "-" writes to standard output.`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		local := path.Base(args[1])
		if len(args) == 3 {
			local = args[2]
		}

		var dst io.Writer = os.Stdout
		if local != "-" {
			f, err := os.Create(local)
			if err != nil {
				logging.Logger().Fatal("Failed to create local file", zap.Error(err))
			}
			defer f.Close()
			dst = f
		}

		ctx, cancel := signalContext()
		defer cancel()
		a := newApp(ctx)
		defer a.Close()

		if err := a.client.DownloadTo(ctx, args[0], args[1], dst); err != nil {
			logging.Logger().Fatal("Download failed", zap.String("remote", args[1]), zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(lsCmd, mkdirCmd, rmCmd, mvCmd, putCmd, getCmd)

	mvCmd.Flags().BoolVarP(&mvOverwrite, "force", "f", false, "Replace the target if it exists")
	putCmd.Flags().BoolVar(&putNoAtomic, "no-atomic", false, "Write the target in place instead of via a temporary file")
	putCmd.Flags().BoolVar(&putNoOverwrite, "no-clobber", false, "Fail if the target exists")
	putCmd.Flags().StringVarP(&putMode, "mode", "m", "", "Octal permissions for the uploaded file, e.g. 0640")
}
