package cli

import (
	"errors"
	"fmt"

	"github.com/harun/otaku/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the otaku daemon in the foreground",
	Long: `Run the otaku daemon in the foreground.
The daemon serves POST /v1/ask, the /ws event stream, /metrics and /healthz
on the gateway address and runs the scheduled token refresh. It stops on
SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Gateway.SharedSecret == "" {
		return errors.New("gateway.shared_secret must be set to serve")
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.NewWithOptions(cfg, log, stackOptions)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()
	return nil
}

// isRunning reports whether pidFile names a live process
func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
