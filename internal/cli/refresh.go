package cli

import (
	"fmt"

	"github.com/harun/otaku/internal/daemon"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/catalog"
	"github.com/harun/otaku/pkg/credentials"
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the MyAnimeList access token once",
	Long: `Exchange the stored refresh token for a new access token and write
both tokens back to the credentials file.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := credentials.NewFileStore(cfg.Credentials.Path, log.GetZerolog())
	if err != nil {
		return err
	}
	defer store.Close()

	refresher, err := catalog.NewRefresher(daemon.CatalogConfig(cfg, log.GetZerolog(), stackOptions.HTTPClient), store)
	if err != nil {
		return err
	}

	if err := refresher.Refresh(tracing.NewRequestContext(cmd.Context())); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Access token refreshed (%s)\n", store.Path())
	return nil
}
