package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/otaku/internal/daemon"
	"github.com/harun/otaku/pkg/catalog"
	"github.com/harun/otaku/pkg/credentials"
	"github.com/harun/otaku/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the catalog tools bound to each enabled expert",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Listing never calls the API, so no credentials are read
	creds := credentials.NewMemoryStore(nil)
	catalogCfg := daemon.CatalogConfig(cfg, zerolog.Nop(), nil)
	client, err := catalog.NewClient(catalogCfg, creds)
	if err != nil {
		return err
	}
	refresher, err := catalog.NewRefresher(catalogCfg, creds)
	if err != nil {
		return err
	}
	exec := toolexecutor.New()
	if err := catalog.Register(exec, client, refresher); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Router\t%s\t%s\n", catalog.RefreshToolName, exec.GetTool(catalog.RefreshToolName).Description)
	for _, expert := range cfg.Orchestrator.Experts {
		names, err := daemon.ExpertToolNames(expert)
		if err != nil {
			return err
		}
		for _, name := range names {
			def := exec.GetTool(name)
			if def == nil {
				return fmt.Errorf("tool %s is not registered", name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", expert, name, def.Description)
		}
	}
	return w.Flush()
}
