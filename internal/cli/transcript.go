package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/harun/otaku/pkg/session"
	"github.com/harun/otaku/pkg/transcript"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var transcriptLimit int

var transcriptCmd = &cobra.Command{
	Use:   "transcript [run-id]",
	Short: "Show recorded runs and their expert scratchpads",
	Long: `Without an argument, list the most recent runs.
With a run ID, print the run's shared history and every expert scratchpad.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTranscript,
}

func init() {
	transcriptCmd.Flags().IntVar(&transcriptLimit, "limit", 20, "number of runs to list")
	rootCmd.AddCommand(transcriptCmd)
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Transcript.Path); err != nil {
		return fmt.Errorf("no transcripts at %s", cfg.Transcript.Path)
	}

	store, err := transcript.NewSQLiteStore(transcript.Config{
		DBPath: cfg.Transcript.Path,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		runs, err := store.ListRuns(ctx, transcriptLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs recorded.")
			return nil
		}
		for _, run := range runs {
			fmt.Fprintf(out, "%s  %s  %-9s  %s\n", run.ID, run.StartedAt.Format(time.RFC3339), run.Status, oneLine(run.Query, 60))
		}
		return nil
	}

	run, err := store.GetRun(ctx, args[0])
	if errors.Is(err, transcript.ErrRunNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return err
	}
	entries, err := store.Entries(ctx, run.ID)
	if err != nil {
		return err
	}

	printRun(out, run, entries)
	return nil
}

func printRun(w io.Writer, run *transcript.Run, entries []transcript.Entry) {
	fmt.Fprintf(w, "Run:    %s\n", run.ID)
	fmt.Fprintf(w, "Query:  %s\n", run.Query)
	fmt.Fprintf(w, "Status: %s (%d steps)\n", run.Status, run.Steps)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:  %s\n", run.Error)
	}

	fmt.Fprintln(w, "\nShared history:")
	for _, e := range entries {
		if e.Scope == session.ScopeShared {
			printEntry(w, e)
		}
	}

	pads := transcript.Scratchpads(entries)
	dispatches := make([]int, 0, len(pads))
	for d := range pads {
		dispatches = append(dispatches, d)
	}
	sort.Ints(dispatches)
	for _, d := range dispatches {
		pad := pads[d]
		fmt.Fprintf(w, "\nScratchpad #%d (%s):\n", d, pad[0].Expert)
		for _, e := range pad {
			printEntry(w, e)
		}
	}
}

func printEntry(w io.Writer, e transcript.Entry) {
	role := e.Message.Role
	if e.Message.Name != "" {
		role += "/" + e.Message.Name
	}
	line := oneLine(e.Message.Content, 200)
	for _, call := range e.Message.ToolCalls {
		line += fmt.Sprintf(" -> %s", call.Name)
	}
	fmt.Fprintf(w, "  [%d] %s: %s\n", e.Step, role, line)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
