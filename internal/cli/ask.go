package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harun/otaku/internal/daemon"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/session"
	"github.com/spf13/cobra"
)

var (
	askStream  bool
	askJSON    bool
	askTimeout time.Duration
)

// stackOptions is overridden by tests to script the LLM providers
var stackOptions = daemon.StackOptions{}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Answer one query and print the answer",
	Long: `Answer one query in this process without a running daemon.
With --stream every node's output is printed to stderr as the run progresses.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print each node's output as it happens")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the result as JSON")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 0, "abort the query after this long (0 means no limit)")
	rootCmd.AddCommand(askCmd)
}

type askOutput struct {
	RunID  string `json:"run_id"`
	Answer string `json:"answer"`
	Steps  int    `json:"steps"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return fmt.Errorf("query must not be empty")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	opts := stackOptions
	if askStream {
		opts.Observer = streamObserver(cmd.ErrOrStderr())
	}
	stack, err := daemon.BuildStack(cfg, log.GetZerolog(), opts)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, askTimeout)
		defer cancel()
	}
	ctx = tracing.NewRequestContext(ctx)

	result, err := stack.Orchestrator.Run(ctx, query)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(askOutput{
			RunID:  result.RunID,
			Answer: result.Answer.Content,
			Steps:  result.Steps,
		})
	}

	_, err = fmt.Fprintln(out, result.Answer.Content)
	return err
}

func streamObserver(w io.Writer) orchestrator.Observer {
	return func(evt orchestrator.Event) {
		fmt.Fprintln(w, formatEvent(evt))
	}
}

// formatEvent renders one node event as a single line
func formatEvent(evt orchestrator.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", evt.Step, evt.Node)
	if evt.Expert != "" {
		fmt.Fprintf(&b, " %s", evt.Expert)
	}
	if evt.Scope == session.ScopeScratchpad {
		b.WriteString(" (scratchpad)")
	}
	b.WriteString(":")

	if text := strings.TrimSpace(evt.Message.Content); text != "" {
		b.WriteString(" ")
		b.WriteString(strings.Join(strings.Fields(text), " "))
	}
	for _, call := range evt.Message.ToolCalls {
		args, _ := json.Marshal(call.Arguments)
		fmt.Fprintf(&b, " -> %s(%s)", call.Name, args)
	}
	return b.String()
}
