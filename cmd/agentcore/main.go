// Command agentcore is a thin one-shot runner that wires the reactive agent
// runtime together for a single session: each invocation runs one turn and
// prints the reply; there is no interactive mode. It is the external
// collaborator described in spec.md §6 — the core itself knows nothing
// about flags, files, or process exit codes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrelrun/agentcore/internal/config"
	"github.com/kestrelrun/agentcore/internal/providers"
	"github.com/kestrelrun/agentcore/internal/runtime"
	"github.com/kestrelrun/agentcore/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		sessionID string
		prompt    string
		journal   string
		workspace string
		stream    bool
	)

	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Run one turn of the reactive agent runtime against a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			if journal == "" {
				journal = "./.agentcore/sessions"
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			cfg := config.Default()
			cfg.Stream = stream

			ag, err := runtime.New(cfg, journal, workspace, "", &providers.Fake{}, log)
			if err != nil {
				return fmt.Errorf("wiring agent: %w", err)
			}

			sink := func(ev models.Event) {
				b, _ := json.Marshal(ev)
				fmt.Fprintln(os.Stderr, string(b))
			}

			text, err := ag.Loop.Run(context.Background(), sessionID, prompt, sink)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	root.Flags().StringVar(&sessionID, "session", "", "session id (generated if empty)")
	root.Flags().StringVar(&prompt, "prompt", "", "initial user message")
	root.Flags().StringVar(&journal, "journal-dir", "", "directory for session journals")
	root.Flags().StringVar(&workspace, "workspace", ".", "workspace directory for the system prompt")
	root.Flags().BoolVar(&stream, "stream", false, "request a streamed reply")

	return root
}
