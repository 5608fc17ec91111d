// Command enginectl is a debug harness for exercising an Orchestrator from
// a terminal: create a session, send it a turn, watch the ephemeral event
// stream, end it. It is not a product front end — no channel adapters, no
// HTTP surface — just the shortest path from a cold process to a running
// session, grounded on cmd/nexus/main.go's cobra wiring.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrt/engine/internal/agent/providers"
	"github.com/agentrt/engine/internal/config"
	"github.com/agentrt/engine/internal/eventstore"
	"github.com/agentrt/engine/internal/hookengine"
	"github.com/agentrt/engine/internal/orchestrator"
	"github.com/agentrt/engine/internal/provider"
	"github.com/agentrt/engine/internal/runner"
	"github.com/agentrt/engine/internal/worktree"
)

var (
	version    = "dev"
	dbPath     string
	configPath string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "enginectl",
		Short:   "Debug harness for the session orchestrator",
		Version: version,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", ":memory:", "event store path (sqlite file, or :memory:)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "settings file (YAML or JSON5); unset uses built-in defaults")
	root.AddCommand(buildChatCmd())
	return root
}

// buildChatCmd wires a full Orchestrator and runs a single interactive
// session: one session.created event, then a read-eval-print loop that
// sends each line as a turn and prints the assistant's reply once the turn
// completes. ANTHROPIC_API_KEY must be set; this harness registers only the
// Anthropic route since exercising every vendor isn't the point of a debug
// command.
func buildChatCmd() *cobra.Command {
	var workspaceID string
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session against the Anthropic API",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey := os.Getenv("ANTHROPIC_API_KEY")
			if apiKey == "" {
				return fmt.Errorf("enginectl: ANTHROPIC_API_KEY is required")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("enginectl: load config: %w", err)
			}
			if !cmd.Flags().Changed("model") && cfg.Model != "" {
				model = cfg.Model
			}

			store, err := eventstore.Open(eventstore.Config{
				Path:              dbPath,
				EmbeddingsEnabled: cfg.Embeddings.Enabled,
				Logger:            slog.Default(),
			})
			if err != nil {
				return fmt.Errorf("enginectl: open event store: %w", err)
			}
			defer store.Close()

			backend, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey})
			if err != nil {
				return fmt.Errorf("enginectl: build anthropic provider: %w", err)
			}
			adapter := provider.NewAdapter(backend)
			adapter.Retry = cfg.Retry.Policy()
			dispatch := provider.NewDispatcher()
			dispatch.Register("claude-", adapter)

			hooks := hookengine.New(cfg.Hooks.Timeout(), nil, slog.Default())
			worktrees := worktree.New(cfg.Worktrees.CoordinatorConfig())

			o := orchestrator.New(orchestrator.Config{
				Store: store,
				Runner: runner.Config{
					Dispatch:  dispatch,
					MaxTokens: cfg.MaxTokens,
					MaxTurns:  8,
				},
				Hooks:     hooks,
				Worktrees: worktrees,
				Release:   cfg.Worktrees.Release(),
			})

			active, err := o.CreateSession(cmd.Context(), orchestrator.CreateOptions{
				WorkspaceID: workspaceID,
				Model:       model,
			})
			if err != nil {
				return fmt.Errorf("enginectl: create session: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s ready (model %s)\n", active.Session.ID, model)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, cancel := o.Subscribe(active.Session.ID)
			defer cancel()
			go printEphemeralEvents(cmd.ErrOrStderr(), events)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprint(cmd.OutOrStdout(), "> ")
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					fmt.Fprint(cmd.OutOrStdout(), "> ")
					continue
				}
				runCtx, cancelRun := context.WithTimeout(ctx, 2*time.Minute)
				err := o.Run(runCtx, active.Session.ID, runner.RunOptions{Text: line, Model: model})
				cancelRun()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "run error: %v\n", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), "> ")
			}

			return o.EndSession(context.Background(), active.Session.ID)
		},
	}

	cmd.Flags().StringVar(&workspaceID, "workspace", "default", "workspace id to attach the session to")
	cmd.Flags().StringVar(&model, "model", "claude-3-5-sonnet-latest", "model id to dispatch turns to")
	return cmd
}

func printEphemeralEvents(w interface{ Write([]byte) (int, error) }, events <-chan runner.EphemeralEvent) {
	for e := range events {
		if e.Kind == "text_delta" {
			continue // printed inline by the scanning loop instead of interleaved here
		}
		fmt.Fprintf(w, "[%s] %s\n", e.Kind, e.SessionID)
	}
}
