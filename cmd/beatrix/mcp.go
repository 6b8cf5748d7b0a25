package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/beatrix-ha/beatrix/internal/config"
	"github.com/beatrix-ha/beatrix/internal/execution"
	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/mcpstdio"
	"github.com/beatrix-ha/beatrix/internal/scheduling"
	"github.com/beatrix-ha/beatrix/internal/store"
)

// mcpAutomationHash scopes scheduling-tool calls made over the stdio
// surface; external tool-hosts driving this command operate outside any one
// automation's scheduling run, so every signal they create is attributed to
// this fixed pseudo-automation rather than a real notebook hash.
const mcpAutomationHash = "mcp-external"

// buildMcpCmd creates the "mcp" command: exposes the scheduling and
// execution tool suites over stdio JSON-RPC for external tool-hosts.
func buildMcpCmd() *cobra.Command {
	var (
		configPath   string
		notebookPath string
		testMode     bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Expose the scheduling and execution tools over stdio JSON-RPC",
		Long: `Serve the scheduling and execution tool suites as a JSON-RPC 2.0 loop on
stdin/stdout, the same suites the automation runtime's LLM loop calls
directly, for external MCP-speaking tool hosts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runMcp(cmd.Context(), configPath, notebookPath, testMode)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	cmd.Flags().StringVar(&notebookPath, "notebook", "", "Override notebook.path")
	cmd.Flags().BoolVar(&testMode, "test-mode", false, "Guard call-service: validate but never contact the hub")

	return cmd
}

func runMcp(ctx context.Context, configPath, notebookPath string, testMode bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if notebookPath != "" {
		cfg.Notebook.Path = notebookPath
	}

	logger := slog.Default()
	logger.Info("starting beatrix mcp stdio surface", "notebook", cfg.Notebook.Path, "test_mode", testMode)

	h, err := hub.New(hub.Config{BaseURL: cfg.Hub.URL, Token: cfg.Hub.Token})
	if err != nil {
		return fmt.Errorf("build hub client: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Notebook.Path, ".beatrix.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	schedulingSuite := &scheduling.Suite{
		Store:          st,
		AutomationHash: mcpAutomationHash,
		KnownEntities: func(ctx context.Context) []string {
			states, err := h.FetchStates(ctx)
			if err != nil {
				return nil
			}
			ids := make([]string, 0, len(states))
			for _, s := range states {
				ids = append(ids, s.EntityID)
			}
			return ids
		},
	}
	executionSuite := &execution.Suite{
		Hub:      h,
		Store:    st,
		TestMode: testMode,
		Memory:   execution.NewMemory(filepath.Join(cfg.Notebook.Path, "memory.md")),
	}

	srv := mcpstdio.New(logger)
	srv.Register("scheduling", schedulingSuite.Registry())
	srv.Register("execution", executionSuite.Registry())

	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
