// Command beatrix runs the agentic home-automation runtime: it watches a
// notebook of natural-language automations, schedules their triggers,
// executes them against a home-automation hub through an LLM tool loop, and
// exposes the same tool suites over a few supporting CLI surfaces.
//
// # Basic usage
//
// Start the runtime:
//
//	beatrix serve --config beatrix.yaml
//
// Expose the scheduling and execution tools over stdio JSON-RPC:
//
//	beatrix mcp --notebook ./notebook
//
// Run the evaluation harness against a scenario catalog:
//
//	beatrix evals --model claude-sonnet-4-20250514 --driver anthropic
//
// Bundle a diagnostic snapshot for bug reports:
//
//	beatrix dump-bug-report
//
// # Environment variables
//
//   - BEATRIX_CONFIG: path to the config file (default: beatrix.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_<NAME>_KEY: API key for the configured provider entry <name>
//   - OLLAMA_HOST: base URL for a local Ollama (OpenAI-compatible) server
//   - PORT: overrides server.port
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd builds the root command with every subcommand attached;
// separated from main for testability.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beatrix",
		Short: "beatrix - agentic home-automation runtime",
		Long: `beatrix watches a notebook of natural-language automations, schedules
their triggers, and executes them against a home-automation hub through an
LLM tool loop.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMcpCmd(),
		buildEvalsCmd(),
		buildDumpBugReportCmd(),
	)

	return rootCmd
}

// resolveConfigPath returns path if set, else $BEATRIX_CONFIG, else the
// default "beatrix.yaml" in the working directory.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("BEATRIX_CONFIG"); env != "" {
		return env
	}
	return "beatrix.yaml"
}
