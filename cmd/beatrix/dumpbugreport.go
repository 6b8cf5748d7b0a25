package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/beatrix-ha/beatrix/internal/config"
	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/model"
	"github.com/beatrix-ha/beatrix/internal/notebook"
)

// buildDumpBugReportCmd creates the "dump-bug-report" command: writes the
// latest diagnostic bundle (states snapshot, services snapshot,
// automations, cues) to a timestamped directory.
func buildDumpBugReportCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "dump-bug-report",
		Short: "Write a diagnostic snapshot for bug reports",
		Long: `Fetch a states and services snapshot from the hub, list the notebook's
current automations and cues, and write them all to a timestamped directory
under the output root (default: ./bug-reports).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runDumpBugReport(cmd.Context(), configPath, dbPath, outDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the signal store database (informational; included in the bundle's manifest)")
	cmd.Flags().StringVar(&outDir, "out", "bug-reports", "Directory under which the timestamped bundle is written")

	return cmd
}

func runDumpBugReport(ctx context.Context, configPath, dbPath, outDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Notebook.Path, ".beatrix.db")
	}

	logger := slog.Default()

	h, err := hub.New(hub.Config{BaseURL: cfg.Hub.URL, Token: cfg.Hub.Token})
	if err != nil {
		return fmt.Errorf("build hub client: %w", err)
	}

	nb := notebook.New(cfg.Notebook.Path, logger)

	bundleDir := filepath.Join(outDir, time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	states, statesErr := h.FetchStates(ctx)
	if statesErr != nil {
		logger.Warn("dump-bug-report: fetch states failed", "error", statesErr)
	}
	if err := writeJSON(filepath.Join(bundleDir, "states.json"), states); err != nil {
		return err
	}

	services, servicesErr := h.FetchServices(ctx)
	if servicesErr != nil {
		logger.Warn("dump-bug-report: fetch services failed", "error", servicesErr)
	}
	if err := writeJSON(filepath.Join(bundleDir, "services.json"), services); err != nil {
		return err
	}

	automations, automationsErr := nb.Scan()
	if automationsErr != nil {
		logger.Warn("dump-bug-report: scan automations failed", "error", automationsErr)
	}
	if err := writeJSON(filepath.Join(bundleDir, "automations.json"), automationSummaries(automations)); err != nil {
		return err
	}

	cues, cuesErr := nb.ScanCues()
	if cuesErr != nil {
		logger.Warn("dump-bug-report: scan cues failed", "error", cuesErr)
	}
	if err := writeJSON(filepath.Join(bundleDir, "cues.json"), automationSummaries(cues)); err != nil {
		return err
	}

	manifest := map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"db_path":      dbPath,
		"notebook":     cfg.Notebook.Path,
		"errors":       collectErrors(statesErr, servicesErr, automationsErr, cuesErr),
	}
	if err := writeJSON(filepath.Join(bundleDir, "manifest.json"), manifest); err != nil {
		return err
	}

	logger.Info("wrote bug report bundle", "dir", bundleDir)
	fmt.Println(bundleDir)
	return nil
}

// automationSummaries strips Automation.Contents down to hash/fileName plus
// a length, so the bundle doesn't leak full automation prose by default.
func automationSummaries(automations []model.Automation) []map[string]any {
	out := make([]map[string]any, 0, len(automations))
	for _, a := range automations {
		out = append(out, map[string]any{
			"hash":          a.Hash,
			"fileName":      a.FileName,
			"contentsBytes": len(a.Contents),
		})
	}
	return out
}

func collectErrors(errs ...error) []string {
	var out []string
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
