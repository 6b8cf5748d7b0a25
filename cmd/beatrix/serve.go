package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/beatrix-ha/beatrix/internal/config"
	"github.com/beatrix-ha/beatrix/internal/hub"
	"github.com/beatrix-ha/beatrix/internal/notebook"
	"github.com/beatrix-ha/beatrix/internal/runtime"
	"github.com/beatrix-ha/beatrix/internal/store"
)

// shutdownGrace bounds how long in-flight jobs get to finish once a
// shutdown signal arrives.
const shutdownGrace = 5 * time.Second

// buildServeCmd creates the "serve" command: the primary long-running
// process that boots the automation runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath   string
		port         int
		notebookPath string
		testMode     bool
		evalMode     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the automation runtime",
		Long: `Start the automation runtime: boot the notebook, reconcile signals,
start the trigger engine, and run automations through the LLM tool loop as
their triggers fire.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config
  beatrix serve

  # Start against a specific notebook and port
  beatrix serve --notebook ./notebook --port 9000

  # Start in test mode: call-service never contacts the hub
  beatrix serve --test-mode

  # Start against the bundled mock hub fixtures, no network required
  beatrix serve --eval-mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), serveOpts{
				configPath:   configPath,
				port:         port,
				notebookPath: notebookPath,
				testMode:     testMode,
				evalMode:     evalMode,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON5 configuration file")
	cmd.Flags().IntVar(&port, "port", 0, "Override server.port (health endpoint)")
	cmd.Flags().StringVar(&notebookPath, "notebook", "", "Override notebook.path")
	cmd.Flags().BoolVar(&testMode, "test-mode", false, "Guard call-service: validate but never contact the hub")
	cmd.Flags().BoolVar(&evalMode, "eval-mode", false, "Boot against the mocks/ fixture hub instead of a live one")

	return cmd
}

type serveOpts struct {
	configPath   string
	port         int
	notebookPath string
	testMode     bool
	evalMode     bool
}

func runServe(ctx context.Context, opts serveOpts) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.notebookPath != "" {
		cfg.Notebook.Path = opts.notebookPath
	}

	logger := slog.Default()
	logger.Info("starting beatrix",
		"version", version,
		"commit", commit,
		"config", opts.configPath,
		"notebook", cfg.Notebook.Path,
		"test_mode", opts.testMode,
		"eval_mode", opts.evalMode,
	)

	nb := notebook.New(cfg.Notebook.Path, logger)

	st, err := store.Open(filepath.Join(cfg.Notebook.Path, ".beatrix.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	h, testMode, err := resolveHub(cfg, opts)
	if err != nil {
		return err
	}

	llmProvider, err := buildDefaultProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	rt := runtime.New(st, h, nb, llmProvider,
		runtime.WithLogger(logger),
		runtime.WithTestMode(testMode),
		runtime.WithProviderFactory(newProviderFactory(cfg, logger)),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Boot(ctx); err != nil {
		return fmt.Errorf("boot runtime: %w", err)
	}

	closeHealth := startHealthServer(cfg.Server.Port, logger)
	defer closeHealth()

	logger.Info("beatrix running", "port", cfg.Server.Port)
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight jobs", "grace", shutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("beatrix stopped gracefully")
	return nil
}

// resolveHub picks a live hub.Client or, in --eval-mode, the mocks/
// fixture hub (states.json/services.json); evalMode always implies
// testMode since the mock hub never reflects a real write.
func resolveHub(cfg *config.Config, opts serveOpts) (hub.Hub, bool, error) {
	if opts.evalMode {
		mock, err := hub.LoadMockHub(filepath.Join("mocks", "states.json"), filepath.Join("mocks", "services.json"))
		if err != nil {
			return nil, false, fmt.Errorf("load mock hub fixtures: %w", err)
		}
		return mock, true, nil
	}
	client, err := hub.New(hub.Config{BaseURL: cfg.Hub.URL, Token: cfg.Hub.Token})
	if err != nil {
		return nil, false, fmt.Errorf("build hub client: %w", err)
	}
	return client, opts.testMode, nil
}

// startHealthServer serves a minimal /healthz endpoint on port, returning a
// closer that shuts it down. A zero port disables it.
func startHealthServer(port int, logger *slog.Logger) func() {
	if port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logger.Warn("health endpoint unavailable", "error", err)
		return func() {}
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
