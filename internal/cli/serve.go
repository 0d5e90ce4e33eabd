package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/litetavern/internal/api/openai"
	"github.com/tjfontaine/litetavern/internal/api/tavern"
	"github.com/tjfontaine/litetavern/internal/card"
	"github.com/tjfontaine/litetavern/internal/config"
	"github.com/tjfontaine/litetavern/internal/server"
	"github.com/tjfontaine/litetavern/internal/session"
	"github.com/tjfontaine/litetavern/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var trace bool
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, trace, watch)
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "Export OpenTelemetry spans to stderr")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload prompt settings when the config file changes")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, trace, watch bool) error {
	logger, err := root.logger()
	if err != nil {
		return err
	}
	cfg, err := root.load()
	if err != nil {
		return err
	}

	var traceOut io.Writer
	if trace {
		traceOut = os.Stderr
	}
	shutdownTracer, err := telemetry.InitTracer("tavern", traceOut, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	client := openai.NewClient(cfg.Backend.APIKey,
		openai.WithBaseURL(cfg.Backend.BaseURL),
		openai.WithHTTPClient(&http.Client{Transport: telemetry.Transport(nil)}),
		openai.WithIdleTimeout(cfg.Backend.IdleTimeout),
		openai.WithLogger(logger),
	)
	backend := &session.OpenAIBackend{
		Client:    client,
		MaxTokens: cfg.Backend.MaxTokens,
		UserID:    cfg.Backend.UserID,
	}
	manager := session.NewManager(store, store, backend, sessionOptions(cfg), session.WithLogger(logger))

	api := tavern.NewAPI(tavern.Config{
		Importer:       card.NewImporter(card.WithLogger(logger)),
		Characters:     store,
		Conversations:  store,
		Sessions:       manager,
		MaxImportBytes: cfg.Import.MaxBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})

	srv := server.New(cfg.Server.Port, logger, server.NewAuthenticator(cfg.Server.APIKeyHashes))
	srv.Router.Mount("/v1", api)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		startWatch(ctx, root.configPath, manager, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// startWatch applies prompt and model changes to new turns. Other settings
// need a restart.
func startWatch(ctx context.Context, path string, manager *session.Manager, logger *slog.Logger) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file absent, hot reload disabled", slog.String("path", path))
		return
	}
	w, err := config.NewWatcher(path, logger)
	if err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		return
	}
	err = w.Watch(ctx, func(cfg *config.Config) {
		manager.SetOptions(sessionOptions(cfg))
		logger.Info("prompt settings reloaded",
			slog.String("model", cfg.Backend.Model),
			slog.String("language", cfg.Prompt.Language),
			slog.Bool("override", cfg.Prompt.Override.Enabled))
	})
	if err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
	}
}
