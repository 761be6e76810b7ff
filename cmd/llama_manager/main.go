package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/italolelis/llama_manager/internal/cleanup"
	"github.com/italolelis/llama_manager/internal/config"
	"github.com/italolelis/llama_manager/internal/downloader"
	"github.com/italolelis/llama_manager/internal/hf"
	"github.com/italolelis/llama_manager/internal/http/rest"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/notifier"
	"github.com/italolelis/llama_manager/internal/registry"
	"github.com/italolelis/llama_manager/internal/scripts"
	"github.com/italolelis/llama_manager/internal/storage/sqlite"
	"github.com/italolelis/llama_manager/internal/supervisor"
	"github.com/italolelis/llama_manager/internal/telemetry"
	"github.com/italolelis/llama_manager/internal/transfer"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	// Logs go to stderr so commands can write their results to stdout.
	logger := slog.New(logctx.NewContextHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:    "llama_manager",
		Usage:   "manage llama.cpp models and scripts",
		Version: version,
		Action: func(c *cli.Context) error {
			return serve(c.Context, cfg)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Action: func(c *cli.Context) error {
					return serve(c.Context, cfg)
				},
			},
			variantsCommand(cfg),
			downloadCommand(cfg),
			historyCommand(cfg),
		},
	}

	if err := app.RunContext(logctx.WithLogger(ctx, logger), os.Args); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// services holds the components shared by the commands.
type services struct {
	telemetry  *telemetry.Telemetry
	db         *sql.DB
	history    *sqlite.InstrumentedDownloadRepository
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	hub        *hf.InstrumentedClient
	downloader *downloader.Downloader
	scripts    *scripts.Runner
}

func buildServices(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*services, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return nil, err
	}

	s := &services{
		telemetry:  tel,
		db:         database,
		history:    sqlite.NewInstrumentedDownloadRepository(database, tel),
		registry:   registry.New(),
		supervisor: supervisor.New(),
		hub:        hf.NewInstrumentedClient(hf.NewClient(cfg.HFBaseURL, cfg.HFToken, cfg.HFTimeout), tel),
	}

	// =========================================================================
	// Start Downloader
	fetcher, err := buildFetcher(cfg, s.supervisor, tel)
	if err != nil {
		database.Close()

		return nil, err
	}

	s.downloader = downloader.NewDownloader(cfg.ModelsDir, fetcher, s.hub, s.registry, s.history, tel)

	// =========================================================================
	// Start Script Runner
	catalog, err := scripts.LoadCatalog(cfg.ScriptsRoot, cfg.ScriptsFile)
	if err != nil {
		database.Close()

		return nil, fmt.Errorf("failed to load script catalog: %w", err)
	}

	s.scripts = scripts.NewRunner(catalog, s.supervisor, tel)

	return s, nil
}

func (s *services) Close() {
	// A download that outlived the shutdown deadline may still publish its
	// outcome.
	if s.registry.Len() == 0 {
		s.downloader.Close()
	}

	s.db.Close()
}

// buildFetcher is an abstract factory for the transfer backend.
func buildFetcher(cfg *config.Config, runner supervisor.Runner, tel *telemetry.Telemetry) (transfer.Fetcher, error) {
	var fetcher transfer.Fetcher

	switch cfg.Transfer.Backend {
	case transfer.BackendHTTP:
		fetcher = transfer.NewHTTPFetcher(
			transfer.WithHTTPClient(telemetry.NewHTTPClient(0)),
			transfer.WithMaxRedirects(cfg.Transfer.MaxRedirects),
			transfer.WithStallTimeout(cfg.Transfer.StallTimeout),
		)
	case transfer.BackendCurl:
		fetcher = transfer.NewCurlFetcher(runner,
			transfer.WithCurlPath(cfg.Transfer.CurlPath),
			transfer.WithCurlMaxRedirects(cfg.Transfer.MaxRedirects),
			transfer.WithCurlStallTimeout(cfg.Transfer.StallTimeout),
		)
	default:
		return nil, fmt.Errorf("invalid transfer backend: %s", cfg.Transfer.Backend)
	}

	return transfer.NewInstrumentedFetcher(fetcher, tel, cfg.Transfer.Backend), nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("llama manager starting...", "version", version, "log_level", cfg.LogLevel)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	svc, err := buildServices(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer svc.Close()

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, svc.downloader, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, svc, cfg)

	// In-flight downloads and script runs hold their handlers open, so they
	// are stopped as soon as the server starts shutting down.
	server.RegisterOnShutdown(func() {
		cancelled := svc.registry.CancelAll()
		signalled := svc.supervisor.Shutdown(ctx)

		logger.Info("stopping in-flight work", "downloads", cancelled, "processes", signalled)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress, "models_dir", cfg.ModelsDir)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		sweeper := cleanup.NewSweeper(cfg.ModelsDir, cfg.PartRetention, svc.downloader.InUse, tel)
		sweeper.Start(gctx, cfg.CleanupInterval)

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := svc.supervisor.Wait(ctx); err != nil {
			logger.Warn("child processes still running after shutdown", "live", len(svc.supervisor.Live()))
		}

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, svc *services, cfg *config.Config) *http.Server {
	models := rest.NewModelsHandler(svc.hub, svc.downloader, svc.history, cfg.HFToken)
	scriptsHandler := rest.NewScriptsHandler(svc.scripts, svc.scripts.Catalog(), svc.supervisor)

	return &http.Server{
		Addr:        cfg.Web.BindAddress,
		ReadTimeout: cfg.Web.ReadTimeout,
		IdleTimeout: cfg.Web.IdleTimeout,
		Handler:     rest.NewRouter(models, scriptsHandler, svc.telemetry),
		BaseContext: func(net.Listener) context.Context {
			// Requests keep the logger but are stopped through shutdown.
			return context.WithoutCancel(ctx)
		},
	}
}

func setupNotificationForDownloader(ctx context.Context, d *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL, Client: telemetry.NewHTTPClient(10 * time.Second)}
	}

	go func() {
		for outcome := range d.OnVariantFailed {
			logger.Error("variant download failed", "model_id", outcome.ModelID, "label", outcome.Label, "kind", outcome.Kind)

			if notifyErr := notif.Notify(ctx,
				"❌ Download failed for "+outcome.ModelID+" ("+outcome.Label+"): "+outcome.Err.Error(),
			); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()

	go func() {
		for outcome := range d.OnVariantFinished {
			logger.Info("variant download finished", "model_id", outcome.ModelID, "label", outcome.Label)

			if notifyErr := notif.Notify(ctx,
				"✅ Download finished for "+outcome.ModelID+" ("+outcome.Label+")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "model_id", outcome.ModelID, "err", notifyErr)
			}
		}
	}()
}
