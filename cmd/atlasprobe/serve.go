package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrdadan/atlasprobe/internal/api"
	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/history"
	"github.com/ahrdadan/atlasprobe/internal/nats"
	"github.com/ahrdadan/atlasprobe/internal/queue"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scenarios on demand over HTTP",
		Long: `Serve keeps one Chromium running and exposes the scenario catalog over HTTP.
Runs are queued on NATS JetStream and executed one at a time; progress is
available by polling, server-sent events or a websocket.

A local nats-server is started (and downloaded if needed) unless one is
already listening on --nats-url.`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	f := cmd.Flags()
	f.String("host", "0.0.0.0", "Address to listen on")
	f.Int("port", 8090, "Port to listen on")
	f.String("output-dir", "", "Directory for run screenshots (default: XDG data dir)")
	f.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	f.Bool("no-history", false, "Do not record runs in the history database")
	addBrowserFlags(cmd)

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	logger.Infof("Starting %s %s", config.AppName, getVersion())

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	chrome, err := startChrome(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopChrome(chrome, logger)

	catalog, err := scenario.NewCatalog(cfg)
	if err != nil {
		return err
	}

	var (
		recorder queue.Recorder
		reader   api.HistoryReader
	)
	if !cfg.NoHistory {
		store, err := history.Open(cfg.HistoryDir)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder, reader = store, store
		logger.Infof("Recording run history in %s", store.Path())
	}

	natsServer, err := nats.NewServer(nats.ServerConfig{
		BinPath:  cfg.NatsBin,
		StoreDir: cfg.NatsStore,
		URL:      cfg.NatsURL,
		AutoDL:   cfg.NatsAutoDL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := natsServer.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := natsServer.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop NATS")
		}
	}()

	queueManager, err := queue.NewManager(natsServer.GetJetStream(), logger)
	if err != nil {
		return err
	}
	processor := queue.NewScenarioProcessor(catalog, chrome, cfg, recorder, logger)
	if err := queueManager.Start(processor); err != nil {
		return err
	}
	defer queueManager.Stop()

	app := api.NewApp()
	app.Use(recover.New())
	app.Use(cors.New())

	accessLog := logger.WithField("component", "http").Writer()
	defer accessLog.Close()
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${status} ${method} ${path} ${latency}\n",
		Output: accessLog,
	}))

	runs := api.NewRunHandler(queueManager, reader, processor.Resolve, api.RouteConfigFrom(cfg))
	rateLimiter := api.SetupRoutes(app, api.NewHandler(chrome, catalog), runs, api.RouteConfigFrom(cfg))
	defer rateLimiter.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Listening on %s (API base %s)", addr, cfg.APIBaseURL())
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
