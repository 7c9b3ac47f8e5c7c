package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/api"
	"github.com/npezzotti/go-chatfleet/internal/broker"
	"github.com/npezzotti/go-chatfleet/internal/config"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/stats"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(logger); err != nil {
		logger.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func openRepository(cfg *config.Config) (*database.SQLEventRepository, error) {
	if cfg.DatabaseDSN == "" {
		return nil, nil
	}

	var (
		repo *database.SQLEventRepository
		err  error
	)
	switch cfg.DatabaseDriver {
	case "sqlite":
		repo, err = database.NewSqliteEventRepository(cfg.DatabaseDSN)
	default:
		repo, err = database.NewPgEventRepository(cfg.DatabaseDSN)
	}
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	return repo, nil
}

func newTransport(cfg *config.Config, logger *slog.Logger) broker.Transport {
	if cfg.BrokerURL == "" {
		logger.Warn("no broker configured, running single-node")
		return broker.NewMemoryBroker()
	}

	return broker.NewAMQPTransport(broker.AMQPConfig{
		URL:      cfg.BrokerURL,
		Exchange: cfg.BrokerExchange,
	}, logger)
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger = logger.With(slog.String("process_id", cfg.ProcessId))

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}

	var (
		archiver *database.Archiver
		history  database.EventRepository
	)
	if repo != nil {
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Error("db close", slog.Any("error", err))
			}
		}()
		history = repo
		archiver = database.NewArchiver(logger, repo, cfg.ArchiveQueueSize, statsUpdater)
		archiver.Run()
	} else {
		logger.Warn("no database configured, archiving disabled")
	}

	bridge := broker.NewBridge(logger, newTransport(cfg, logger), broker.Config{
		BufferSize:     cfg.PublishBufferSize,
		PublishTimeout: cfg.PublishTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		JitterPercent:  cfg.JitterPercent,
	}, statsUpdater)

	var serverArchiver server.Archiver
	if archiver != nil {
		serverArchiver = archiver
	}

	chatServer, err := server.NewChatServer(logger, bridge, serverArchiver, statsUpdater, server.Options{
		ProcessId:     cfg.ProcessId,
		SendQueueSize: cfg.SendQueueSize,
		DedupWindow:   cfg.DedupWindow,
		DedupCapacity: cfg.DedupCapacity,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	app := api.NewChatApp(mux, logger, chatServer, history, cfg)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- chatServer.Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", slog.Any("error", err))
		}
	case err := <-runErr:
		logger.Error("chat server stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", slog.Any("error", err))
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("chat server shutdown", slog.Any("error", err))
	}
	stopRun()

	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			logger.Error("archiver shutdown", slog.Any("error", err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}
