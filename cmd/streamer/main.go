package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/streamsub/internal/api"
	"github.com/rickgao/streamsub/internal/config"
	"github.com/rickgao/streamsub/internal/database"
	"github.com/rickgao/streamsub/internal/stream"
	"github.com/rickgao/streamsub/internal/version"
	"github.com/rickgao/streamsub/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("streamer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("streamer stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pool *pgxpool.Pool
		pw   *writer.PayloadWriter
	)
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		var err error
		pool, err = database.Connect(ctx, cfg.Database.Timescale, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("database connected")
	}

	client := stream.New(streamConfig(cfg), logger)

	if pool != nil {
		pw = writer.NewPayloadWriter(
			writer.WriterConfig{
				BatchSize:     cfg.Writers.BatchSize,
				FlushInterval: cfg.Writers.FlushInterval,
			},
			client.Recorded(),
			pool,
			logger.With("component", "writer"),
		)
		if err := pw.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
	}

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start stream client: %w", err)
	}

	var apiClient *api.Client
	if cfg.API.RestURL != "" {
		apiClient = api.NewClient(
			cfg.API.RestURL,
			cfg.API.APIKey,
			api.WithLogger(logger.With("component", "api")),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, time.Second),
		)
	}

	handles := subscribeAll(client, cfg.Subscriptions, apiClient, logger)
	logger.Info("subscriptions registered", "count", len(handles))

	var (
		db pinger
		ws writerStats
	)
	if pool != nil {
		db, ws = pool, pw
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           newHealthHandler(cfg.Health.Path, client, db, ws),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		watchVisibility(gctx, client, logger)
		return nil
	})

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"url", cfg.Stream.URL,
		"recording", pw != nil,
	)

	err := g.Wait()

	logger.Info("shutting down...")

	for _, h := range handles {
		h.Unsubscribe()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := client.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("stream client stop", "error", stopErr)
	}
	if pw != nil {
		pw.Stop(shutdownCtx)
	}
	return err
}

// watchVisibility maps SIGUSR1 to Foreground and SIGUSR2 to Background
// until ctx is done.
func watchVisibility(ctx context.Context, client *stream.Client, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("foreground signal")
				client.Foreground()
			case syscall.SIGUSR2:
				hibernated := client.Background()
				logger.Info("background signal", "hibernated", hibernated)
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Environment, "production") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func streamConfig(cfg *config.Config) stream.Config {
	sc := stream.DefaultConfig()

	sc.Connection.Client.URL = cfg.Stream.URL
	sc.Connection.Client.HandshakeTimeout = cfg.Stream.HandshakeTimeout
	sc.Connection.Client.PingInterval = cfg.Stream.PingInterval
	sc.Connection.Client.PingTimeout = cfg.Stream.PingTimeout
	sc.Connection.Client.WriteTimeout = cfg.Stream.WriteTimeout
	sc.Connection.ReconnectDelay = cfg.Stream.ReconnectDelay
	sc.Connection.MaxAttempts = cfg.Stream.MaxAttempts
	sc.Connection.MessageBufferSize = cfg.Stream.MessageBufferSize

	sc.Idle.CheckInterval = cfg.Idle.CheckInterval
	sc.Idle.Threshold = cfg.Idle.Threshold

	sc.Poller.Interval = cfg.Poller.Interval
	sc.Poller.Timeout = cfg.Poller.Timeout

	sc.Router.Record = cfg.Database.Enabled
	sc.Router.RecordBufferSize = cfg.Writers.BufferSize

	return sc
}
