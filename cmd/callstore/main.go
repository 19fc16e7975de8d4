package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"callbridge/database"
	"callbridge/internal/config"
	"callbridge/internal/directory"
	"callbridge/internal/history"
	"callbridge/internal/logging"
	"callbridge/internal/microservices/storage"
	"callbridge/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database.url (CB_DATABASE_URL) is required")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("callstore_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("callstore_stopped_gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := database.Connect(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	calls := history.NewStore(pool)
	if err := calls.Migrate(ctx); err != nil {
		return err
	}

	db, err := database.OpenGorm(cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	repo := directory.NewRepository(db)
	if err := repo.Migrate(); err != nil {
		return err
	}

	var cache *directory.Cache
	if cfg.Cache.RedisURL != "" {
		if cache, err = directory.NewCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL); err != nil {
			logger.Warn("redis_unavailable", "error", err)
			cache = nil
		}
	}
	dir := directory.New(repo, cache, logger)
	defer dir.Close()

	addr := net.JoinHostPort(cfg.Storage.Host, strconv.Itoa(cfg.Storage.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := storage.NewServer(storage.ServerConfig{
		History:        calls,
		Directory:      dir,
		RequestTimeout: cfg.Storage.WriteTimeout,
		Limits:         transport.Limits{MaxMessageBytes: cfg.Server.MaxMessageBytes},
		Logger:         logger,
	})
	return srv.Serve(ctx, ln)
}
