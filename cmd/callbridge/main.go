package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"callbridge/database"
	"callbridge/internal/config"
	"callbridge/internal/directory"
	"callbridge/internal/logging"
	"callbridge/internal/lookup"
	"callbridge/internal/microservices/callmonitor"
	"callbridge/internal/microservices/status"
	"callbridge/internal/microservices/storage"
	"callbridge/internal/microservices/tcp"
	"callbridge/internal/netutil"
	"callbridge/internal/pipeline"
	"callbridge/internal/reconnect"
	"callbridge/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	// Configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Setup structured logging
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("callbridge_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("callbridge_stopped_gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	areas, aliases := loadLookups(cfg, logger)

	dir, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if dir != nil {
		defer dir.Close()
	}

	var backup *os.File
	if cfg.Database.BackupFile != "" {
		backup, err = os.OpenFile(cfg.Database.BackupFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		defer backup.Close()
	}

	// downstream storage, queried by clients through the broadcast server
	store := storage.NewClient(cfg.Storage.WriteTimeout, logger)

	server := tcp.NewServer(tcp.ServerConfig{
		Host:      cfg.Server.Host,
		BindRetry: cfg.Server.BindRetry,
		Limits:    transport.Limits{MaxMessageBytes: cfg.Server.MaxMessageBytes},
		Queries:   store,
		Logger:    logger,
	})
	if err := server.Init(); err != nil {
		return err
	}

	notifications := make(chan callmonitor.Notification, 16)
	listener := callmonitor.NewListener(notifications, logger)

	links := reconnect.NewManager(reconnect.Config{
		Upstream: reconnect.EndpointConfig{
			Name:      "upstream",
			Address:   cfg.MonitorAddr(),
			OnConnect: listener.Start,
		},
		Downstream: reconnect.EndpointConfig{
			Name:      "downstream",
			Address:   cfg.StorageAddr(),
			OnConnect: store.Attach,
			OnClose:   store.Detach,
		},
		RetryInterval: cfg.Storage.RetryInterval,
		WriteTimeout:  cfg.Storage.WriteTimeout,
		Logger:        logger,
	}, store)
	listener.OnListening = links.Upstream().MarkListening
	listener.OnLost = func(conn net.Conn, err error) {
		links.Lost(links.Upstream(), conn, err)
	}

	pcfg := pipeline.Config{
		Broadcaster:   server,
		Persister:     links,
		Areas:         areas,
		Aliases:       aliases,
		LookupTimeout: cfg.Lookup.Timeout,
		Logger:        logger,
	}
	if dir != nil {
		pcfg.Finder = dir
	}
	if backup != nil {
		pcfg.Backup = backup
	}
	handler := pipeline.New(pcfg)

	if err := server.Run(cfg.Server.Port); err != nil {
		return err
	}
	defer server.Disconnect()
	logger.Info("starting_callbridge",
		"server_port", cfg.Server.Port,
		"monitor_addr", cfg.MonitorAddr(),
		"storage_addr", cfg.StorageAddr(),
	)

	g, gctx := errgroup.WithContext(ctx)

	linkEvents := startLinkMonitor(gctx, g, logger)

	links.Start(gctx)
	g.Go(func() error { return links.Run(gctx, linkEvents) })
	g.Go(func() error {
		if err := handler.Run(gctx, notifications); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.Status.Port != 0 {
		router := status.NewRouter(status.NewHandler(server.Manager, links, server), logger)
		addr := net.JoinHostPort("", strconv.Itoa(cfg.Status.Port))
		g.Go(func() error { return status.Serve(gctx, addr, router, logger) })
	}

	err = g.Wait()
	listener.Close()
	links.Close()
	return err
}

// startLinkMonitor returns nil when link events are unavailable; the
// reconnect timers then carry recovery alone.
func startLinkMonitor(ctx context.Context, g *errgroup.Group, logger *slog.Logger) <-chan netutil.LinkEvent {
	mon, err := netutil.NewMonitor(logger)
	if err != nil {
		logger.Warn("link_monitor_unavailable", "error", err)
		return nil
	}
	events := make(chan netutil.LinkEvent, 8)
	g.Go(func() error {
		defer mon.Close()
		if err := mon.Run(ctx, events); err != nil && ctx.Err() == nil {
			logger.Warn("link_monitor_stopped", "error", err)
		}
		return nil
	})
	return events
}

func loadLookups(cfg *config.Config, logger *slog.Logger) (*lookup.AreaCodes, *lookup.Aliases) {
	var areas *lookup.AreaCodes
	if cfg.Lookup.AreaCodes != "" {
		ac, err := lookup.LoadAreaCodes(cfg.Lookup.AreaCodes)
		if err != nil {
			logger.Warn("area_codes_unavailable", "path", cfg.Lookup.AreaCodes, "error", err)
		} else {
			logger.Info("area_codes_loaded", "count", ac.Len())
			areas = ac
		}
	}
	var aliases *lookup.Aliases
	if cfg.Lookup.MSNFile != "" {
		a, err := lookup.LoadAliases(cfg.Lookup.MSNFile)
		if err != nil {
			logger.Warn("msn_aliases_unavailable", "path", cfg.Lookup.MSNFile, "error", err)
		} else {
			aliases = a
		}
	}
	return areas, aliases
}

// openDirectory returns nil when no database is configured.
func openDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*directory.Directory, error) {
	if cfg.Database.URL == "" {
		logger.Info("caller_directory_disabled")
		return nil, nil
	}
	db, err := database.OpenGorm(cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	repo := directory.NewRepository(db)

	var cache *directory.Cache
	if cfg.Cache.RedisURL != "" {
		cache, err = directory.NewCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			// the directory still works from PostgreSQL alone
			logger.Warn("redis_unavailable", "error", err)
			cache = nil
		}
	}
	return directory.New(repo, cache, logger), nil
}
