// Package app assembles the store, engine and worker shared by both binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"salon-waitlist/internal/config"
	"salon-waitlist/internal/notify"
	"salon-waitlist/internal/policy"
	"salon-waitlist/internal/queue"
	"salon-waitlist/internal/report"
	"salon-waitlist/internal/store"
	"salon-waitlist/internal/waitlist"
	"salon-waitlist/internal/worker"
)

// App holds the wired components. Close releases them.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Backend
	Redis     *redis.Client
	Retries   *queue.ChainQueue
	Notifier  waitlist.Notifier
	Engine    *waitlist.Engine
	Processor *worker.Processor
}

// NewLogger builds the text logger used by the binaries.
func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// New connects the store and Redis and builds the engine and processor.
// Migrations are applied when migrate is true.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (*App, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	var resolver waitlist.PolicyResolver = st
	if cfg.PolicyFile != "" {
		f, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("cooldown policies loaded from file", "path", cfg.PolicyFile, "count", f.Len())
		resolver = f
	}

	var notifier waitlist.Notifier = notify.Noop{}
	if cfg.NotifierURL != "" {
		notifier = notify.NewHTTP(cfg.NotifierURL, cfg.NotifierTimeout)
	} else {
		logger.Warn("NOTIFIER_URL not set, freed slots will not be chained")
	}

	client := queue.NewRedisClient(cfg)
	retries := queue.NewChainQueue(client, cfg.ChainDLQName)

	opts := []waitlist.Option{
		waitlist.WithLogger(logger),
		waitlist.WithProcessorName(cfg.ProcessorName),
	}
	if cfg.NotifierURL != "" {
		opts = append(opts, waitlist.WithChainRetries(retries))
	}
	engine := waitlist.New(st, resolver, notifier, opts...)

	reports, err := report.NewWriter(ctx, cfg)
	if err != nil {
		client.Close()
		st.Close()
		return nil, err
	}
	var writer worker.ReportWriter
	if reports != nil {
		writer = reports
	}

	var drainNotifier waitlist.Notifier
	if cfg.NotifierURL != "" {
		drainNotifier = notifier
	}
	proc := worker.NewProcessor(cfg, engine, retries, drainNotifier, writer, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Redis:     client,
		Retries:   retries,
		Notifier:  notifier,
		Engine:    engine,
		Processor: proc,
	}, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
