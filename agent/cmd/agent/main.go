package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecoskeleton/sensorflow/agent/internal/alerts"
	"github.com/ecoskeleton/sensorflow/agent/internal/api"
	"github.com/ecoskeleton/sensorflow/agent/internal/config"
	"github.com/ecoskeleton/sensorflow/agent/internal/history"
	"github.com/ecoskeleton/sensorflow/agent/internal/metrics"
	"github.com/ecoskeleton/sensorflow/agent/internal/pipeline"
	"github.com/ecoskeleton/sensorflow/agent/internal/registry"
	"github.com/ecoskeleton/sensorflow/agent/internal/storage"
	"github.com/ecoskeleton/sensorflow/agent/internal/store"
	"github.com/ecoskeleton/sensorflow/agent/internal/transport"
	"github.com/ecoskeleton/sensorflow/agent/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sensorflow-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setLevel(level, cfg.Agent.LogLevel)
	slog.Info("config loaded",
		"http_addr", cfg.Agent.HTTPAddr,
		"nats_url", cfg.Transport.NATS.URL,
		"poll_sources", len(cfg.Transport.Poll.Sources),
		"storage", cfg.Storage.Backends,
		"alert_rules", len(cfg.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, level); err != nil {
		slog.Error("sensorflow-agent stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("sensorflow-agent shut down")
}

func run(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) error {
	sink, querier, closers, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			c.Close() //nolint:errcheck
		}
	}()

	m := metrics.New()

	// Writes are queued so slow backends never stall the pipelines.
	async := storage.NewAsync(sink, cfg.Storage.BufferSize, cfg.Storage.MaxAttempts)
	async.OnAbandon(func(error) { m.StorageFailed() })
	go async.Run(ctx)

	m.RegisterGaugeFunc("storage_queue_depth", "Storage writes waiting to be delivered.",
		func() float64 { return float64(async.Pending()) })
	m.RegisterGaugeFunc("storage_dropped", "Storage writes evicted from a full queue.",
		func() float64 { return float64(async.Dropped()) })
	m.RegisterGaugeFunc("storage_given_up", "Storage writes dropped after the last retry.",
		func() float64 { return float64(async.Failed()) })

	st := store.New(cfg.Agent.SnapshotTTL)
	go st.Run(ctx)

	alertEngine := alerts.New(cfg.Alerts)

	engine := pipeline.New(
		registry.New(cfg.Agent.ResultCacheSize),
		history.New(cfg.Agent.HistorySize),
		async,
		pipeline.WithListener(m),
		pipeline.WithListener(st),
		pipeline.WithListener(alertEngine),
		pipeline.WithObserver(m),
	)
	if err := engine.ImportConfig(cfg.PipelineConfig()); err != nil {
		slog.Warn("some algorithms or pipelines were skipped", "err", err)
	}
	status := engine.Status()
	slog.Info("pipelines ready",
		"algorithms", status.TotalAlgorithms,
		"pipelines", status.TotalPipelines,
	)

	handle := func(ctx context.Context, r storage.Reading) {
		engine.HandleReading(ctx, r)
	}

	if cfg.Transport.NATS.URL != "" {
		sub := transport.NewNATS(cfg.Transport.NATS, handle)
		go func() {
			if err := sub.Run(ctx); err != nil {
				slog.Error("NATS transport stopped", "err", err)
			}
		}()
	}
	var sources api.SourceLister
	if len(cfg.Transport.Poll.Sources) > 0 {
		poller, err := transport.NewPoller(cfg.Transport.Poll, handle)
		if err != nil {
			return err
		}
		go poller.Run(ctx)
		sources = poller
	}

	go func() {
		err := config.Watch(ctx, configPath, func(updated *config.Config) error {
			setLevel(level, updated.Agent.LogLevel)
			alertEngine.SetConfig(updated.Alerts)
			if err := engine.ImportConfig(updated.PipelineConfig()); err != nil {
				return err
			}
			slog.Info("config hot-reloaded",
				"algorithms", len(engine.Registry().Configs()),
				"pipelines", len(engine.Pipelines()),
			)
			return nil
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	hub := ws.New(st, alertEngine, cfg.Agent.StreamInterval)
	go hub.Run(ctx)

	deps := api.Deps{
		Engine:     engine,
		Store:      st,
		Alerts:     alertEngine,
		Sources:    sources,
		AuthMode:   cfg.Agent.Auth.Mode,
		AuthHeader: cfg.Agent.Auth.EffectiveHeader(),
		APIKey:     cfg.Agent.Auth.Key(),
	}
	if querier != nil {
		deps.Querier = querier
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(deps))
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws/stream", hub)

	srv := &http.Server{
		Addr:              cfg.Agent.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Agent.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	slog.Info("sensorflow-agent shutting down", "pending_writes", async.Pending())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx) //nolint:errcheck
	alertEngine.Wait()
	return nil
}

// openStorage connects every configured backend. The returned querier is
// nil unless a backend can read results back.
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Sink, storage.Querier, []io.Closer, error) {
	var (
		tee     storage.Tee
		closers []io.Closer
		querier storage.Querier
	)
	if cfg.Enabled("postgres") {
		pg, err := storage.OpenPostgres(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, nil, err
		}
		tee = append(tee, pg)
		closers = append(closers, pg)
		querier = pg
		go pg.RunRetention(ctx, cfg.Postgres.Retention, cfg.Postgres.CleanupInterval)
		slog.Info("storage backend ready", "backend", "postgres", "retention", cfg.Postgres.Retention)
	}
	if cfg.Enabled("redis") {
		rd, err := storage.NewRedis(ctx, storage.RedisOptions{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password(),
			DB:            cfg.Redis.DB,
			ResultStream:  cfg.Redis.ResultStream,
			ReadingStream: cfg.Redis.ReadingStream,
			MaxLen:        cfg.Redis.MaxLen,
		})
		if err != nil {
			for _, c := range closers {
				c.Close() //nolint:errcheck
			}
			return nil, nil, nil, err
		}
		tee = append(tee, rd)
		closers = append(closers, rd)
		slog.Info("storage backend ready", "backend", "redis", "addr", cfg.Redis.Addr)
	}

	switch len(tee) {
	case 0:
		return storage.Discard{}, nil, nil, nil
	case 1:
		return tee[0], querier, closers, nil
	default:
		return tee, querier, closers, nil
	}
}

func setLevel(v *slog.LevelVar, name string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		slog.Warn("unknown log level, keeping current", "level", name)
		return
	}
	v.Set(l)
}
