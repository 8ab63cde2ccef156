package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/catalog"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine/bleveidx"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/engine/native"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/events"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/router"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/server"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/searchserver/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/searchserver/pkg/rpc"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load existing indices and serve HTTP, RPC and Kafka ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// cleanup collects close functions and runs them in reverse order.
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting searchserver",
		"port", cfg.Server.Port,
		"data_dir", cfg.Catalog.DataDir,
		"engine", cfg.Catalog.Engine,
	)
	var closers cleanup
	defer closers.run()

	checker := health.NewChecker()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		ms := metrics.NewServer(cfg.Metrics.Port, metrics.Handler())
		if err := ms.Start(); err != nil {
			return err
		}
		closers.add(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(ctx)
		})
	}

	qc, err := buildCache(ctx, cfg, m, checker, &closers)
	if err != nil {
		return err
	}
	pub, err := buildEvents(ctx, cfg, m, checker)
	if err != nil {
		return err
	}
	pub.Start()
	closers.add(func() {
		if err := pub.Close(); err != nil {
			slog.Warn("closing event sinks", "error", err)
		}
	})

	cat, err := catalog.New(catalog.Config{
		DataDir: cfg.Catalog.DataDir,
		Defaults: catalog.IndexOptions{
			Engine:          cfg.Catalog.Engine,
			CommitInterval:  cfg.Catalog.CommitInterval,
			CommitThreshold: cfg.Catalog.CommitThreshold,
			WriterPolicy:    catalog.WriterPolicy(cfg.Catalog.WriterPolicy),
		},
		DrainTimeout: cfg.Catalog.DrainTimeout,
		LoadWorkers:  cfg.Catalog.LoadWorkers,
	},
		catalog.WithEngines(native.New(native.WithMergeThreshold(cfg.Catalog.MergeThreshold)), bleveidx.New()),
		catalog.WithCache(qc),
		catalog.WithEvents(pub),
		catalog.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("creating catalog: %w", err)
	}
	if errs := cat.LoadExisting(ctx); len(errs) > 0 {
		for _, err := range errs {
			slog.Error("index skipped", "error", err)
		}
	}
	checker.Register("catalog", server.CatalogCheck(cat))

	r := router.New(cat, router.Limits{
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxResults:   cfg.Search.MaxResults,
	})

	httpSrv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.NewHTTP(r, server.Options{
			Timeout: cfg.Server.WriteTimeout,
			Metrics: m,
			Health:  checker,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + time.Second,
	}

	var rpcSrv *rpc.Server
	if cfg.RPC.Enabled {
		rpcSrv = rpc.NewServer()
		server.RegisterRPC(rpcSrv, r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if rpcSrv != nil {
		g.Go(func() error {
			if err := rpcSrv.ListenAndServe(cfg.RPC.Addr); err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		})
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.DocumentIngest != "" {
		consumer := ingest.New(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topics.DocumentIngest,
			GroupID: cfg.Kafka.ConsumerGroup,
		}, r, m)
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		checker.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		if rpcSrv != nil {
			rpcSrv.Stop()
		}

		if err := cat.Shutdown(context.Background()); err != nil {
			slog.Error("catalog drain incomplete", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("searchserver stopped")
	return err
}

// buildCache selects the query-result cache backend. An unreachable Redis
// falls back to the in-process cache rather than failing startup.
func buildCache(ctx context.Context, cfg *config.Config, m *metrics.Metrics, checker *health.Checker, closers *cleanup) (*cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "none":
		return nil, nil
	case "redis":
		client, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, using in-process cache", "error", err)
			break
		}
		closers.add(func() { _ = client.Close() })
		checker.Register("redis", health.Ping(client.Ping, true))
		breaker := resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				m.SetBreakerState(name, int(to))
			},
		})
		slog.Info("query cache enabled", "backend", "redis", "addr", cfg.Redis.Addr, "ttl", cfg.Cache.TTL)
		return cache.New(cache.NewRedisBackend(client, cfg.Cache.TTL, breaker), m), nil
	}
	slog.Info("query cache enabled", "backend", "memory", "size", cfg.Cache.Size, "ttl", cfg.Cache.TTL)
	return cache.New(cache.NewMemoryBackend(cfg.Cache.Size, cfg.Cache.TTL), m), nil
}

// buildEvents assembles the event sinks: always the log, plus Kafka when
// brokers are configured and the Postgres journal when enabled.
func buildEvents(ctx context.Context, cfg *config.Config, m *metrics.Metrics, checker *health.Checker) (*events.Publisher, error) {
	sinks := []events.Sink{events.NewLogSink()}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.IndexComplete != "" {
		sinks = append(sinks, events.NewKafkaSink(kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.IndexComplete)))
		slog.Info("index events published to kafka", "topic", cfg.Kafka.Topics.IndexComplete)
	}

	if cfg.Journal.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connecting to journal database: %w", err)
		}
		if err := db.Exec(ctx, events.JournalSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating journal table: %w", err)
		}
		checker.Register("postgres", health.Ping(db.Ping, true))
		sinks = append(sinks, events.NewJournalSink(db, db.Close))
		slog.Info("index events journaled to postgres", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	}

	return events.NewPublisher(sinks, events.WithMetrics(m)), nil
}
