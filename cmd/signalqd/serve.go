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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DarlingtonDeveloper/signalq"
	"github.com/DarlingtonDeveloper/signalq/leakguard"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue daemon and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// kvCloser is a KV that owns resources.
type kvCloser interface {
	signalq.KV
	Close() error
}

func openKV(cfg StorageConfig) (kvCloser, error) {
	switch cfg.Driver {
	case "sqlite":
		return signalq.NewSQLiteKV(cfg.Path), nil
	default:
		bcfg := signalq.DefaultBadgerConfig(cfg.Path)
		bcfg.Logger = slog.Default().With("component", "badger")
		return signalq.OpenBadger(bcfg)
	}
}

func openRepository(ctx context.Context, cfg RepositoryConfig, nc *nats.Conn) (signalq.Repository, func(), error) {
	switch cfg.Driver {
	case "nats":
		if nc == nil {
			return nil, nil, errors.New("nats repository requires a NATS connection")
		}
		return signalq.NewNATSRepository(nc, cfg.RPCPrefix, cfg.RequestTimeout), func() {}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		repo := signalq.NewPGRepository(pool)
		if cfg.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return repo, pool.Close, nil
	}
}

func loadGuard(cfg GuardConfig, auditor leakguard.Auditor, source string) (*leakguard.Guard, error) {
	opts := leakguard.Options{DeviceInfo: map[string]any{"source": source}}
	if cfg.RulesFile == "" {
		return leakguard.NewDefault(auditor, opts)
	}
	data, err := os.ReadFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rules, err := leakguard.LoadRules(data)
	if err != nil {
		return nil, err
	}
	return leakguard.New(rules, auditor, opts), nil
}

func serve(ctx context.Context, cfg Config) error {
	kv, err := openKV(cfg.Storage)
	if err != nil {
		return err
	}
	defer kv.Close()

	observer := signalq.NewObserver(false)

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		natsOpts := []nats.Option{
			nats.Name(cfg.Source),
			nats.MaxReconnects(-1),
			nats.RetryOnFailedConnect(true),
		}
		// Without a probe, the NATS connection state is the connectivity signal.
		if cfg.Probe.URL == "" {
			natsOpts = append(natsOpts, signalq.NATSOptions(observer)...)
		}
		nc, err = nats.Connect(cfg.NATS.URL, natsOpts...)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
	}

	repo, closeRepo, err := openRepository(ctx, cfg.Repository, nc)
	if err != nil {
		return err
	}
	defer closeRepo()

	opts := signalq.DefaultNodeOptions()
	opts.MaxRetries = cfg.Queue.MaxRetries
	opts.InvokeTimeout = cfg.Queue.InvokeTimeout
	if nc != nil {
		opts.Drops = signalq.NewPublisher(nc, cfg.Source)
	}
	node := signalq.NewNode(signalq.NewQueueStore(kv, cfg.Queue.Key), repo, observer, opts)
	node.Watch(observer)

	guard, err := loadGuard(cfg.Guard, repo, cfg.Source)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/api/v1/queue", signalq.NewHandler(node, guard).Routes())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("signalqd listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Driver, "repository", cfg.Repository.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	switch {
	case cfg.Probe.URL != "":
		prober := signalq.NewProber(observer, cfg.Probe.URL, cfg.Probe.Interval, nil)
		prober.Start(gctx)
		g.Go(func() error {
			prober.Wait()
			return nil
		})
	case nc != nil:
		// Driven by the handlers installed at connect.
	default:
		observer.Set(true)
	}

	scheduler := signalq.NewScheduler(node, cfg.Queue.RetryBase, cfg.Queue.RetryMax)
	scheduler.Start(gctx)
	g.Go(func() error {
		scheduler.Wait()
		return nil
	})

	err = g.Wait()
	node.Wait()
	guard.Wait()
	slog.Info("signalqd stopped")
	return err
}
