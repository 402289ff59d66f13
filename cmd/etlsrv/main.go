package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/eventbus"
	"github.com/tansive/tabletenant/internal/common/logtrace"
	"github.com/tansive/tabletenant/internal/common/metrics"
	"github.com/tansive/tabletenant/internal/common/metrics/datadog"
	"github.com/tansive/tabletenant/internal/etlsrv/config"
	"github.com/tansive/tabletenant/internal/etlsrv/datamanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/dbmanager"
	"github.com/tansive/tabletenant/internal/etlsrv/db/migrations"
	"github.com/tansive/tabletenant/internal/etlsrv/db/postgresql"
	"github.com/tansive/tabletenant/internal/etlsrv/etl"
	"github.com/tansive/tabletenant/internal/etlsrv/jobs"
	"github.com/tansive/tabletenant/internal/etlsrv/quota"
	"github.com/tansive/tabletenant/internal/etlsrv/retention"
	"github.com/tansive/tabletenant/internal/etlsrv/server"
	"github.com/tansive/tabletenant/internal/etlsrv/tenant"
)

type cmdoptions struct {
	configFile *string
	migrate    *bool
}

func main() {
	opt := parseFlags()

	if err := config.LoadConfig(*opt.configFile); err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config file %q: %v\n", *opt.configFile, err)
		os.Exit(1)
	}
	cfg := config.Config()
	logtrace.InitLogger(cfg.LogLevel, cfg.LogPretty)

	slog := log.With().Str("state", "init").Logger()
	slog.Info().Str("config_file", *opt.configFile).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = slog.WithContext(ctx)

	if err := run(ctx, cfg, *opt.migrate); err != nil {
		slog.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ConfigParam, migrateOnly bool) error {
	pool, err := dbmanager.Open(ctx, cfg.DB.Dsn(), dbmanager.Options{
		StatementTimeout: config.MustDuration(cfg.DB.StatementTimeout),
		LockTimeout:      config.MustDuration(cfg.DB.LockTimeout),
		MaxOpenConns:     cfg.DB.MaxOpenConns,
		MaxIdleConns:     cfg.DB.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		return fmt.Errorf("unable to apply migrations: %w", err)
	}
	if migrateOnly {
		log.Ctx(ctx).Info().Msg("migrations applied")
		return nil
	}

	if cfg.Metrics.Backend == "datadog" {
		backend := datadog.NewBackend(ctx, datadog.Options{
			Env:        cfg.Metrics.Env,
			Tags:       cfg.Metrics.Tags,
			FlushEvery: config.MustDuration(cfg.Metrics.FlushInterval),
		})
		metrics.SetBackend(backend)
		defer func() {
			if err := backend.Close(); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("failed to flush metrics")
			}
		}()
	}

	store := postgresql.NewMetadataStore(pool)
	namespaces := tenant.NewManager(pool)

	var serializer quota.Serializer
	if cfg.Quota.Serializer == "local" {
		serializer = quota.NewLocalSerializer(store)
	} else {
		serializer = quota.NewAdvisorySerializer(pool, func(q dbmanager.Querier) quota.Store {
			return store.WithQuerier(q)
		})
	}
	ledger := quota.NewLedger(store, serializer, quota.Limits{
		MaxTables:   cfg.Quota.MaxTables,
		MaxSizeMB:   cfg.Quota.MaxSizeMB,
		WarnPercent: cfg.Quota.WarnPercent,
	})

	bus := eventbus.New()
	engines := jobs.NewPoolEngines(pool, store, config.MustDuration(cfg.DB.BulkStatementTimeout))
	pipeline := jobs.NewPipeline(namespaces, ledger, store, engines, cfg.Jobs.BatchSize)
	orchestrator := jobs.NewOrchestrator(jobs.Config{
		Workers:       cfg.Jobs.Workers,
		PollInterval:  config.MustDuration(cfg.Jobs.PollInterval),
		RetryAttempts: cfg.Jobs.RetryAttempts,
		MaxAttempts:   cfg.Jobs.MaxAttempts,
		RetryDelay:    config.MustDuration(cfg.Jobs.RetryDelay),
		MaxRetryDelay: config.MustDuration(cfg.Jobs.MaxRetryDelay),
		StaleAfter:    config.MustDuration(cfg.Jobs.StaleAfter),
		ShutdownGrace: config.MustDuration(cfg.Jobs.ShutdownGrace),
	}, store, pipeline, bus)

	if err := os.MkdirAll(cfg.Upload.Dir, 0o700); err != nil {
		return fmt.Errorf("unable to create upload directory: %w", err)
	}
	manager := datamanager.NewManager(datamanager.Config{
		UploadDir:     cfg.Upload.Dir,
		MaxFileSizeMB: cfg.Upload.MaxFileSizeMB,
	}, store, namespaces, ledger, etl.NewEngine(pool, store), orchestrator, bus)

	sweeper := retention.NewSweeper(retention.Config{
		SessionRetention: config.MustDuration(cfg.Retention.SessionRetention),
		AuditRetention:   config.MustDuration(cfg.Retention.AuditRetention),
		Interval:         config.MustDuration(cfg.Retention.SweepInterval),
		UploadDir:        cfg.Upload.Dir,
	}, store, orchestrator)

	s, err := server.CreateNewServer(manager, server.Options{
		HandleCORS:    cfg.HandleCORS,
		CORSOrigins:   cfg.CORSOrigin,
		MaxFileSizeMB: cfg.Upload.MaxFileSizeMB,
	})
	if err != nil {
		return fmt.Errorf("unable to create server: %w", err)
	}
	s.MountHandlers()

	orchestrator.Start(ctx)
	go sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           s.Router,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Str("addr", httpServer.Addr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Ctx(ctx).Info().Msg("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.MustDuration(cfg.Jobs.ShutdownGrace)+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("http shutdown incomplete")
	}
	orchestrator.Stop(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func parseFlags() cmdoptions {
	var opt cmdoptions
	opt.configFile = flag.String("config", "", "Path to the config file, defaults are used when empty")
	opt.migrate = flag.Bool("migrate", false, "Apply database migrations and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Println("Options:")
		flag.PrintDefaults()
	}
	flag.Parse()
	return opt
}
