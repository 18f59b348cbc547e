package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"DarkLedger/internal/cluster"
	"DarkLedger/internal/config"
	"DarkLedger/internal/core"
	"DarkLedger/internal/event"
	"DarkLedger/internal/ingestion"
	"DarkLedger/internal/liquidation"
	"DarkLedger/internal/observability"
	"DarkLedger/internal/persistence"
	"DarkLedger/internal/projection"
	"DarkLedger/internal/query"
	"DarkLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const replayPageSize = 10_000

// run recovers the core from the latest verified snapshot plus the log,
// then serves until ctx is cancelled. Shutdown order matters: the runner
// stops first so the core is quiet, the persistence worker drains, and
// only then is the final snapshot taken.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	logger.Info().Msg("DarkLedger starting")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Str("dsn", redactDSN(cfg.PostgresDSN)).Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, componentLogger("migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- NATS ---
	// Connected before recovery: the cluster client is part of the core.
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, componentLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, componentLogger("nats")); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := cluster.EnsureRequestStream(ctx, js); err != nil {
		return fmt.Errorf("ensure cluster request stream: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, componentLogger("nats")); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// --- Core ---
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	clusterClient := cluster.NewClient(js, nc, metrics, componentLogger("cluster"))
	dbChecker := persistence.NewPostgresIdempotencyChecker(db, cfg.IdempotencyDBTimeout)
	ledgerCore := core.NewDeterministicCore(cfg.CoreOptions(), clusterClient, persistChan, projectionChan,
		dbChecker, metrics, componentLogger("core"))

	snapMgr := persistence.NewSnapshotManager(db, componentLogger("snapshot"))
	if _, err := persistence.Recover(ctx, ledgerCore, snapMgr, cfg.Cluster.CircuitBaseURL, replayPageSize, logger); err != nil {
		return err
	}

	// recovery recorded the definitions locally; this is the live handshake
	if err := ledgerCore.RegisterDefinitions(ctx, cfg.Cluster.CircuitBaseURL); err != nil {
		return fmt.Errorf("register computation definitions: %w", err)
	}
	logger.Info().Msg("computation definitions registered")

	// --- Ingestion ---
	rawChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, metrics, componentLogger("subscriber"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	submitChan := make(chan ingestion.Submission)
	submitService := ingestion.NewSubmitService(submitChan)
	runner := ingestion.NewRunner(ledgerCore, rawChan, submitChan, metrics, componentLogger("runner"))
	// everything recovered is already in the log
	acks := ingestion.NewAckTracker(ledgerCore.GetSequence() - 1)
	runner.DeferAcks(acks, ledgerCore)

	snapshotter := persistence.NewSnapshotter(snapMgr, ledgerCore, cfg.SnapshotInterval, metrics, componentLogger("snapshot"))
	runner.AfterApply(snapshotter.AfterApply)

	// --- Downstream of the core ---
	queryService := query.NewQueryService(db, cfg.CoreOptions().CollateralAsset, metrics)
	publisher := ingestion.NewOutboundPublisher(js, cfg.PublishBufferSize, metrics, componentLogger("publisher"))

	var keeper *liquidation.Keeper
	if cfg.Keeper.Enabled {
		keeper = liquidation.NewKeeper(liquidation.KeeperConfig{
			Interval:   cfg.Keeper.Interval,
			Liquidator: cfg.KeeperLiquidator(),
			Metrics:    metrics,
		}, queryService, submitService, componentLogger("keeper"))
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, componentLogger("persistence"))
	persistWorker.OnCommit(func(records []persistence.Record) {
		acks.Commit(records[len(records)-1].Event.Sequence)
		publisher.Enqueue(records)
		if keeper != nil {
			observeFacts(keeper, records, logger)
		}
	})
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, componentLogger("projection"))

	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Submitter:       submitService,
		Queries:         queryService,
		CollateralAsset: cfg.CollateralAsset,
		HealthChecker:   healthChecker,
	}, componentLogger("server"))

	// --- Goroutines ---
	// Workers outlive the serving context so they can drain after the
	// runner stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	errChan := make(chan error, 10)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	projDone := make(chan struct{})
	go func() {
		defer close(projDone)
		_ = projWorker.Run(workerCtx)
	}()
	go func() { _ = publisher.Run(workerCtx) }()
	go func() { _ = snapshotter.Run(workerCtx) }()

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(serveCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("runner: %w", err)
		}
	}()
	if keeper != nil {
		go func() { _ = keeper.Run(serveCtx) }()
	}
	go func() {
		if err := srv.ServeGRPC(serveCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.ServeHTTP(serveCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()
	go serveMetrics(serveCtx, cfg.MetricsAddr, errChan, logger)
	go sampleChannels(serveCtx, metrics, persistChan, projectionChan, rawChan)

	srv.SetServing(true)
	logger.Info().
		Int64("sequence", ledgerCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("DarkLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	srv.SetServing(false)
	subscriber.Stop()
	cancelServe()
	<-runnerDone

	// The core is quiet: nothing else sends on these.
	close(persistChan)
	close(projectionChan)
	<-persistDone
	<-projDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := snapshotter.Save(shutdownCtx, ledgerCore.CreateSnapshotState()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	cancelWorkers()

	logger.Info().Msg("DarkLedger shutdown complete")
	return runErr
}

// observeFacts hands committed facts to the keeper.
func observeFacts(keeper *liquidation.Keeper, records []persistence.Record, logger zerolog.Logger) {
	for _, rec := range records {
		for _, row := range rec.Facts {
			f, err := event.DecodeFact(row.FactType, row.Payload)
			if err != nil {
				logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("undecodable fact")
				continue
			}
			keeper.Observe(f)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, errChan chan<- error, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, persistChan, projectionChan chan core.CoreOutput, rawChan chan ingestion.RawEvent) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("projection", len(projectionChan), cap(projectionChan))
			metrics.SetChannelMetrics("inbound", len(rawChan), cap(rawChan))
		}
	}
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
