package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/registry"
	"LendLedger/internal/server"
	"LendLedger/internal/state"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	logFile := observability.SetupLogOutput(cfg.LogFile)
	defer logFile.Close()

	logger := observability.NewLogger("main")
	logger.Info().Int("reserves", len(cfg.Reserves)).Msg("LendLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Registry and engine ---
	provider, store, oracle, err := bootstrapRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap registry")
	}
	entries := provider.Snapshot()
	for _, key := range registry.SortedKeys(entries) {
		logger.Info().Str("key", string(key)).Str("address", entries[key].Hex()).Msg("registry entry")
	}

	// --- Channels ---
	// The core blocks on persistCoreChan (backpressure) and drops on
	// projectionCoreChan when it is full.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	proc := core.NewProcessor(core.ProcessorConfig{
		Provider:       provider,
		Store:          store,
		Oracle:         oracle,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		DBChecker:      dbChecker,
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)

	snapSeq, err := restoreFromSnapshot(ctx, snapMgr, proc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("restore snapshot")
	}
	replayed, err := replayEventsFromLog(ctx, snapMgr, proc, snapSeq, metrics)
	if err != nil {
		logger.Fatal().Err(err).Int64("replayed", replayed).Msg("event replay failed")
	}
	logger.Info().
		Int64("snapshot_sequence", snapSeq).
		Int64("replayed", replayed).
		Int64("sequence", proc.GetSequence()).
		Msg("recovery complete")

	if keys, err := dbChecker.RecentKeys(ctx, cfg.RecentKeysOnStart); err != nil {
		logger.Warn().Err(err).Msg("warm idempotency LRU")
	} else {
		proc.WarmLRU(keys)
	}

	// --- Bridge and workers ---
	// Workers outlive ctx so that shutdown can drain what the core emitted.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	history := projection.NewLiquidationHistory(cfg.LiquidationHistorySize)
	errChan := make(chan error, 10)

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCoreOutputs(workerCtx, persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
	}()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, history, metrics, observability.NewLogger("projection"))
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	// --- Catalog seeding ---
	// Runs after the bridge starts: seed events are logged like any action.
	if len(cfg.Reserves) > 0 {
		seeds := make([]core.ReserveSeed, 0, len(cfg.Reserves))
		for _, r := range cfg.Reserves {
			seeds = append(seeds, core.ReserveSeed{Asset: r.Asset, Config: r.Config, Price: r.Price})
		}
		n, err := proc.Seed(seeds, time.Now().Unix())
		if err != nil {
			logger.Fatal().Err(err).Msg("seed reserve catalog")
		}
		logger.Info().Int("events", n).Msg("reserve catalog seeded")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics, observability.NewLogger("subscriber"))
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
	go func() {
		if err := outboundPublisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	// --- Services ---
	eventChan := make(chan event.Event, cfg.EventChanSize)
	ingestService := ingestion.NewGRPCIngestService(eventChan, cfg.IngestRatePerSecond, cfg.IngestBurst, metrics)
	queryService := query.NewQueryService(db, proc, history, metrics)

	snapshotNow := func(ctx context.Context) (int64, error) {
		return takeSnapshot(ctx, proc, snapMgr, metrics)
	}

	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestService,
		SnapshotMgr:   snapMgr,
		Live:          proc,
		TakeSnapshot:  snapshotNow,
		AdminToken:    cfg.AdminToken,
		HealthChecker: healthChecker,
		Logger:        observability.NewLogger("server"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build gRPC server")
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if status := nc.Status(); status != nats.CONNECTED {
			return errors.New("nats " + status.String())
		}
		return nil
	})

	// --- Ingestion loops ---
	var ingestWG sync.WaitGroup
	ingestWG.Add(2)
	go func() {
		defer ingestWG.Done()
		runIngestionLoop(ctx, rawEventChan, proc, metrics, observability.NewLogger("ingest"))
	}()
	go func() {
		defer ingestWG.Done()
		runGRPCIngestionLoop(ctx, eventChan, proc, observability.NewLogger("ingest-grpc"))
	}()

	// --- Servers ---
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, logger); err != nil {
			errChan <- err
		}
	}()
	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
		"projection": func() (int, int) { return len(projectionCoreChan), cap(projectionCoreChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"inbound":    func() (int, int) { return len(rawEventChan), cap(rawEventChan) },
		"grpc":       func() (int, int) { return len(eventChan), cap(eventChan) },
	})

	// --- Scheduled snapshots ---
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if cfg.SnapshotCron != "" {
		lastSnapshot := proc.GetSequence()
		_, err := scheduler.AddFunc(cfg.SnapshotCron, func() {
			if proc.GetSequence() == lastSnapshot {
				return
			}
			seq, err := snapshotNow(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("scheduled snapshot failed")
				return
			}
			lastSnapshot = seq
			logger.Info().Int64("sequence", seq).Msg("scheduled snapshot saved")
		})
		if err != nil {
			logger.Fatal().Err(err).Str("spec", cfg.SnapshotCron).Msg("register snapshot schedule")
		}
		scheduler.Start()
	}

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", proc.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("LendLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core's last outputs reach Postgres, then take a
	// final snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	<-scheduler.Stop().Done()
	cancel()
	natsSubscriber.Stop()
	ingestWG.Wait()

	close(persistCoreChan)
	close(projectionCoreChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-persistDone:
		logger.Info().Msg("persistence drained")
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before timeout")
	}
	<-bridgeDone

	if seq, err := takeSnapshot(shutdownCtx, proc, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	workerCancel()
	logger.Info().Msg("LendLedger shutdown complete")
}

// bootstrapRegistry wires the addresses provider, the store, the price
// oracle and the engine behind the core proxy.
func bootstrapRegistry(cfg config.Config) (*registry.AddressesProvider, *state.Store, *state.StaticPriceOracle, error) {
	provider := registry.NewAddressesProvider(cfg.Owner)
	setters := []func() error{
		func() error { return provider.SetLendingPool(cfg.Owner, cfg.LendingPool) },
		func() error { return provider.SetLendingPoolConfigurator(cfg.Owner, cfg.Configurator) },
		func() error { return provider.SetPriceOracle(cfg.Owner, cfg.PriceOracle) },
	}
	for _, set := range setters {
		if err := set(); err != nil {
			return nil, nil, nil, err
		}
	}

	store := state.NewStore()
	oracle := state.NewStaticPriceOracle()
	eng := core.NewEngine(store, core.NewLockTable(), oracle, core.Params{
		OriginationFeeRate:            cfg.OriginationFeeRate,
		MaxStableRatePercent:          cfg.MaxStableRatePercent,
		LiquidationCloseFactorPercent: cfg.CloseFactorPercent,
	})
	if err := provider.SetLendingPoolCoreImpl(cfg.Owner, cfg.CoreImpl, eng); err != nil {
		return nil, nil, nil, err
	}
	return provider, store, oracle, nil
}

// runIngestionLoop parses raw NATS actions and feeds them to the core.
// A message is acked once parsed and handed to the core loop, not after
// processing, so AckWait never expires behind a slow core. Malformed
// messages are acked and dropped.
func runIngestionLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	proc *core.Processor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	type parsed struct {
		evt      event.Event
		received time.Time
	}
	typed := make(chan parsed, cap(rawChan))

	go func() {
		defer close(typed)
		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-rawChan:
				evt, err := ingestion.ParseRawEvent(raw, raw.EventType)
				if err != nil {
					logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed action")
					raw.AckFunc()
					continue
				}

				select {
				case typed <- parsed{evt: evt, received: raw.Timestamp}:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for p := range typed {
		if _, err := proc.ProcessEvent(p.evt); err != nil {
			logger.Error().Err(err).
				Str("event_type", p.evt.EventType().String()).
				Str("key", p.evt.IdempotencyKey()).
				Msg("core.ProcessEvent failed")
			continue
		}
		if metrics != nil {
			metrics.IngestToApply.WithLabelValues(p.evt.EventType().String()).Observe(time.Since(p.received).Seconds())
		}
	}
}

// runGRPCIngestionLoop feeds actions submitted over the Ingest service.
func runGRPCIngestionLoop(ctx context.Context, eventChan <-chan event.Event, proc *core.Processor, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-eventChan:
			if _, err := proc.ProcessEvent(evt); err != nil {
				logger.Error().Err(err).
					Str("event_type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("core.ProcessEvent failed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sampleChannels publishes channel occupancy once a second.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.ChannelSize.WithLabelValues(name).Set(float64(size))
				metrics.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
				if capacity > 0 {
					metrics.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
				}
			}
		}
	}
}
