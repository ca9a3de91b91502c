package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PredictLedger/internal/archive"
	"PredictLedger/internal/config"
	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/ledger"
	"PredictLedger/internal/market"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/query"
	"PredictLedger/internal/server"
	"PredictLedger/internal/store"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("PREDICT_CONFIG"), "path to TOML or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	observability.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := observability.NewLogger("predictledger")
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("predictledger exited")
	}
	logger.Info().Msg("shutdown complete")
}

// backends is everything opened at startup that needs closing on exit.
type backends struct {
	db  *sql.DB
	rdb *redis.Client
	nc  *nats.Conn
	js  jetstream.JetStream
}

func (b *backends) close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	startTime := time.Now()

	b := &backends{}
	defer b.close()

	// --- Postgres (event log, and records when store=postgres) ---
	if cfg.Postgres.DSN != "" {
		db, err := openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		b.db = db
		health.AddCheck("postgres", db.PingContext)
		logger.Info().Msg("postgres connected")

		if cfg.Postgres.RunMigrations {
			migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, observability.NewLogger("migrator"))
			if err := migrator.Up(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
	}

	// --- Ledger store ---
	kv, err := openStore(ctx, cfg, b, health, logger)
	if err != nil {
		return err
	}
	leases, err := acquireLeases(ctx, cfg, kv, b)
	if err != nil {
		return err
	}
	defer func() {
		for _, l := range leases {
			l.Release()
		}
	}()
	records := store.NewRecords(kv)

	// --- Engine ---
	persistChan := make(chan core.CoreOutput, cfg.Persist.ChanSize)
	publishChan := make(chan core.CoreOutput, cfg.NATS.PublishChanCap)

	var persistOut chan<- core.CoreOutput
	if b.db != nil {
		persistOut = persistChan
	}

	admins := make([]market.Principal, 0, len(cfg.Admin.Principals))
	for _, p := range cfg.Admin.Principals {
		admins = append(admins, market.Principal(p))
	}

	treasury := ledger.NewTreasury()
	opts := []core.Option{
		core.WithValidator(treasury.Validator()),
		core.WithOutputs(persistOut, publishChan),
		core.WithMetrics(metrics),
		core.WithLogger(observability.NewLogger("engine")),
	}

	var snapMgr *persistence.SnapshotManager
	var pgIdem *persistence.PostgresIdempotencyChecker
	var dbIdem core.DBIdempotencyChecker // stays a nil interface without postgres
	if b.db != nil {
		snapMgr = persistence.NewSnapshotManager(b.db)
		nextSeq, tip, err := snapMgr.LoadChainTip(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, core.WithChainTip(nextSeq, tip))
		logger.Info().Int64("next_sequence", nextSeq).Msg("chain tip restored")

		pgIdem = persistence.NewPostgresIdempotencyChecker(b.db)
		dbIdem = pgIdem
	}

	eng := core.NewEngine(core.Config{
		FeePercent:  cfg.Ledger.FeePercent,
		Admins:      admins,
		LockTimeout: cfg.Ledger.LockTimeout.Duration,
	}, records, store.NewKeyedMutex(), treasury, opts...)

	// --- Treasury restore from stored records ---
	if err := restoreTreasury(ctx, records, eng, treasury, cfg.Ledger.FeePercent, logger); err != nil {
		return err
	}

	// --- Idempotency ---
	idem := core.NewIdempotencyChecker(cfg.Ledger.IdempotencyLRUSize, dbIdem)
	if pgIdem != nil {
		keys, err := pgIdem.RecentKeys(ctx, cfg.Ledger.IdempotencyLRUSize)
		if err != nil {
			logger.Warn().Err(err).Msg("idempotency warm-up skipped")
		} else {
			for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
				keys[i], keys[j] = keys[j], keys[i]
			}
			idem.Warm(keys)
			logger.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
		}
	}
	dispatcher := ingestion.NewDispatcher(eng, idem, metrics, observability.NewLogger("dispatcher"))

	// --- NATS ---
	if cfg.NATS.URL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		b.nc, b.js = nc, js
		health.AddCheck("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats %s", st)
			}
			return nil
		})
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return err
		}
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	// --- Snapshots ---
	var archiver persistence.Archiver
	if cfg.S3.Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, archive.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if err := s3a.Health(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("snapshot bucket not reachable")
		}
		archiver = s3a
	}

	var snapshots *persistence.SnapshotWorker
	if archiver != nil || snapMgr != nil {
		snapshots = persistence.NewSnapshotWorker(records, eng, treasury.Tracker(), snapMgr, archiver,
			cfg.Snapshot.Interval.Duration, metrics, observability.NewLogger("snapshot"))
	}

	// --- Transport ---
	queries := query.NewQueryService(records, eng, treasury.Tracker(), b.db,
		cfg.Ledger.LeaderboardSize, cfg.Ledger.CategoryTopK)

	hub := server.NewStreamHub(observability.NewLogger("stream"))

	deps := &server.Deps{
		Dispatcher: dispatcher,
		Admins:     eng,
		Stream:     hub,
		Queries:    queries,
		Chain:      eng,
		Health:     health,
		Metrics:    metrics,
		Logger:     observability.NewLogger("http"),
		StartTime:  startTime,
	}
	if snapshots != nil {
		deps.Snapshots = snapshots
	}
	if cfg.Server.JWTPublicKeyPEM != "" || cfg.Server.JWTSecret != "" {
		auth, err := server.NewJWTAuth(cfg.Server.JWTPublicKeyPEM, cfg.Server.JWTSecret, cfg.Server.JWTIssuer)
		if err != nil {
			return err
		}
		deps.Auth = auth
	}
	gateway, err := server.NewHTTPGateway(cfg.Server.HTTPAddr, deps)
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, observability.NewLogger("grpc"))

	// --- Output workers ---
	// Drained after the command surfaces stop, so every emitted record is
	// flushed before exit.
	outputs, outputsCtx := errgroup.WithContext(context.Background())
	if b.db != nil {
		pw := persistence.NewPersistenceWorker(b.db, persistChan, cfg.Persist.BatchSize,
			cfg.Persist.FlushTimeout.Duration, metrics, observability.NewLogger("persist"))
		outputs.Go(func() error { return pw.Run(outputsCtx) })
	}
	hubChan := make(chan core.CoreOutput, cfg.NATS.PublishChanCap)
	fanOuts := []chan<- core.CoreOutput{hubChan}
	outputs.Go(func() error { return hub.Run(outputsCtx, hubChan) })
	if b.js != nil {
		natsChan := make(chan core.CoreOutput, cfg.NATS.PublishChanCap)
		fanOuts = append(fanOuts, natsChan)
		op := ingestion.NewOutboundPublisher(b.js, natsChan, observability.NewLogger("publisher"))
		outputs.Go(func() error { return op.Run(outputsCtx) })
	}
	outputs.Go(func() error {
		ingestion.FanOut(outputsCtx, publishChan, metrics, fanOuts...)
		return nil
	})

	// --- Command surfaces ---
	g, gctx := errgroup.WithContext(ctx)

	var subscriber *ingestion.CommandSubscriber
	if b.js != nil {
		rawChan := make(chan ingestion.RawCommand, cfg.NATS.CommandChanCap)
		subscriber = ingestion.NewCommandSubscriber(b.js, rawChan, observability.NewLogger("subscriber"))
		if err := subscriber.Subscribe(gctx); err != nil {
			return err
		}
		processor := ingestion.NewCommandProcessor(dispatcher, rawChan, metrics, observability.NewLogger("processor"))
		g.Go(func() error { return ignoreCanceled(processor.Run(gctx)) })
	}
	if snapshots != nil {
		g.Go(func() error { return ignoreCanceled(snapshots.Run(gctx)) })
	}
	for _, l := range leases {
		g.Go(func() error { return l.Hold(gctx) })
	}
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error { return gateway.Start(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	})

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", eng.GetSequence()-1).
		Str("store", cfg.Ledger.Store).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("predictledger ready")

	runErr := g.Wait()
	health.SetReady(false)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	// --- Graceful shutdown ---
	if subscriber != nil {
		subscriber.Stop()
	}
	close(persistChan)
	close(publishChan)

	drained := make(chan error, 1)
	go func() { drained <- outputs.Wait() }()
	select {
	case err := <-drained:
		if err != nil {
			logger.Error().Err(err).Msg("output drain failed")
		}
	case <-time.After(30 * time.Second):
		logger.Error().Msg("output drain timed out")
	}

	if snapshots != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := snapshots.TakeSnapshot(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}
	return runErr
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// openStore selects the records backend.
func openStore(ctx context.Context, cfg *config.Config, b *backends, health *observability.HealthChecker, logger zerolog.Logger) (store.KV, error) {
	switch cfg.Ledger.Store {
	case config.BackendPostgres:
		if b.db == nil {
			return nil, errors.New("store=postgres requires postgres.dsn")
		}
		logger.Info().Msg("ledger store: postgres")
		return store.NewPostgres(b.db), nil

	case config.BackendRedis:
		rdb, err := store.NewRedisClient(ctx, store.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		b.rdb = rdb
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("ledger store: redis")
		return store.NewRedis(rdb, cfg.Redis.KeyPrefix), nil

	default:
		logger.Info().Msg("ledger store: memory")
		return store.NewMemory(), nil
	}
}

// acquireLeases fences the records store, and the Postgres event log when
// the records live elsewhere, to this process. A second process pointed at
// the same backends fails here with store.ErrWriterActive.
func acquireLeases(ctx context.Context, cfg *config.Config, kv store.KV, b *backends) ([]store.Lease, error) {
	var leasers []store.Leaser
	if l, ok := kv.(store.Leaser); ok {
		leasers = append(leasers, l)
	}
	if b.db != nil && cfg.Ledger.Store != config.BackendPostgres {
		leasers = append(leasers, store.NewPostgres(b.db))
	}

	var leases []store.Lease
	for _, l := range leasers {
		lease, err := l.AcquireLease(ctx, cfg.Redis.LeaseTTL.Duration)
		if err != nil {
			for _, held := range leases {
				held.Release()
			}
			return nil, fmt.Errorf("writer lease: %w", err)
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// restoreTreasury rebuilds account balances from the stored records. The
// opening batches are not persisted; they describe state the event log
// already holds.
func restoreTreasury(ctx context.Context, records *store.Records, eng *core.Engine, treasury *ledger.Treasury, feePercent int64, logger zerolog.Logger) error {
	snap, err := persistence.Capture(ctx, records, eng, treasury.Tracker(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	batches, err := treasury.Restore(snap.Markets, snap.Users, snap.Admin.FeesSwept, feePercent, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("restore treasury: %w", err)
	}
	if len(snap.Markets) > 0 {
		logger.Info().
			Int("markets", len(snap.Markets)).
			Int("users", len(snap.Users)).
			Int("opening_batches", len(batches)).
			Msg("treasury restored from records")
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
