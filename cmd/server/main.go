package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockroom/cmd/server/config"
	"stockroom/internal/events"
	"stockroom/internal/fulfillment"
	"stockroom/internal/idempotency"
	"stockroom/internal/journal"
	"stockroom/internal/ledger"
	"stockroom/internal/observability"
	"stockroom/internal/orchestrator"
	"stockroom/internal/realtime"
	"stockroom/internal/reliability"
	"stockroom/internal/reservation"
	"stockroom/internal/saga"
	"stockroom/internal/sweeper"

	inventorydb "stockroom/internal/db/inventory"
	sagasdb "stockroom/internal/db/sagas"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "stockroom").Logger()
	if os.Getenv("APP_ENV") != "production" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context, logger zerolog.Logger) error {
	workflowCfg, err := config.LoadWorkflow()
	if err != nil {
		return err
	}
	sweepCfg, err := config.LoadSweeper()
	if err != nil {
		return err
	}
	serverCfg := config.LoadServer()

	stores, cleanupStores, err := buildStores(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupStores()

	idemStore, cleanupRedis, err := buildIdempotencyStore(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupRedis()
	guard := idempotency.NewGuard(idemStore, workflowCfg.IdempotencyRetention)

	hub := realtime.NewHub()
	go hub.Run()
	defer hub.Close()

	publisher, cleanupKafka, err := buildPublisher(hub, logger)
	if err != nil {
		return err
	}
	defer cleanupKafka()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	manager := reservation.NewManager(
		stores.ledger, stores.reservations, workflowCfg.ReservationTTL, logger,
		reservation.WithCASAttempts(workflowCfg.CASAttempts),
		reservation.WithMetrics(metrics),
	)

	registry := saga.NewRegistry()
	if err := fulfillment.Register(registry, fulfillment.Dependencies{
		Reservations:      manager,
		Ledger:            stores.ledger,
		Payments:          buildPaymentClient(),
		Shipping:          buildShippingClient(),
		Notifications:     fulfillment.NewInMemoryNotificationClient(),
		ReservationTTL:    workflowCfg.ReservationTTL,
		MaxDuration:       workflowCfg.MaxDuration,
		LedgerCASAttempts: workflowCfg.CASAttempts,
	}); err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithPublisher(publisher),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithRetryPolicy(reliability.RetryPolicy{
			MaxAttempts: workflowCfg.StepMaxAttempts,
			BaseDelay:   workflowCfg.StepBaseDelay,
			MaxDelay:    workflowCfg.StepMaxDelay,
		}),
	}

	if serverCfg.JournalPath != "" {
		fileJournal, err := journal.NewFileJournal(serverCfg.JournalPath)
		if err != nil {
			return err
		}
		defer fileJournal.Close()
		opts = append(opts, orchestrator.WithJournal(fileJournal))
	}

	webhookCfg, err := config.LoadWebhook()
	if err != nil {
		return err
	}
	if webhookCfg.Endpoint != "" {
		dispatcher := events.NewWebhookDispatcher(webhookCfg.Endpoint, []byte(webhookCfg.Secret), nil)
		opts = append(opts, orchestrator.WithWebhooks(dispatcher))
	}

	driver := orchestrator.New(registry, stores.sagas, guard, logger, opts...)
	defer driver.Close()

	if err := driver.Resume(ctx); err != nil {
		return err
	}

	sweep := sweeper.New(manager, stores.sagas, registry, driver, logger,
		sweeper.WithBatchSize(sweepCfg.BatchSize),
		sweeper.WithMetrics(metrics),
	)
	if err := sweep.Start(sweepCfg.Schedule); err != nil {
		return err
	}
	defer sweep.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))
	mux.Handle("/healthz", observability.HealthHandler(stores.ping))
	mux.Handle("/ws", hub.Handler())

	srv := &http.Server{
		Addr:    serverCfg.Addr,
		Handler: mux,
	}

	logger.Info().Str("addr", serverCfg.Addr).Msg("listening")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

type storeSet struct {
	ledger       ledger.Store
	reservations reservation.Store
	sagas        saga.Store
	ping         func() error
}

// buildStores returns Postgres-backed stores when DATABASE_URL is set and
// in-memory stores otherwise.
func buildStores(ctx context.Context, logger zerolog.Logger) (storeSet, func(), error) {
	cfg := config.LoadPostgres()
	if cfg.URL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
		return storeSet{
			ledger:       ledger.NewInMemoryStore(),
			reservations: reservation.NewInMemoryStore(),
			sagas:        saga.NewInMemoryStore(),
			ping:         func() error { return nil },
		}, func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return storeSet{}, nil, err
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}

	ledgerStore, err := inventorydb.NewLedgerStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return storeSet{}, nil, err
	}
	reservationStore, err := inventorydb.NewReservationStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return storeSet{}, nil, err
	}
	sagaStore, err := sagasdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		cleanup()
		return storeSet{}, nil, err
	}

	return storeSet{
		ledger:       ledgerStore,
		reservations: reservationStore,
		sagas:        sagaStore,
		ping:         db.Ping,
	}, cleanup, nil
}

// buildIdempotencyStore returns a Redis-backed store when REDIS_URL is set
// and an in-memory store otherwise.
func buildIdempotencyStore(ctx context.Context, logger zerolog.Logger) (idempotency.Store, func(), error) {
	if os.Getenv("REDIS_URL") == "" {
		logger.Warn().Msg("REDIS_URL not set, using in-memory idempotency store")
		return idempotency.NewInMemoryStore(), func() {}, nil
	}

	cfg, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		redisOpts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		redisOpts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		redisOpts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		redisOpts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		redisOpts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		redisOpts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		redisOpts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(redisOpts)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis client")
		}
	}

	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.HealthcheckTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cleanup()
		return nil, nil, err
	}

	return idempotency.NewRedisStore(client, cfg.KeyPrefix), cleanup, nil
}

// buildPublisher fans events out to Kafka when brokers are configured and
// always broadcasts them to realtime subscribers.
func buildPublisher(hub *realtime.Hub, logger zerolog.Logger) (events.Publisher, func(), error) {
	cfg, err := config.LoadKafka()
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Brokers) == 0 {
		logger.Warn().Msg("KAFKA_BROKERS not set, events stay local")
		return events.NewFanoutPublisher(hub, events.NewLocalPublisher()), func() {}, nil
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	cleanup := func() {
		if err := writer.Close(); err != nil {
			logger.Error().Err(err).Msg("close kafka writer")
		}
	}
	return events.NewFanoutPublisher(hub, events.NewKafkaPublisher(writer, cfg.Source)), cleanup, nil
}

func buildPaymentClient() fulfillment.PaymentClient {
	return fulfillment.NewReliablePaymentClient(
		fulfillment.NewInMemoryPaymentClient(),
		reliability.NewRateLimiter(10*time.Millisecond, 20),
		reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 3 * time.Second}),
		reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	)
}

func buildShippingClient() fulfillment.ShippingClient {
	return fulfillment.NewReliableShippingClient(
		fulfillment.NewInMemoryShippingClient(),
		reliability.NewRateLimiter(10*time.Millisecond, 20),
		reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 3 * time.Second}),
		reliability.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	)
}
