package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/consumer"
	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/messaging"
	"example.com/backstage/services/dashboard/internal/metrics"
	"example.com/backstage/services/dashboard/internal/models"
	"example.com/backstage/services/dashboard/internal/outbox"
	"example.com/backstage/services/dashboard/internal/projection"
	"example.com/backstage/services/dashboard/internal/reconciler"
	"example.com/backstage/services/dashboard/internal/repository"
	"example.com/backstage/services/dashboard/internal/search"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker running the outbox relay, the event consumer and the cache reconciler`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabasesForWorker(cfg)
	if err != nil {
		return err
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the live-update forwarder
	forwarder, err := consumer.NewRedisForwarder(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis forwarder, continuing without live updates")
		forwarder = nil
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without audit indexing")
		elasticClient = nil
	}

	// Start the outbox relay
	publisher, err := messaging.NewServiceBusPublisher(cfg.Azure)
	if err != nil {
		return err
	}
	relay := outbox.NewRelay(outbox.NewGormStore(db), publisher, metricsCollector,
		cfg.Relay.BatchSize, cfg.Relay.Interval)
	g.Go(func() error {
		log.Info().
			Int("batch_size", cfg.Relay.BatchSize).
			Dur("interval", cfg.Relay.Interval).
			Msg("Starting outbox relay")
		return relay.Start(ctx)
	})

	// Build the event pipeline feeding this instance's cache
	registry := event.NewRegistry()
	if err := projection.RegisterUpcasters(registry); err != nil {
		return err
	}
	dashboardCache := projection.NewDashboardCache(cfg.Cache, metricsCollector)
	sessionRepo := repository.NewSessionRepository(db, readOnlyDB)
	ledger := consumer.NewGormLedger(db)

	projector := projection.NewSessionProjector(dashboardCache, registry, alertSink(elasticClient), metricsCollector)
	dispatcher := consumer.NewDispatcher(
		[]consumer.Handler{consumer.Wrap(projector, ledger, metricsCollector)},
		forwarderOrNil(forwarder),
		auditOrNil(elasticClient),
		metricsCollector,
	)

	busConsumer, err := messaging.NewConsumer(cfg.Azure)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return busConsumer.Run(ctx, dispatcher)
	})

	// Start the reconciliation cron job as a fallback mechanism
	rec := reconciler.New(dashboardCache, sessionRepo, cfg.Reconciler.SampleSize, metricsCollector)
	g.Go(func() error {
		log.Info().Msg("Starting cache reconciliation cron job as fallback mechanism")
		return runReconcilerSchedule(ctx, rec, cfg.Reconciler.Interval)
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	if forwarder != nil {
		_ = forwarder.Close()
	}
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Service Bus publisher")
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func initDatabasesForWorker(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	// Higher limits for read operations
	readSqlDB.SetMaxIdleConns(20)
	readSqlDB.SetMaxOpenConns(100)
	readSqlDB.SetConnMaxLifetime(time.Hour)

	return db, readOnlyDB, nil
}
