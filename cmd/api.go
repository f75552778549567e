package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/api"
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
	"example.com/backstage/services/dashboard/internal/service"
	"example.com/backstage/services/dashboard/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server serving dashboard overviews, with its own event consumer and reconciler keeping the in-process cache fresh`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = &tracing.NewRelicTracer{}
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

	// Run the reconciler as the staleness backstop for this cache instance
	rec := reconciler.New(dashboardCache, sessionRepo, cfg.Reconciler.SampleSize, metricsCollector)
	g.Go(func() error {
		return runReconcilerSchedule(ctx, rec, cfg.Reconciler.Interval)
	})

	// Initialize the command side and the server
	sessionService := service.NewSessionService(db, outbox.NewWriter(), tracer)
	server := api.NewServer(cfg, sessionService, sessionRepo, dashboardCache, metricsCollector, tracer)

	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	if forwarder != nil {
		_ = forwarder.Close()
	}
	tracer.Close()
	log.Info().Msg("API server shut down gracefully")
	return nil
}

// runReconcilerSchedule drives the reconciler on a fixed interval until the
// context is cancelled. The pass in flight always completes.
func runReconcilerSchedule(ctx context.Context, rec *reconciler.Reconciler, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := rec.Run(context.Background()); err != nil {
				log.Error().Err(err).Msg("Reconciliation pass failed")
			}
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
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

	// Configure connection pools
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

// alertSink narrows the Elasticsearch client to the projector's alert
// interface without handing a typed nil through.
func alertSink(c *search.ElasticClient) projection.AlertSink {
	if c == nil {
		return nil
	}
	return c
}

func auditOrNil(c *search.ElasticClient) consumer.AuditSink {
	if c == nil {
		return nil
	}
	return c
}

func forwarderOrNil(f *consumer.RedisForwarder) consumer.Forwarder {
	if f == nil {
		return nil
	}
	return f
}
