package config

import (
	"context"
	"fmt"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/application"
	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/saga-coordinator/handlers"
	"github.com/draftea/order-saga/saga-coordinator/infrastructure"
	"github.com/draftea/order-saga/shared/events"
	sharedinfra "github.com/draftea/order-saga/shared/infrastructure"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Repositories
	SagaRepository *infrastructure.SQLSagaRepository

	// Use Cases
	StartSaga         *application.StartSaga
	GetSaga           *application.GetSaga
	HandleReply       *application.HandleReply
	FailSaga          *application.FailSaga
	DispatchOutbox    *application.DispatchOutbox
	SuperviseTimeouts *application.SuperviseTimeouts

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers

	// Infrastructure
	EventPublisher  events.Publisher
	EventSubscriber events.Subscriber
	// BrokerDisconnect runs after the subscriber is closed and the outbox
	// dispatcher stopped, so in-flight publishes still have a connection
	BrokerDisconnect func() error

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
	Logger            *zap.Logger
}

const brokerDrainTimeout = 10 * time.Second

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	logger, err := logging.New(config.Log.Level, config.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	logger = logger.With(zap.String("service", config.ServiceName), zap.String("env", config.Env))
	logging.SetLogger(logger)
	deps.Logger = logger

	// Initialize telemetry first
	deps.Telemetry = telemetry.NewNoop(config.ServiceName)
	if config.Telemetry.Enabled {
		telConfig := telemetry.CoordinatorConfig.
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint).
			WithVersion(config.Telemetry.Version)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			logger.Warn("failed to initialize telemetry", zap.Error(err))
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}
	metrics := deps.Telemetry.Metrics()

	db, err := openDatabase(ctx, config.Database.Driver, config.GetDatabaseURL(), config.Database)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.DB = db

	if err := buildBroker(ctx, config, deps); err != nil {
		deps.Close()
		return nil, err
	}

	// Initialize repositories
	deps.SagaRepository = infrastructure.NewSQLSagaRepository(db)

	// Initialize use cases
	policy := domain.Policy{AwaitCompensationAcks: config.Saga.AwaitCompensationAcks}
	deps.StartSaga = application.NewStartSaga(deps.SagaRepository, metrics)
	deps.GetSaga = application.NewGetSaga(deps.SagaRepository)
	deps.FailSaga = application.NewFailSaga(deps.SagaRepository, config.Saga.ConflictRetries, metrics)
	deps.HandleReply = application.NewHandleReply(deps.SagaRepository, deps.FailSaga, application.HandleReplyConfig{
		Policy:              policy,
		ConflictRetries:     config.Saga.ConflictRetries,
		MaxDeliveryAttempts: config.Saga.MaxDeliveryAttempts,
	}, metrics)
	deps.DispatchOutbox = application.NewDispatchOutbox(deps.SagaRepository, deps.EventPublisher, application.DispatchOutboxConfig{
		Interval:      config.Outbox.Interval,
		BatchSize:     config.Outbox.BatchSize,
		RatePerSecond: config.Outbox.RatePerSecond,
		RetryInterval: config.Outbox.RetryInterval,
		MaxBackoff:    config.Outbox.MaxBackoff,
	}, metrics)
	deps.SuperviseTimeouts = application.NewSuperviseTimeouts(deps.SagaRepository, application.SuperviseTimeoutsConfig{
		Policy:     policy,
		Interval:   config.Supervisor.Interval,
		MaxRetries: config.Supervisor.MaxRetries,
		ScanLimit:  config.Supervisor.ScanLimit,
		Timeouts: application.StepTimeouts{
			Inventory:    config.Supervisor.InventoryTimeout,
			Payment:      config.Supervisor.PaymentTimeout,
			Shipping:     config.Supervisor.ShippingTimeout,
			Compensation: config.Supervisor.CompensationTimeout,
		},
	}, metrics)

	// Initialize handlers
	deps.SagaHandlers = handlers.NewSagaHandlers(deps.StartSaga, deps.GetSaga)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(
		deps.StartSaga,
		deps.HandleReply,
		deps.FailSaga,
		config.Saga.MaxDeliveryAttempts,
	)

	return deps, nil
}

func openDatabase(ctx context.Context, driver, url string, cfg Database) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == infrastructure.DriverSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := infrastructure.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildBroker(ctx context.Context, config *Config, deps *Dependencies) error {
	switch config.Broker {
	case BrokerNATS:
		bus := sharedinfra.NewNATSEventBus(sharedinfra.NATSConfig{
			URL:             config.NATS.URL,
			Stream:          config.NATS.Stream,
			Subjects:        config.NATS.Subjects,
			Durable:         config.NATS.Durable,
			AckWait:         config.NATS.AckWait,
			MaxAckPending:   config.NATS.MaxAckPending,
			MaxDeliver:      config.Saga.MaxDeliveryAttempts,
			DuplicateWindow: config.NATS.DuplicateWindow,
		})
		if err := bus.Connect(); err != nil {
			return fmt.Errorf("failed to create NATS transport: %w", err)
		}
		deps.EventPublisher = bus
		deps.EventSubscriber = bus
		deps.BrokerDisconnect = func() error { return bus.Disconnect(brokerDrainTimeout) }
		return nil

	default:
		awsCfg, err := sharedinfra.LoadAWSConfig(ctx, sharedinfra.AWSConfig{Region: config.AWS.Region})
		if err != nil {
			return err
		}

		topicArns, err := topicArnMap(config.AWS.TopicArns)
		if err != nil {
			return err
		}
		deps.EventPublisher = sharedinfra.NewSNSEventPublisher(
			sharedinfra.NewSNSClient(awsCfg, config.AWS.EndpointSNS),
			config.AWS.SNSTopicArn,
			topicArns,
		)

		opts := []sharedinfra.SQSSubscriberOption{}
		if config.AWS.SQSWorkers > 0 {
			opts = append(opts, sharedinfra.WithWorkers(config.AWS.SQSWorkers))
		}
		if config.AWS.SQSReaders > 0 {
			opts = append(opts, sharedinfra.WithReaders(config.AWS.SQSReaders))
		}
		if config.AWS.WaitTimeSeconds > 0 {
			opts = append(opts, sharedinfra.WithWaitTimeSeconds(config.AWS.WaitTimeSeconds))
		}
		if config.AWS.VisibilityTimeout > 0 {
			opts = append(opts, sharedinfra.WithVisibilityTimeout(config.AWS.VisibilityTimeout))
		}
		deps.EventSubscriber = sharedinfra.NewSQSEventSubscriber(
			sharedinfra.NewSQSClient(awsCfg, config.AWS.EndpointSQS),
			config.AWS.SQSQueueURL,
			opts...,
		)
		return nil
	}
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.BrokerDisconnect != nil {
		if err := d.BrokerDisconnect(); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect broker: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}

func topicArnMap(entries []TopicArn) (map[events.Topic]string, error) {
	topicArns := make(map[events.Topic]string, len(entries))
	for _, entry := range entries {
		topic, err := events.NewTopic(entry.Topic)
		if err != nil {
			return nil, fmt.Errorf("topic_arns entry for %s: %w", entry.Arn, err)
		}
		topicArns[topic] = entry.Arn
	}
	return topicArns, nil
}
