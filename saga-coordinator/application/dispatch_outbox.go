package application

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/telemetry"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// DispatchOutboxConfig configures the outbox forwarder
type DispatchOutboxConfig struct {
	Interval  time.Duration
	BatchSize int
	// RatePerSecond caps publishes per second, 0 means unlimited
	RatePerSecond int
	RetryInterval time.Duration
	MaxBackoff    time.Duration
}

// DispatchOutbox use case forwards pending outbox messages to the broker. A
// message is marked sent only after the broker accepted it, so delivery is at
// least once.
type DispatchOutbox struct {
	outboxRepository domain.OutboxRepository
	eventPublisher   events.Publisher
	config           DispatchOutboxConfig
	limiter          ratelimit.Limiter
	metrics          *telemetry.Metrics
	now              func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDispatchOutbox creates a new DispatchOutbox use case
func NewDispatchOutbox(
	outboxRepository domain.OutboxRepository,
	eventPublisher events.Publisher,
	config DispatchOutboxConfig,
	metrics *telemetry.Metrics,
) *DispatchOutbox {
	limiter := ratelimit.NewUnlimited()
	if config.RatePerSecond > 0 {
		limiter = ratelimit.New(config.RatePerSecond)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxBackoff < config.RetryInterval {
		config.MaxBackoff = config.RetryInterval
	}

	return &DispatchOutbox{
		outboxRepository: outboxRepository,
		eventPublisher:   eventPublisher,
		config:           config,
		limiter:          limiter,
		metrics:          metricsOrNoop(metrics),
		now:              time.Now,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start runs the forwarder in the background until Stop or ctx cancellation
func (uc *DispatchOutbox) Start(ctx context.Context) {
	go uc.loop(ctx)
}

// Stop stops the forwarder and waits for the current batch to finish
func (uc *DispatchOutbox) Stop() {
	uc.stopOnce.Do(func() {
		close(uc.stopCh)
	})
	<-uc.doneCh
}

func (uc *DispatchOutbox) loop(ctx context.Context) {
	ticker := time.NewTicker(uc.config.Interval)
	defer func() { ticker.Stop(); close(uc.doneCh) }()

	for {
		select {
		case <-uc.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uc.RunOnce(ctx); err != nil {
				logging.FromContext(ctx).Error("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// RunOnce forwards one batch of due messages and returns how many were sent
func (uc *DispatchOutbox) RunOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "DispatchOutbox")
	defer span.End()

	pending, err := uc.outboxRepository.FetchPending(ctx, uc.now(), uc.config.BatchSize)
	if err != nil {
		return 0, err
	}

	var firstErr error
	sent := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		uc.limiter.Take()

		ok, err := uc.dispatch(ctx, msg)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			sent++
		}
	}
	return sent, firstErr
}

func (uc *DispatchOutbox) dispatch(ctx context.Context, msg *domain.OutboxMessage) (bool, error) {
	logger := logging.FromContext(ctx).With(
		zap.String("saga_id", msg.SagaID.String()),
		zap.String("message_key", msg.Key),
		zap.Int64("revision", msg.Revision),
		zap.String("topic", string(msg.Topic)),
	)

	if err := uc.eventPublisher.Publish(ctx, msg.ToEvent()); err != nil {
		uc.metrics.PublishFailed(ctx, string(msg.Topic))
		delay := domain.NextAttemptDelay(msg.Attempts+1, uc.config.RetryInterval, uc.config.MaxBackoff)
		if markErr := uc.outboxRepository.MarkFailed(ctx, msg.ID, msg.Revision, err.Error(), uc.now().Add(delay)); markErr != nil {
			logger.Error("failed to mark outbox message as failed", zap.Error(markErr))
			return false, markErr
		}
		logger.Warn("outbox publish failed",
			zap.Error(err),
			zap.Int("attempts", msg.Attempts+1),
			zap.Duration("retry_in", delay),
		)
		return false, nil
	}

	sentAt := uc.now()
	uc.metrics.Published(ctx, string(msg.Topic), sentAt.Sub(msg.CreatedAt))
	if err := uc.outboxRepository.MarkSent(ctx, msg.ID, msg.Revision, sentAt); err != nil {
		// The message is on the broker already; it will be published again and
		// deduplicated downstream by its key.
		logger.Error("failed to mark outbox message as sent", zap.Error(err))
		return true, err
	}
	logger.Debug("outbox message published")
	return true, nil
}
