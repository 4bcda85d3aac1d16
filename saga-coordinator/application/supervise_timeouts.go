package application

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StepTimeouts is how long the supervisor waits for a reply, per outstanding step type
type StepTimeouts struct {
	Inventory    time.Duration
	Payment      time.Duration
	Shipping     time.Duration
	Compensation time.Duration
}

// For returns the timeout of the step outstanding in status, 0 when nothing is outstanding
func (t StepTimeouts) For(status saga.Status) time.Duration {
	switch status {
	case saga.StatusStarted:
		return t.Inventory
	case saga.StatusInventoryReserved:
		return t.Payment
	case saga.StatusPaymentAuthorized:
		return t.Shipping
	case saga.StatusCompensating:
		return t.Compensation
	default:
		return 0
	}
}

// SuperviseTimeoutsConfig configures the timeout supervisor
type SuperviseTimeoutsConfig struct {
	Policy     domain.Policy
	Interval   time.Duration
	MaxRetries int
	ScanLimit  int
	Timeouts   StepTimeouts
}

// supervisedStatuses are the statuses waiting on a reply
var supervisedStatuses = []saga.Status{
	saga.StatusStarted,
	saga.StatusInventoryReserved,
	saga.StatusPaymentAuthorized,
	saga.StatusCompensating,
}

// SuperviseTimeouts use case finds sagas whose outstanding step got no reply
// in time. It re-emits the step up to MaxRetries times and then fails it.
type SuperviseTimeouts struct {
	sagaRepository domain.SagaRepository
	config         SuperviseTimeoutsConfig
	metrics        *telemetry.Metrics
	now            func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSuperviseTimeouts creates a new SuperviseTimeouts use case
func NewSuperviseTimeouts(
	sagaRepository domain.SagaRepository,
	config SuperviseTimeoutsConfig,
	metrics *telemetry.Metrics,
) *SuperviseTimeouts {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = 100
	}
	return &SuperviseTimeouts{
		sagaRepository: sagaRepository,
		config:         config,
		metrics:        metricsOrNoop(metrics),
		now:            time.Now,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start runs the supervisor in the background until Stop or ctx cancellation
func (uc *SuperviseTimeouts) Start(ctx context.Context) {
	go uc.loop(ctx)
}

// Stop stops the supervisor and waits for the current scan to finish
func (uc *SuperviseTimeouts) Stop() {
	uc.stopOnce.Do(func() {
		close(uc.stopCh)
	})
	<-uc.doneCh
}

func (uc *SuperviseTimeouts) loop(ctx context.Context) {
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
				logging.FromContext(ctx).Error("timeout scan failed", zap.Error(err))
			}
		}
	}
}

// RunOnce scans every supervised status once and returns how many sagas changed
func (uc *SuperviseTimeouts) RunOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "SuperviseTimeouts")
	defer span.End()

	now := uc.now()
	changed := 0
	var firstErr error

	for _, status := range supervisedStatuses {
		timeout := uc.config.Timeouts.For(status)
		if timeout <= 0 {
			continue
		}
		cutoff := now.Add(-timeout)

		stalled, err := uc.sagaRepository.FindStalled(ctx, status, cutoff, uc.config.ScanLimit)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to find stalled %s sagas", status)
			}
			continue
		}

		for _, instance := range stalled {
			if ctx.Err() != nil {
				return changed, ctx.Err()
			}
			ok, err := uc.expire(ctx, instance, cutoff, now)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if ok {
				changed++
			}
		}
	}
	return changed, firstErr
}

func (uc *SuperviseTimeouts) expire(ctx context.Context, instance *domain.SagaInstance, cutoff, now time.Time) (bool, error) {
	logger := logging.FromContext(ctx).With(
		zap.String("saga_id", instance.SagaID.String()),
		zap.String("status", string(instance.Status)),
		zap.Int("attempts", instance.Attempts),
	)

	var outcome *domain.Outcome
	next, err := uc.sagaRepository.CompareAndSwap(ctx, instance.SagaID, instance.Status,
		func(current domain.SagaInstance) (domain.SagaInstance, *domain.Outcome, error) {
			// A reply may have landed since the scan
			if !current.Timestamps.UpdatedAt.Before(cutoff) {
				return current, nil, domain.ErrNoChange
			}
			next, out, err := domain.ApplyTimeout(current, uc.config.Policy, uc.config.MaxRetries, now)
			outcome = out
			return next, out, err
		})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoChange), errors.Is(err, domain.ErrConflict):
		return false, nil
	default:
		logger.Error("failed to apply timeout", zap.Error(err))
		return false, errors.Wrapf(err, "failed to apply timeout to saga %s", instance.SagaID)
	}

	exhausted := outcome != nil && len(outcome.Transitions) > 0
	uc.metrics.Timeout(ctx, string(instance.Status), exhausted)
	recordTransitions(ctx, uc.metrics, outcome)

	if exhausted {
		logger.Warn("step timed out, retries exhausted",
			zap.String("to", string(next.Status)),
			zap.String("last_error", next.LastError),
		)
	} else {
		logger.Info("step timed out, command re-emitted", zap.Int("attempt", next.Attempts))
	}
	return true, nil
}
