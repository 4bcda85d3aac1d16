package application

import (
	"context"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StartSagaCommand represents the command to start an order saga
type StartSagaCommand struct {
	saga.StartRequested
}

// StartSagaResponse represents the response after starting a saga
type StartSagaResponse struct {
	SagaID  string      `json:"saga_id"`
	OrderID string      `json:"order_id"`
	Status  saga.Status `json:"status"`
	// Created is false when a saga already existed for the order
	Created bool `json:"-"`
}

// StartSaga use case creates a saga for an order. It is idempotent on the
// order ID: a repeated start returns the saga that already exists.
type StartSaga struct {
	sagaRepository domain.SagaRepository
	metrics        *telemetry.Metrics
	now            func() time.Time
}

// NewStartSaga creates a new StartSaga use case
func NewStartSaga(sagaRepository domain.SagaRepository, metrics *telemetry.Metrics) *StartSaga {
	return &StartSaga{
		sagaRepository: sagaRepository,
		metrics:        metricsOrNoop(metrics),
		now:            time.Now,
	}
}

// Execute starts the saga and persists its first command
func (uc *StartSaga) Execute(ctx context.Context, cmd *StartSagaCommand) (*StartSagaResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "StartSaga")
	defer span.End()

	if cmd == nil {
		return nil, errors.Wrap(saga.ErrInvalidArgument, "command is required")
	}
	if err := cmd.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	existing, err := uc.findExisting(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return uc.existingResponse(ctx, existing), nil
	}

	instance, outcome, err := domain.NewSaga(cmd.StartRequested, uc.now())
	if err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	if err := uc.sagaRepository.Create(ctx, instance, outcome); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return nil, errors.Wrap(err, "failed to save saga")
		}
		// Lost a race with a concurrent start for the same order
		existing, findErr := uc.findExisting(ctx, cmd.OrderID)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, errors.Wrap(err, "failed to save saga")
		}
		return uc.existingResponse(ctx, existing), nil
	}

	recordTransitions(ctx, uc.metrics, outcome)
	logging.FromContext(ctx).Info("saga started",
		zap.String("saga_id", instance.SagaID.String()),
		zap.String("order_id", instance.OrderID.String()),
	)

	return &StartSagaResponse{
		SagaID:  instance.SagaID.String(),
		OrderID: instance.OrderID.String(),
		Status:  instance.Status,
		Created: true,
	}, nil
}

func (uc *StartSaga) findExisting(ctx context.Context, orderID string) (*domain.SagaInstance, error) {
	existing, err := uc.sagaRepository.FindByOrderID(ctx, models.ID(orderID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to look up saga by order")
	}
	return existing, nil
}

func (uc *StartSaga) existingResponse(ctx context.Context, existing *domain.SagaInstance) *StartSagaResponse {
	logging.FromContext(ctx).Info("saga already exists for order",
		zap.String("saga_id", existing.SagaID.String()),
		zap.String("order_id", existing.OrderID.String()),
	)
	return &StartSagaResponse{
		SagaID:  existing.SagaID.String(),
		OrderID: existing.OrderID.String(),
		Status:  existing.Status,
	}
}

func metricsOrNoop(metrics *telemetry.Metrics) *telemetry.Metrics {
	if metrics == nil {
		return telemetry.NewNoopMetrics()
	}
	return metrics
}

func recordTransitions(ctx context.Context, metrics *telemetry.Metrics, outcome *domain.Outcome) {
	if outcome == nil {
		return
	}
	for _, tr := range outcome.Transitions {
		metrics.Transition(ctx, string(tr.From), string(tr.To))
	}
}
