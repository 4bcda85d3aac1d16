package application

import (
	"context"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FailSagaCommand represents the command to force a saga into FAILED
type FailSagaCommand struct {
	SagaID string
	Reason string
}

// FailSaga use case moves a saga to FAILED when one of its messages can not be
// processed. Compensations for completed steps are still emitted.
type FailSaga struct {
	sagaRepository  domain.SagaRepository
	conflictRetries int
	metrics         *telemetry.Metrics
	now             func() time.Time
}

// NewFailSaga creates a new FailSaga use case
func NewFailSaga(sagaRepository domain.SagaRepository, conflictRetries int, metrics *telemetry.Metrics) *FailSaga {
	return &FailSaga{
		sagaRepository:  sagaRepository,
		conflictRetries: conflictRetries,
		metrics:         metricsOrNoop(metrics),
		now:             time.Now,
	}
}

// Execute fails the saga. Unknown and terminal sagas are left untouched.
func (uc *FailSaga) Execute(ctx context.Context, cmd *FailSagaCommand) error {
	ctx, span := telemetry.StartSpan(ctx, "FailSaga")
	defer span.End()

	sagaID, err := models.NewID(cmd.SagaID)
	if err != nil {
		return errors.Wrap(err, "invalid saga ID")
	}
	logger := logging.FromContext(ctx).With(zap.String("saga_id", sagaID.String()))

	for attempt := 0; attempt <= uc.conflictRetries; attempt++ {
		current, err := uc.sagaRepository.Load(ctx, sagaID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				logger.Warn("cannot fail unknown saga", zap.String("reason", cmd.Reason))
				return nil
			}
			return errors.Wrap(err, "failed to load saga")
		}

		var outcome *domain.Outcome
		_, err = uc.sagaRepository.CompareAndSwap(ctx, sagaID, current.Status,
			func(current domain.SagaInstance) (domain.SagaInstance, *domain.Outcome, error) {
				next, out, err := domain.ForceFail(current, cmd.Reason, uc.now())
				outcome = out
				return next, out, err
			})
		switch {
		case err == nil:
			recordTransitions(ctx, uc.metrics, outcome)
			logger.Error("saga force-failed",
				zap.String("from", string(current.Status)),
				zap.String("reason", cmd.Reason),
			)
			return nil
		case errors.Is(err, domain.ErrNoChange):
			return nil
		case errors.Is(err, domain.ErrConflict):
			continue
		default:
			return errors.Wrap(err, "failed to fail saga")
		}
	}

	return errors.Wrapf(domain.ErrConflict, "saga %s kept changing after %d retries", sagaID, uc.conflictRetries)
}
