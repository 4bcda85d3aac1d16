package application

import (
	"context"
	"fmt"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	ReplyOutcomeApplied   = "applied"
	ReplyOutcomeIgnored   = "ignored"
	ReplyOutcomeUnknown   = "unknown_saga"
	ReplyOutcomeInvalid   = "invalid"
	ReplyOutcomeConflict  = "conflict"
	ReplyOutcomeError     = "error"
	ReplyOutcomeForceFail = "force_failed"
)

// HandleReplyCommand represents a participant reply as received from the broker
type HandleReplyCommand struct {
	Reply saga.Reply
	// DeliveryCount is how many times the broker handed out this message, starting at 1
	DeliveryCount int
}

// HandleReplyConfig tunes retries of the reply handler
type HandleReplyConfig struct {
	Policy              domain.Policy
	ConflictRetries     int
	MaxDeliveryAttempts int
}

// HandleReply use case feeds participant replies into the saga state machine.
// Duplicates, late replies and replies for unknown sagas are acknowledged
// without a state change. A returned error asks the broker to redeliver.
type HandleReply struct {
	sagaRepository domain.SagaRepository
	failSaga       *FailSaga
	config         HandleReplyConfig
	metrics        *telemetry.Metrics
	now            func() time.Time
}

// NewHandleReply creates a new HandleReply use case
func NewHandleReply(
	sagaRepository domain.SagaRepository,
	failSaga *FailSaga,
	config HandleReplyConfig,
	metrics *telemetry.Metrics,
) *HandleReply {
	return &HandleReply{
		sagaRepository: sagaRepository,
		failSaga:       failSaga,
		config:         config,
		metrics:        metricsOrNoop(metrics),
		now:            time.Now,
	}
}

// Execute applies the reply to its saga
func (uc *HandleReply) Execute(ctx context.Context, cmd *HandleReplyCommand) error {
	ctx, span := telemetry.StartSpan(ctx, "HandleReply")
	defer span.End()

	reply := cmd.Reply
	logger := logging.FromContext(ctx).With(
		zap.String("saga_id", reply.SagaID),
		zap.String("step", string(reply.Step)),
		zap.Bool("success", reply.Success),
		zap.Int("delivery_count", cmd.DeliveryCount),
	)

	if err := reply.Validate(); err != nil {
		uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeInvalid)
		return uc.fatal(ctx, logger, cmd, errors.Wrap(domain.ErrInvalidReply, err.Error()))
	}
	sagaID := models.ID(reply.SagaID)

	for attempt := 0; attempt <= uc.config.ConflictRetries; attempt++ {
		current, err := uc.sagaRepository.Load(ctx, sagaID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeUnknown)
				logger.Warn("reply for unknown saga ignored")
				return nil
			}
			uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeError)
			return uc.fatal(ctx, logger, cmd, errors.Wrap(err, "failed to load saga"))
		}

		var outcome *domain.Outcome
		next, err := uc.sagaRepository.CompareAndSwap(ctx, sagaID, current.Status,
			func(current domain.SagaInstance) (domain.SagaInstance, *domain.Outcome, error) {
				next, out, err := domain.Decide(current, reply, uc.config.Policy, uc.now())
				outcome = out
				return next, out, err
			})
		switch {
		case err == nil:
			uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeApplied)
			recordTransitions(ctx, uc.metrics, outcome)
			logger.Info("reply applied",
				zap.String("from", string(current.Status)),
				zap.String("to", string(next.Status)),
				zap.String("last_error", next.LastError),
			)
			return nil
		case errors.Is(err, domain.ErrNoChange):
			uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeIgnored)
			logger.Info("reply ignored", zap.String("status", string(current.Status)))
			return nil
		case errors.Is(err, domain.ErrConflict):
			logger.Debug("saga changed concurrently, retrying", zap.Int("attempt", attempt+1))
			continue
		case errors.Is(err, domain.ErrInvalidReply):
			uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeInvalid)
			return uc.fatal(ctx, logger, cmd, err)
		default:
			uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeError)
			return uc.fatal(ctx, logger, cmd, errors.Wrap(err, "failed to apply reply"))
		}
	}

	// conflicts never count toward the force-fail budget
	uc.metrics.Reply(ctx, string(reply.Step), reply.Success, ReplyOutcomeConflict)
	err := errors.Wrapf(domain.ErrConflict, "gave up after %d conflict retries", uc.config.ConflictRetries)
	logger.Warn("reply left for redelivery", zap.Error(err))
	return err
}

// fatal returns err for redelivery until the message used up its deliveries,
// then fails the saga so it does not stay stuck behind a poison message.
// Conflicts never reach it.
func (uc *HandleReply) fatal(ctx context.Context, logger *zap.Logger, cmd *HandleReplyCommand, err error) error {
	if uc.config.MaxDeliveryAttempts <= 0 || cmd.DeliveryCount < uc.config.MaxDeliveryAttempts || cmd.Reply.SagaID == "" {
		logger.Error("failed to handle reply", zap.Error(err))
		return err
	}

	reason := saga.Reply{
		Step:         cmd.Reply.Step,
		ErrorCode:    saga.ErrorCodeFatal,
		ErrorMessage: fmt.Sprintf("reply could not be processed after %d deliveries: %v", cmd.DeliveryCount, err),
	}.Failure()
	if failErr := uc.failSaga.Execute(ctx, &FailSagaCommand{SagaID: cmd.Reply.SagaID, Reason: reason}); failErr != nil {
		logger.Error("failed to fail saga after poison reply", zap.Error(err), zap.NamedError("fail_error", failErr))
		return errors.Wrap(failErr, err.Error())
	}
	uc.metrics.Reply(ctx, string(cmd.Reply.Step), cmd.Reply.Success, ReplyOutcomeForceFail)
	return nil
}
