package handlers

import (
	"context"
	"fmt"

	"github.com/draftea/order-saga/saga-coordinator/application"
	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SagaEventHandlers routes broker messages to the saga use cases
type SagaEventHandlers struct {
	startSaga           *application.StartSaga
	handleReply         *application.HandleReply
	failSaga            *application.FailSaga
	maxDeliveryAttempts int
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(
	startSaga *application.StartSaga,
	handleReply *application.HandleReply,
	failSaga *application.FailSaga,
	maxDeliveryAttempts int,
) *SagaEventHandlers {
	return &SagaEventHandlers{
		startSaga:           startSaga,
		handleReply:         handleReply,
		failSaga:            failSaga,
		maxDeliveryAttempts: maxDeliveryAttempts,
	}
}

// Handle implements the events.EventHandler interface
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch {
	case event.Topic == saga.ChannelReplies || event.EventType == saga.EventTypeReply:
		return h.HandleReply(ctx, event)
	case event.Topic == saga.ChannelStart || event.EventType == saga.EventTypeStartRequested:
		return h.HandleStartRequested(ctx, event)
	default:
		// Unknown event type, ignore
		return nil
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *SagaEventHandlers) HandlerID() string {
	return "saga-coordinator-event-handler"
}

// HandleStartRequested starts a saga from a saga.start message
func (h *SagaEventHandlers) HandleStartRequested(ctx context.Context, event *events.Event) error {
	logger := logging.FromContext(ctx).With(zap.String("event_id", event.ID.String()))

	var cmd application.StartSagaCommand
	if err := event.UnmarshalPayload(&cmd.StartRequested); err != nil {
		// redelivering a malformed start cannot help
		logger.Error("dropping undecodable start request", zap.Error(err))
		return nil
	}

	if _, err := h.startSaga.Execute(ctx, &cmd); err != nil {
		// neither can be fixed by redelivering the same message
		if errors.Is(err, saga.ErrInvalidArgument) || errors.Is(err, domain.ErrAlreadyExists) {
			logger.Error("dropping invalid start request",
				zap.String("order_id", cmd.OrderID),
				zap.Error(err),
			)
			return nil
		}
		return errors.Wrap(err, "failed to start saga")
	}

	return nil
}

// HandleReply feeds a participant reply into the saga
func (h *SagaEventHandlers) HandleReply(ctx context.Context, event *events.Event) error {
	var reply saga.Reply
	if err := event.UnmarshalPayload(&reply); err != nil {
		return h.undecodableReply(ctx, event, err)
	}

	return h.handleReply.Execute(ctx, &application.HandleReplyCommand{
		Reply:         reply,
		DeliveryCount: event.DeliveryCount(),
	})
}

// undecodableReply keeps a broken reply on the broker until it ran out of
// deliveries, then fails the saga it was addressed to when that is known.
func (h *SagaEventHandlers) undecodableReply(ctx context.Context, event *events.Event, decodeErr error) error {
	err := errors.Wrap(decodeErr, "failed to parse reply")
	deliveries := event.DeliveryCount()
	if h.maxDeliveryAttempts <= 0 || deliveries < h.maxDeliveryAttempts {
		return err
	}

	sagaID, _ := event.Metadata.Get(events.MetadataSagaID)
	if sagaID == "" {
		sagaID = event.AggregateID.String()
	}
	if sagaID == "" {
		logging.FromContext(ctx).Error("dropping undecodable reply without saga",
			zap.String("event_id", event.ID.String()),
			zap.Int("delivery_count", deliveries),
			zap.Error(err),
		)
		return nil
	}

	return h.failSaga.Execute(ctx, &application.FailSagaCommand{
		SagaID: sagaID,
		Reason: fmt.Sprintf("%s: reply could not be processed after %d deliveries: %v", saga.ErrorCodeFatal, deliveries, err),
	})
}
