package application

import (
	"context"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/draftea/order-saga/shared/telemetry"
	"github.com/pkg/errors"
)

// GetSagaQuery represents the query to get a saga
type GetSagaQuery struct {
	SagaID string `json:"saga_id"`
}

// TransitionResponse is one entry of the saga history
type TransitionResponse struct {
	From   saga.Status `json:"from,omitempty"`
	To     saga.Status `json:"to"`
	Step   saga.Step   `json:"step,omitempty"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// GetSagaResponse represents the saga with its transition history
type GetSagaResponse struct {
	SagaID            string               `json:"saga_id"`
	OrderID           string               `json:"order_id"`
	Status            saga.Status          `json:"status"`
	InventoryDone     bool                 `json:"inventory_done"`
	PaymentDone       bool                 `json:"payment_done"`
	ShippingDone      bool                 `json:"shipping_done"`
	InventoryReleased bool                 `json:"inventory_released"`
	PaymentRefunded   bool                 `json:"payment_refunded"`
	LastError         string               `json:"last_error,omitempty"`
	Attempts          int                  `json:"attempts"`
	Version           int64                `json:"version"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	History           []TransitionResponse `json:"history"`
}

// GetSaga use case
type GetSaga struct {
	sagaRepository domain.SagaRepository
}

// NewGetSaga creates a new GetSaga use case
func NewGetSaga(sagaRepository domain.SagaRepository) *GetSaga {
	return &GetSaga{sagaRepository: sagaRepository}
}

// Execute retrieves a saga by ID
func (uc *GetSaga) Execute(ctx context.Context, query *GetSagaQuery) (*GetSagaResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "GetSaga")
	defer span.End()

	sagaID, err := models.NewID(query.SagaID)
	if err != nil {
		return nil, errors.Wrap(saga.ErrInvalidArgument, err.Error())
	}

	instance, err := uc.sagaRepository.Load(ctx, sagaID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get saga")
	}

	history, err := uc.sagaRepository.History(ctx, sagaID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get saga history")
	}

	response := &GetSagaResponse{
		SagaID:            instance.SagaID.String(),
		OrderID:           instance.OrderID.String(),
		Status:            instance.Status,
		InventoryDone:     instance.InventoryDone,
		PaymentDone:       instance.PaymentDone,
		ShippingDone:      instance.ShippingDone,
		InventoryReleased: instance.InventoryReleased,
		PaymentRefunded:   instance.PaymentRefunded,
		LastError:         instance.LastError,
		Attempts:          instance.Attempts,
		Version:           instance.Version,
		CreatedAt:         instance.Timestamps.CreatedAt,
		UpdatedAt:         instance.Timestamps.UpdatedAt,
		History:           make([]TransitionResponse, 0, len(history)),
	}
	for _, tr := range history {
		response.History = append(response.History, TransitionResponse{
			From:   tr.From,
			To:     tr.To,
			Step:   tr.Step,
			Reason: tr.Reason,
			At:     tr.At,
		})
	}
	return response, nil
}
