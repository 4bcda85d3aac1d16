package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/draftea/order-saga/saga-coordinator/application"
	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/saga-coordinator/infrastructure"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const maxDeliveries = 3

type HandlersSuite struct {
	suite.Suite

	repo   *infrastructure.MemorySagaRepository
	router chi.Router
	events *SagaEventHandlers
}

func (s *HandlersSuite) SetupTest() {
	s.repo = infrastructure.NewMemorySagaRepository()

	startSaga := application.NewStartSaga(s.repo, nil)
	failSaga := application.NewFailSaga(s.repo, 3, nil)
	handleReply := application.NewHandleReply(s.repo, failSaga, application.HandleReplyConfig{
		Policy:              domain.DefaultPolicy(),
		ConflictRetries:     3,
		MaxDeliveryAttempts: maxDeliveries,
	}, nil)

	router := chi.NewRouter()
	router.Get("/health", Health)
	NewSagaHandlers(startSaga, application.NewGetSaga(s.repo)).RegisterRoutes(router)
	s.router = router
	s.events = NewSagaEventHandlers(startSaga, handleReply, failSaga, maxDeliveries)
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersSuite))
}

func startRequest(orderID string) saga.StartRequested {
	return saga.StartRequested{
		OrderID:     orderID,
		CustomerID:  "customer-1",
		TotalAmount: models.NewMoney(1500, "USD"),
		Items: []saga.OrderItem{
			{ProductID: "p-1", Quantity: 3, Price: models.NewMoney(500, "USD")},
		},
		PaymentMethod: "CREDIT_CARD",
	}
}

func (s *HandlersSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			s.Require().NoError(json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlersSuite) startSaga(orderID string) string {
	rec := s.do(http.MethodPost, "/sagas", startRequest(orderID))
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var resp application.StartSagaResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.SagaID
}

func (s *HandlersSuite) TestStartSaga_IsIdempotentOnOrder() {
	sagaID := s.startSaga("O-1")
	s.NotEmpty(sagaID)

	rec := s.do(http.MethodPost, "/sagas", startRequest("O-1"))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("application/json", rec.Header().Get("Content-Type"))

	var resp application.StartSagaResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(sagaID, resp.SagaID)
	s.Equal(saga.StatusStarted, resp.Status)
}

func (s *HandlersSuite) TestStartSaga_BadRequests() {
	missingOrder := startRequest("")

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{name: "malformed json", body: "{", code: http.StatusBadRequest},
		{name: "missing order id", body: missingOrder, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			rec := s.do(http.MethodPost, "/sagas", tt.body)
			s.Equal(tt.code, rec.Code)

			var resp errorResponse
			s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
			s.NotEmpty(resp.Error)
		})
	}
}

func (s *HandlersSuite) TestStartSaga_ReusedSagaIDConflicts() {
	sagaID := s.startSaga("O-2")

	req := startRequest("O-3")
	req.SagaID = sagaID
	rec := s.do(http.MethodPost, "/sagas", req)
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *HandlersSuite) TestGetSaga() {
	sagaID := s.startSaga("O-4")

	rec := s.do(http.MethodGet, "/sagas/"+sagaID, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp application.GetSagaResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(sagaID, resp.SagaID)
	s.Equal("O-4", resp.OrderID)
	s.Equal(saga.StatusStarted, resp.Status)
	s.Require().Len(resp.History, 1)
	s.Equal(saga.StatusStarted, resp.History[0].To)

	rec = s.do(http.MethodGet, "/sagas/unknown", nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlersSuite) TestHealth() {
	rec := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("OK", rec.Body.String())
}

func (s *HandlersSuite) TestEvents_StartAndReply() {
	ctx := context.Background()

	start := events.NewEvent("O-5", saga.ChannelStart, saga.EventTypeStartRequested, startRequest("O-5"))
	s.Require().NoError(s.events.Handle(ctx, start))

	instance, err := s.repo.FindByOrderID(ctx, "O-5")
	s.Require().NoError(err)
	s.Equal(saga.StatusStarted, instance.Status)

	// a repeated start is acknowledged without a second saga
	s.Require().NoError(s.events.Handle(ctx, start))

	reply := events.NewEvent(instance.SagaID, saga.ChannelReplies, saga.EventTypeReply, saga.Reply{
		SagaID:  instance.SagaID.String(),
		OrderID: "O-5",
		Step:    saga.StepInventory,
		Success: true,
	})
	s.Require().NoError(s.events.Handle(ctx, reply))

	instance, err = s.repo.Load(ctx, instance.SagaID)
	s.Require().NoError(err)
	s.Equal(saga.StatusInventoryReserved, instance.Status)
	s.True(instance.InventoryDone)
}

func (s *HandlersSuite) TestEvents_InvalidStartIsDropped() {
	ctx := context.Background()

	s.NoError(s.events.Handle(ctx, events.NewEvent("O-6", saga.ChannelStart, saga.EventTypeStartRequested, startRequest(""))))
	s.NoError(s.events.Handle(ctx, events.NewEvent("O-6", saga.ChannelStart, saga.EventTypeStartRequested, "not a start request")))
	s.NoError(s.events.Handle(ctx, events.NewEvent("O-6", "other.topic", "other.event", nil)))
}

func (s *HandlersSuite) TestEvents_StartWithTakenSagaIDIsDropped() {
	ctx := context.Background()
	sagaID := s.startSaga("O-8")

	req := startRequest("O-9")
	req.SagaID = sagaID
	s.NoError(s.events.Handle(ctx, events.NewEvent("O-9", saga.ChannelStart, saga.EventTypeStartRequested, req)))

	_, err := s.repo.FindByOrderID(ctx, "O-9")
	s.True(errors.Is(err, domain.ErrNotFound))
	instance, err := s.repo.Load(ctx, models.ID(sagaID))
	s.Require().NoError(err)
	s.Equal(models.ID("O-8"), instance.OrderID)
}

func (s *HandlersSuite) TestEvents_UndecodableReplyFailsSagaOnLastDelivery() {
	ctx := context.Background()
	sagaID := s.startSaga("O-7")

	broken := func(deliveries string) *events.Event {
		return events.NewEvent(models.ID(sagaID), saga.ChannelReplies, saga.EventTypeReply, "garbage").
			WithMetadata(events.MetadataSagaID, sagaID).
			WithMetadata(events.MetadataDeliveryCount, deliveries)
	}

	s.Error(s.events.Handle(ctx, broken("1")))
	instance, err := s.repo.Load(ctx, models.ID(sagaID))
	s.Require().NoError(err)
	s.Equal(saga.StatusStarted, instance.Status)

	s.NoError(s.events.Handle(ctx, broken("3")))
	instance, err = s.repo.Load(ctx, models.ID(sagaID))
	s.Require().NoError(err)
	s.Equal(saga.StatusFailed, instance.Status)
	s.Contains(instance.LastError, saga.ErrorCodeFatal)
	s.Contains(instance.LastError, "after 3 deliveries")
}

func TestNewMetricsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
