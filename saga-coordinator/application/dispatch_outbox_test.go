package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/saga-coordinator/mocks"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(c *coordinator, publisher events.Publisher) *DispatchOutbox {
	uc := NewDispatchOutbox(c.repo, publisher, DispatchOutboxConfig{
		BatchSize:     10,
		RetryInterval: time.Second,
		MaxBackoff:    10 * time.Second,
	}, nil)
	uc.now = c.clock.Now
	return uc
}

func TestDispatchOutbox_PublishesAndMarksSent(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	sagaID := c.startSaga(t, "O-1")
	publisher := &recordingPublisher{}
	uc := newTestDispatcher(c, publisher)

	sent, err := uc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	key, err := saga.IdempotencyKey(sagaID, saga.StepInventory)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, publisher.keys())

	evt := publisher.events[0]
	assert.Equal(t, saga.ChannelInventory, evt.Topic)
	assert.Equal(t, key+":1", evt.DeduplicationID())
	assert.Equal(t, models.ID(sagaID), evt.CorrelationID)

	var cmd saga.InventoryCommand
	require.NoError(t, evt.UnmarshalPayload(&cmd))
	assert.Equal(t, "O-1", cmd.OrderID)
	assert.Len(t, cmd.Items, 2)

	outbox := c.repo.Outbox()
	require.Len(t, outbox, 1)
	assert.Equal(t, domain.OutboxStatusSent, outbox[0].Status)
	require.NotNil(t, outbox[0].SentAt)

	sent, err = uc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, publisher.keys(), 1)
}

func TestDispatchOutbox_BacksOffOnPublishFailure(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	c.startSaga(t, "O-2")
	publisher := &recordingPublisher{failWith: errors.New("broker unavailable")}
	uc := newTestDispatcher(c, publisher)
	ctx := context.Background()

	sent, err := uc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	msg := c.repo.Outbox()[0]
	assert.Equal(t, domain.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "broker unavailable", msg.LastError)
	assert.Equal(t, testNow.Add(time.Second), msg.NextAttemptAt)

	// second failure doubles the delay
	c.clock.Advance(time.Second)
	_, err = uc.RunOnce(ctx)
	require.NoError(t, err)
	msg = c.repo.Outbox()[0]
	assert.Equal(t, 2, msg.Attempts)
	assert.Equal(t, testNow.Add(3*time.Second), msg.NextAttemptAt)

	publisher.failWith = nil
	sent, err = uc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "not due yet")

	c.clock.Advance(2 * time.Second)
	sent, err = uc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, domain.OutboxStatusSent, c.repo.Outbox()[0].Status)
}

func TestDispatchOutbox_RepublishesReArmedCommand(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	sagaID := c.startSaga(t, "O-3")
	publisher := &recordingPublisher{}
	uc := newTestDispatcher(c, publisher)

	_, err := uc.RunOnce(context.Background())
	require.NoError(t, err)

	c.clock.Advance(time.Minute)
	changed, err := c.timeouts.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	sent, err := uc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	key, err := saga.IdempotencyKey(sagaID, saga.StepInventory)
	require.NoError(t, err)
	assert.Equal(t, []string{key, key}, publisher.keys())
	assert.Equal(t, key+":1", publisher.events[0].DeduplicationID())
	assert.Equal(t, key+":2", publisher.events[1].DeduplicationID())
}

func TestDispatchOutbox_RunOnce(t *testing.T) {
	msg, err := domain.NewOutboxMessage("saga-1", saga.StepPayment, saga.PaymentCommand{SagaID: "saga-1"}, testNow, 0)
	require.NoError(t, err)
	msg.Revision = 3
	msg.Attempts = 2

	tests := []struct {
		name          string
		setupMocks    func(*mocks.MockOutboxRepository, *mocks.MockPublisher)
		expectedSent  int
		expectedError string
	}{
		{
			name: "marks the fetched revision as sent",
			setupMocks: func(repo *mocks.MockOutboxRepository, publisher *mocks.MockPublisher) {
				repo.On("FetchPending", mock.Anything, testNow, 10).Return([]*domain.OutboxMessage{&msg}, nil).Once()
				publisher.On("Publish", mock.Anything, mock.MatchedBy(func(evts []*events.Event) bool {
					return len(evts) == 1 && evts[0].DeduplicationID() == msg.Key+":3"
				})).Return(nil).Once()
				repo.On("MarkSent", mock.Anything, msg.ID, int64(3), testNow).Return(nil).Once()
			},
			expectedSent: 1,
		},
		{
			name: "backs off from the current attempt count",
			setupMocks: func(repo *mocks.MockOutboxRepository, publisher *mocks.MockPublisher) {
				repo.On("FetchPending", mock.Anything, testNow, 10).Return([]*domain.OutboxMessage{&msg}, nil).Once()
				publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("throttled")).Once()
				repo.On("MarkFailed", mock.Anything, msg.ID, int64(3), "throttled", testNow.Add(4*time.Second)).Return(nil).Once()
			},
		},
		{
			name: "reports a failure to record the sent state",
			setupMocks: func(repo *mocks.MockOutboxRepository, publisher *mocks.MockPublisher) {
				repo.On("FetchPending", mock.Anything, testNow, 10).Return([]*domain.OutboxMessage{&msg}, nil).Once()
				publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()
				repo.On("MarkSent", mock.Anything, msg.ID, int64(3), testNow).Return(errors.New("db down")).Once()
			},
			expectedSent:  1,
			expectedError: "db down",
		},
		{
			name: "fetch error",
			setupMocks: func(repo *mocks.MockOutboxRepository, publisher *mocks.MockPublisher) {
				repo.On("FetchPending", mock.Anything, testNow, 10).Return(nil, errors.New("db down")).Once()
			},
			expectedError: "db down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockOutboxRepository(t)
			publisher := mocks.NewMockPublisher(t)
			tt.setupMocks(repo, publisher)

			uc := NewDispatchOutbox(repo, publisher, DispatchOutboxConfig{
				BatchSize:     10,
				RetryInterval: time.Second,
				MaxBackoff:    time.Minute,
			}, nil)
			uc.now = func() time.Time { return testNow }

			sent, err := uc.RunOnce(context.Background())
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expectedSent, sent)
		})
	}
}

func TestDispatchOutbox_StartStop(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	c.startSaga(t, "O-4")
	publisher := &recordingPublisher{}

	uc := NewDispatchOutbox(c.repo, publisher, DispatchOutboxConfig{
		Interval:      5 * time.Millisecond,
		RatePerSecond: 1000,
	}, nil)
	uc.now = c.clock.Now
	uc.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(publisher.keys()) == 1
	}, time.Second, 5*time.Millisecond)

	uc.Stop()
	uc.Stop()
}
