package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/saga-coordinator/mocks"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func outboxRevision(t *testing.T, c *coordinator, step saga.Step) int64 {
	t.Helper()
	for _, msg := range c.repo.Outbox() {
		if msg.Step == step {
			return msg.Revision
		}
	}
	t.Fatalf("no outbox message for %s", step)
	return 0
}

func TestSuperviseTimeouts_RetriesThenFailsForwardStep(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	sagaID := c.startSaga(t, "O-1")
	ctx := context.Background()

	c.clock.Advance(10 * time.Second)
	changed, err := c.timeouts.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed, "inventory timeout has not elapsed yet")

	for attempt := 1; attempt <= 2; attempt++ {
		c.clock.Advance(31 * time.Second)
		changed, err = c.timeouts.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, changed)

		got := c.saga(t, sagaID)
		assert.Equal(t, saga.StatusStarted, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		assert.Equal(t, int64(attempt+1), outboxRevision(t, c, saga.StepInventory))
	}

	c.clock.Advance(31 * time.Second)
	changed, err = c.timeouts.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got := c.saga(t, sagaID)
	assert.Equal(t, saga.StatusFailed, got.Status)
	assert.Equal(t, "INVENTORY: TIMEOUT: no reply after 3 attempts", got.LastError)
	assert.Equal(t, []saga.Step{saga.StepInventory, saga.StepResult}, c.outboxSteps())

	c.clock.Advance(time.Hour)
	changed, err = c.timeouts.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed, "terminal sagas are not supervised")
}

func TestSuperviseTimeouts_ExhaustedPaymentCompensates(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	sagaID := c.startSaga(t, "O-2")
	c.reply(t, sagaID, saga.StepInventory, true)

	for i := 0; i < 3; i++ {
		c.clock.Advance(31 * time.Second)
		_, err := c.timeouts.RunOnce(context.Background())
		require.NoError(t, err)
	}

	got := c.saga(t, sagaID)
	assert.Equal(t, saga.StatusCompensating, got.Status)
	assert.Equal(t, "PAYMENT: TIMEOUT: no reply after 3 attempts", got.LastError)
	assert.Zero(t, got.Attempts)
	assert.Contains(t, c.outboxSteps(), saga.StepInventoryRelease)
}

func TestSuperviseTimeouts_CompensationTimeoutFails(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	sagaID := c.startSaga(t, "O-3")
	c.reply(t, sagaID, saga.StepInventory, true)
	c.reply(t, sagaID, saga.StepPayment, false)

	for i := 0; i < 2; i++ {
		c.clock.Advance(61 * time.Second)
		changed, err := c.timeouts.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, changed)
		assert.Equal(t, saga.StatusCompensating, c.saga(t, sagaID).Status)
	}
	assert.Equal(t, int64(3), outboxRevision(t, c, saga.StepInventoryRelease))

	c.clock.Advance(61 * time.Second)
	_, err := c.timeouts.RunOnce(context.Background())
	require.NoError(t, err)

	got := c.saga(t, sagaID)
	assert.Equal(t, saga.StatusFailed, got.Status)
	assert.Equal(t, "INVENTORY_RELEASE: TIMEOUT: no reply after 3 attempts", got.LastError)
	assert.False(t, got.InventoryReleased)
}

func TestSuperviseTimeouts_SkipsSagaUpdatedSinceScan(t *testing.T) {
	stale, _, err := domain.NewSaga(startCommand("O-4").StartRequested, testNow)
	require.NoError(t, err)
	stale.Version = 1

	fresh := *stale
	fresh.Version = 2
	fresh.Timestamps = fresh.Timestamps.Touch(testNow.Add(time.Minute))

	repo := mocks.NewMockSagaRepository(t)
	repo.On("FindStalled", mock.Anything, saga.StatusStarted, testNow.Add(30*time.Second), 100).
		Return([]*domain.SagaInstance{stale}, nil).Once()
	for _, status := range []saga.Status{saga.StatusInventoryReserved, saga.StatusPaymentAuthorized, saga.StatusCompensating} {
		repo.On("FindStalled", mock.Anything, status, mock.Anything, 100).Return(nil, nil).Once()
	}
	repo.On("CompareAndSwap", mock.Anything, stale.SagaID, saga.StatusStarted, mock.Anything).
		Return(&fresh, nil).Once()

	uc := NewSuperviseTimeouts(repo, SuperviseTimeoutsConfig{
		Policy:     domain.DefaultPolicy(),
		MaxRetries: 2,
		Timeouts:   StepTimeouts{Inventory: 30 * time.Second, Payment: time.Minute, Shipping: time.Minute, Compensation: time.Minute},
	}, nil)
	uc.now = func() time.Time { return testNow.Add(time.Minute) }

	changed, err := uc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestStepTimeouts_For(t *testing.T) {
	timeouts := StepTimeouts{Inventory: 1, Payment: 2, Shipping: 3, Compensation: 4}

	tests := []struct {
		status   saga.Status
		expected time.Duration
	}{
		{saga.StatusStarted, 1},
		{saga.StatusInventoryReserved, 2},
		{saga.StatusPaymentAuthorized, 3},
		{saga.StatusCompensating, 4},
		{saga.StatusShippingCreated, 0},
		{saga.StatusCompleted, 0},
		{saga.StatusFailed, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, timeouts.For(tt.status))
		})
	}
}

func TestSuperviseTimeouts_StartStop(t *testing.T) {
	c := newCoordinator(t, domain.DefaultPolicy())
	sagaID := c.startSaga(t, "O-5")
	c.clock.Advance(time.Minute)

	c.timeouts.config.Interval = 5 * time.Millisecond
	c.timeouts.Start(context.Background())
	defer c.timeouts.Stop()

	require.Eventually(t, func() bool {
		return c.saga(t, sagaID).Attempts > 0
	}, time.Second, 5*time.Millisecond)
}
