package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/saga-coordinator/infrastructure"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testNow}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher keeps every published event, failing while failWith is set
type recordingPublisher struct {
	mu       sync.Mutex
	events   []*events.Event
	failWith error
}

func (p *recordingPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.events = append(p.events, evts...)
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		keys = append(keys, evt.Key())
	}
	return keys
}

func startCommand(orderID string) *StartSagaCommand {
	return &StartSagaCommand{StartRequested: saga.StartRequested{
		OrderID:     orderID,
		CustomerID:  "customer-1",
		TotalAmount: models.NewMoney(3000, "USD"),
		Items: []saga.OrderItem{
			{ProductID: "p-1", Name: "Keyboard", Quantity: 1, Price: models.NewMoney(2000, "USD")},
			{ProductID: "p-2", Name: "Mouse", Quantity: 2, Price: models.NewMoney(500, "USD")},
		},
		ShippingAddress: &saga.Address{Line1: "1 Main St", City: "Springfield", Country: "US"},
		PaymentMethod:   "CREDIT_CARD",
	}}
}

// coordinator wires the use cases over one in-memory repository and clock
type coordinator struct {
	repo     *infrastructure.MemorySagaRepository
	clock    *testClock
	start    *StartSaga
	replies  *HandleReply
	get      *GetSaga
	timeouts *SuperviseTimeouts
}

func newCoordinator(t *testing.T, policy domain.Policy) *coordinator {
	t.Helper()
	repo := infrastructure.NewMemorySagaRepository()
	clock := newTestClock()

	failSaga := NewFailSaga(repo, 3, nil)
	failSaga.now = clock.Now

	c := &coordinator{
		repo:  repo,
		clock: clock,
		start: NewStartSaga(repo, nil),
		replies: NewHandleReply(repo, failSaga, HandleReplyConfig{
			Policy:              policy,
			ConflictRetries:     3,
			MaxDeliveryAttempts: 5,
		}, nil),
		get: NewGetSaga(repo),
		timeouts: NewSuperviseTimeouts(repo, SuperviseTimeoutsConfig{
			Policy:     policy,
			MaxRetries: 2,
			Timeouts: StepTimeouts{
				Inventory:    30 * time.Second,
				Payment:      30 * time.Second,
				Shipping:     time.Minute,
				Compensation: time.Minute,
			},
		}, nil),
	}
	c.start.now = clock.Now
	c.replies.now = clock.Now
	c.timeouts.now = clock.Now
	return c
}

func (c *coordinator) startSaga(t *testing.T, orderID string) string {
	t.Helper()
	resp, err := c.start.Execute(context.Background(), startCommand(orderID))
	require.NoError(t, err)
	require.True(t, resp.Created)
	return resp.SagaID
}

func (c *coordinator) reply(t *testing.T, sagaID string, step saga.Step, success bool) {
	t.Helper()
	orderID := c.saga(t, sagaID).OrderID
	c.clock.Advance(time.Second)
	r := saga.Reply{SagaID: sagaID, OrderID: orderID, Step: step, Success: success, Timestamp: c.clock.Now()}
	if !success {
		r.ErrorCode = "REJECTED"
		r.ErrorMessage = "participant said no"
	}
	require.NoError(t, c.replies.Execute(context.Background(), &HandleReplyCommand{Reply: r, DeliveryCount: 1}))
}

func (c *coordinator) saga(t *testing.T, sagaID string) *GetSagaResponse {
	t.Helper()
	resp, err := c.get.Execute(context.Background(), &GetSagaQuery{SagaID: sagaID})
	require.NoError(t, err)
	return resp
}

// outboxSteps lists the steps in the outbox in emission order
func (c *coordinator) outboxSteps() []saga.Step {
	var steps []saga.Step
	for _, msg := range c.repo.Outbox() {
		steps = append(steps, msg.Step)
	}
	return steps
}

func statusPath(history []TransitionResponse) []saga.Status {
	path := make([]saga.Status, 0, len(history))
	for _, tr := range history {
		path = append(path, tr.To)
	}
	return path
}
