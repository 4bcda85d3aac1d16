// Package mocks holds testify mocks of the coordinator ports.
package mocks

import (
	"context"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/stretchr/testify/mock"
)

// MockSagaRepository is a mock of domain.SagaRepository
type MockSagaRepository struct {
	mock.Mock
}

// NewMockSagaRepository creates a mock that asserts its expectations on cleanup
func NewMockSagaRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockSagaRepository {
	m := &MockSagaRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockSagaRepository) Create(ctx context.Context, instance *domain.SagaInstance, outcome *domain.Outcome) error {
	args := m.Called(ctx, instance, outcome)
	return args.Error(0)
}

func (m *MockSagaRepository) Load(ctx context.Context, sagaID models.ID) (*domain.SagaInstance, error) {
	args := m.Called(ctx, sagaID)
	instance, _ := args.Get(0).(*domain.SagaInstance)
	return instance, args.Error(1)
}

func (m *MockSagaRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.SagaInstance, error) {
	args := m.Called(ctx, orderID)
	instance, _ := args.Get(0).(*domain.SagaInstance)
	return instance, args.Error(1)
}

// CompareAndSwap records the call; when the expectation returns a nil error
// and an instance, the mutator is run against it so callers see a real outcome.
func (m *MockSagaRepository) CompareAndSwap(ctx context.Context, sagaID models.ID, expected saga.Status, mutate domain.Mutator) (*domain.SagaInstance, error) {
	args := m.Called(ctx, sagaID, expected, mutate)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	current, ok := args.Get(0).(*domain.SagaInstance)
	if !ok || current == nil {
		return nil, nil
	}
	next, _, err := mutate(*current)
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	return &next, nil
}

func (m *MockSagaRepository) FindStalled(ctx context.Context, status saga.Status, olderThan time.Time, limit int) ([]*domain.SagaInstance, error) {
	args := m.Called(ctx, status, olderThan, limit)
	stalled, _ := args.Get(0).([]*domain.SagaInstance)
	return stalled, args.Error(1)
}

func (m *MockSagaRepository) History(ctx context.Context, sagaID models.ID) ([]domain.Transition, error) {
	args := m.Called(ctx, sagaID)
	history, _ := args.Get(0).([]domain.Transition)
	return history, args.Error(1)
}

// MockOutboxRepository is a mock of domain.OutboxRepository
type MockOutboxRepository struct {
	mock.Mock
}

// NewMockOutboxRepository creates a mock that asserts its expectations on cleanup
func NewMockOutboxRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockOutboxRepository {
	m := &MockOutboxRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockOutboxRepository) FetchPending(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error) {
	args := m.Called(ctx, now, limit)
	pending, _ := args.Get(0).([]*domain.OutboxMessage)
	return pending, args.Error(1)
}

func (m *MockOutboxRepository) MarkSent(ctx context.Context, id models.ID, revision int64, sentAt time.Time) error {
	args := m.Called(ctx, id, revision, sentAt)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id models.ID, revision int64, reason string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, id, revision, reason, nextAttemptAt)
	return args.Error(0)
}

// MockPublisher is a mock of events.Publisher
type MockPublisher struct {
	mock.Mock
}

// NewMockPublisher creates a mock that asserts its expectations on cleanup
func NewMockPublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockPublisher {
	m := &MockPublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	args := m.Called(ctx, evts)
	return args.Error(0)
}
