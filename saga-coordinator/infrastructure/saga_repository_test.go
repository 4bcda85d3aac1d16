package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-saga/saga-coordinator/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sagaStore interface {
	domain.SagaRepository
	domain.OutboxRepository
}

// SagaRepositorySuite is the behavior every saga store must share
type SagaRepositorySuite struct {
	suite.Suite
	newStore func(t *testing.T) sagaStore
	store    sagaStore
	ctx      context.Context
	ticks    int
}

func TestMemorySagaRepository(t *testing.T) {
	suite.Run(t, &SagaRepositorySuite{
		newStore: func(t *testing.T) sagaStore { return NewMemorySagaRepository() },
	})
}

func TestSQLiteSagaRepository(t *testing.T) {
	suite.Run(t, &SagaRepositorySuite{
		newStore: func(t *testing.T) sagaStore {
			db, err := sqlx.Open(DriverSQLite, ":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			// every connection to :memory: is a separate database
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { db.Close() })

			if err := Migrate(context.Background(), db); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			return NewSQLSagaRepository(db)
		},
	})
}

func (s *SagaRepositorySuite) SetupTest() {
	s.store = s.newStore(s.T())
	s.ctx = context.Background()
	s.ticks = 0
}

// tick returns a clock one minute later on every call
func (s *SagaRepositorySuite) tick() time.Time {
	s.ticks++
	return testNow.Add(time.Duration(s.ticks) * time.Minute)
}

func (s *SagaRepositorySuite) createSaga(orderID string) *domain.SagaInstance {
	req := saga.StartRequested{
		OrderID:     orderID,
		CustomerID:  "customer-1",
		TotalAmount: models.NewMoney(1200, "USD"),
		Items:       []saga.OrderItem{{ProductID: "p-1", Quantity: 2, Price: models.NewMoney(600, "USD")}},
		ShippingAddress: &saga.Address{
			Line1:   "742 Evergreen Terrace",
			City:    "Springfield",
			Country: "US",
		},
	}
	instance, outcome, err := domain.NewSaga(req, testNow)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, instance, outcome))
	return instance
}

func (s *SagaRepositorySuite) replyOf(instance *domain.SagaInstance, step saga.Step, success bool) domain.Mutator {
	at := s.tick()
	return func(current domain.SagaInstance) (domain.SagaInstance, *domain.Outcome, error) {
		return domain.Decide(current, saga.Reply{
			SagaID:  instance.SagaID.String(),
			OrderID: instance.OrderID.String(),
			Step:    step,
			Success: success,
		}, domain.DefaultPolicy(), at)
	}
}

func (s *SagaRepositorySuite) TestCreateAndLoad() {
	created := s.createSaga("O-1")
	s.Equal(int64(1), created.Version)

	loaded, err := s.store.Load(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Equal(created.SagaID, loaded.SagaID)
	s.Equal(models.ID("O-1"), loaded.OrderID)
	s.Equal(saga.StatusStarted, loaded.Status)
	s.Equal(int64(1), loaded.Version)
	s.Equal(created.Request, loaded.Request)
	s.True(created.Timestamps.CreatedAt.Equal(loaded.Timestamps.CreatedAt))

	byOrder, err := s.store.FindByOrderID(s.ctx, "O-1")
	s.Require().NoError(err)
	s.Equal(created.SagaID, byOrder.SagaID)
}

func (s *SagaRepositorySuite) TestCreateDuplicate() {
	created := s.createSaga("O-1")

	sameSaga, outcome, err := domain.NewSaga(saga.StartRequested{
		SagaID:      created.SagaID.String(),
		OrderID:     "O-2",
		CustomerID:  "customer-1",
		TotalAmount: models.NewMoney(1, "USD"),
		Items:       []saga.OrderItem{{ProductID: "p-1", Quantity: 1}},
	}, testNow)
	s.Require().NoError(err)
	s.True(errors.Is(s.store.Create(s.ctx, sameSaga, outcome), domain.ErrAlreadyExists))

	sameOrder, outcome, err := domain.NewSaga(created.Request, testNow)
	s.Require().NoError(err)
	sameOrder.SagaID = models.GenerateUUID()
	s.True(errors.Is(s.store.Create(s.ctx, sameOrder, outcome), domain.ErrAlreadyExists))
}

func (s *SagaRepositorySuite) TestLoadUnknown() {
	_, err := s.store.Load(s.ctx, "missing")
	s.True(errors.Is(err, domain.ErrNotFound))

	_, err = s.store.FindByOrderID(s.ctx, "missing")
	s.True(errors.Is(err, domain.ErrNotFound))

	_, err = s.store.CompareAndSwap(s.ctx, "missing", saga.StatusStarted, s.replyOf(&domain.SagaInstance{SagaID: "missing"}, saga.StepInventory, true))
	s.True(errors.Is(err, domain.ErrNotFound))
}

func (s *SagaRepositorySuite) TestCompareAndSwap() {
	created := s.createSaga("O-1")

	next, err := s.store.CompareAndSwap(s.ctx, created.SagaID, saga.StatusStarted, s.replyOf(created, saga.StepInventory, true))
	s.Require().NoError(err)
	s.Equal(saga.StatusInventoryReserved, next.Status)
	s.Equal(int64(2), next.Version)

	loaded, err := s.store.Load(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Equal(saga.StatusInventoryReserved, loaded.Status)
	s.True(loaded.InventoryDone)
	s.Equal(int64(2), loaded.Version)
	s.True(loaded.Timestamps.UpdatedAt.Equal(testNow.Add(time.Minute)))

	history, err := s.store.History(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(saga.Status(""), history[0].From)
	s.Equal(saga.StatusStarted, history[0].To)
	s.Equal(saga.StatusStarted, history[1].From)
	s.Equal(saga.StatusInventoryReserved, history[1].To)
	s.Equal(saga.StepInventory, history[1].Step)

	pending, err := s.store.FetchPending(s.ctx, testNow.Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.Equal(saga.StepInventory, pending[0].Step)
	s.Equal(saga.StepPayment, pending[1].Step)
}

func (s *SagaRepositorySuite) TestCompareAndSwap_StatusMismatch() {
	created := s.createSaga("O-1")

	_, err := s.store.CompareAndSwap(s.ctx, created.SagaID, saga.StatusInventoryReserved, s.replyOf(created, saga.StepPayment, true))
	s.True(errors.Is(err, domain.ErrConflict))

	loaded, err := s.store.Load(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Equal(saga.StatusStarted, loaded.Status)
	s.Equal(int64(1), loaded.Version)
}

func (s *SagaRepositorySuite) TestCompareAndSwap_NoChangeWritesNothing() {
	created := s.createSaga("O-1")

	_, err := s.store.CompareAndSwap(s.ctx, created.SagaID, saga.StatusStarted, s.replyOf(created, saga.StepPayment, true))
	s.True(errors.Is(err, domain.ErrNoChange))

	loaded, err := s.store.Load(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Equal(int64(1), loaded.Version)

	history, err := s.store.History(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *SagaRepositorySuite) TestCompareAndSwap_PersistsLastError() {
	created := s.createSaga("O-1")

	failed, err := s.store.CompareAndSwap(s.ctx, created.SagaID, saga.StatusStarted, s.replyOf(created, saga.StepInventory, false))
	s.Require().NoError(err)
	s.Equal(saga.StatusFailed, failed.Status)

	loaded, err := s.store.Load(s.ctx, created.SagaID)
	s.Require().NoError(err)
	s.Equal(saga.StatusFailed, loaded.Status)
	s.Equal("INVENTORY: failed", loaded.LastError)
}

func (s *SagaRepositorySuite) TestReemitRearmsOutboxRow() {
	created := s.createSaga("O-1")

	pending, err := s.store.FetchPending(s.ctx, testNow, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	first := pending[0]
	s.Equal(int64(1), first.Revision)
	s.Require().NoError(s.store.MarkSent(s.ctx, first.ID, first.Revision, testNow))

	pending, err = s.store.FetchPending(s.ctx, testNow.Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(pending)

	_, err = s.store.CompareAndSwap(s.ctx, created.SagaID, saga.StatusStarted, func(current domain.SagaInstance) (domain.SagaInstance, *domain.Outcome, error) {
		return domain.ApplyTimeout(current, domain.DefaultPolicy(), 3, testNow.Add(time.Minute))
	})
	s.Require().NoError(err)

	pending, err = s.store.FetchPending(s.ctx, testNow.Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(first.ID, pending[0].ID)
	s.Equal(first.Key, pending[0].Key)
	s.Equal(int64(2), pending[0].Revision)
	s.Nil(pending[0].SentAt)

	// an ack for the previous arming does not hide the re-emitted command
	s.Require().NoError(s.store.MarkSent(s.ctx, first.ID, first.Revision, testNow))
	pending, err = s.store.FetchPending(s.ctx, testNow.Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Len(pending, 1)
}

func (s *SagaRepositorySuite) TestMarkFailedDelaysMessage() {
	s.createSaga("O-1")

	pending, err := s.store.FetchPending(s.ctx, testNow, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)

	retryAt := testNow.Add(10 * time.Second)
	s.Require().NoError(s.store.MarkFailed(s.ctx, pending[0].ID, pending[0].Revision, "broker down", retryAt))

	pending, err = s.store.FetchPending(s.ctx, testNow.Add(5*time.Second), 10)
	s.Require().NoError(err)
	s.Empty(pending)

	pending, err = s.store.FetchPending(s.ctx, retryAt, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(1, pending[0].Attempts)
	s.Equal("broker down", pending[0].LastError)
}

func (s *SagaRepositorySuite) TestFetchPendingKeepsEmissionOrder() {
	created := s.createSaga("O-1")
	for _, step := range []saga.Step{saga.StepInventory, saga.StepPayment} {
		current, err := s.store.Load(s.ctx, created.SagaID)
		s.Require().NoError(err)
		_, err = s.store.CompareAndSwap(s.ctx, created.SagaID, current.Status, s.replyOf(created, step, true))
		s.Require().NoError(err)
	}
	_, err := s.store.CompareAndSwap(s.ctx, created.SagaID, saga.StatusPaymentAuthorized, s.replyOf(created, saga.StepShipping, false))
	s.Require().NoError(err)

	pending, err := s.store.FetchPending(s.ctx, testNow.Add(time.Hour), 10)
	s.Require().NoError(err)

	var steps []saga.Step
	for _, msg := range pending {
		steps = append(steps, msg.Step)
	}
	s.Equal([]saga.Step{
		saga.StepInventory,
		saga.StepPayment,
		saga.StepShipping,
		saga.StepPaymentRefund,
		saga.StepInventoryRelease,
	}, steps)

	limited, err := s.store.FetchPending(s.ctx, testNow.Add(time.Hour), 2)
	s.Require().NoError(err)
	s.Len(limited, 2)
}

func (s *SagaRepositorySuite) TestFindStalled() {
	old := s.createSaga("O-1")
	fresh := s.createSaga("O-2")

	_, err := s.store.CompareAndSwap(s.ctx, fresh.SagaID, saga.StatusStarted, func(current domain.SagaInstance) (domain.SagaInstance, *domain.Outcome, error) {
		return domain.ApplyTimeout(current, domain.DefaultPolicy(), 3, testNow.Add(10*time.Minute))
	})
	s.Require().NoError(err)

	stalled, err := s.store.FindStalled(s.ctx, saga.StatusStarted, testNow.Add(5*time.Minute), 10)
	s.Require().NoError(err)
	s.Require().Len(stalled, 1)
	s.Equal(old.SagaID, stalled[0].SagaID)

	none, err := s.store.FindStalled(s.ctx, saga.StatusCompensating, testNow.Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(none)
}
