package domain

import (
	"context"
	"time"

	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("saga not found")
	ErrAlreadyExists = errors.New("saga already exists")
	ErrConflict      = errors.New("saga was modified concurrently")
	// ErrNoChange means the input does not apply to the current state: a
	// duplicate, an out-of-order reply or a terminal saga.
	ErrNoChange     = errors.New("no state change")
	ErrInvalidReply = errors.New("invalid reply")
)

// SagaInstance aggregate root. One per order.
type SagaInstance struct {
	SagaID  models.ID
	OrderID models.ID
	Status  saga.Status

	InventoryDone bool
	PaymentDone   bool
	ShippingDone  bool

	InventoryReleased bool
	PaymentRefunded   bool

	LastError string
	// Attempts counts dispatches of the currently outstanding step
	Attempts int
	Version  int64

	Request    saga.StartRequested
	Timestamps models.Timestamps
}

// Transition is one row of the audit trail
type Transition struct {
	SagaID models.ID
	From   saga.Status // empty on creation
	To     saga.Status
	Step   saga.Step
	Reason string
	At     time.Time
}

// Outcome is everything a state change writes next to the instance, in the same transaction
type Outcome struct {
	Commands    []OutboxMessage
	Transitions []Transition
}

func (o *Outcome) IsEmpty() bool {
	return o == nil || (len(o.Commands) == 0 && len(o.Transitions) == 0)
}

// Policy tunes the decisions of the coordinator
type Policy struct {
	// AwaitCompensationAcks keeps a saga in COMPENSATING until every
	// compensation is acknowledged. When false the saga fails as soon as
	// compensations are emitted.
	AwaitCompensationAcks bool
}

func DefaultPolicy() Policy {
	return Policy{AwaitCompensationAcks: true}
}

// Mutator computes the next state from the state read inside the store transaction
type Mutator func(current SagaInstance) (SagaInstance, *Outcome, error)

// SagaRepository interface
type SagaRepository interface {
	// Create persists a new instance with its initial outcome. A reused saga
	// or order ID fails with ErrAlreadyExists.
	Create(ctx context.Context, instance *SagaInstance, outcome *Outcome) error
	Load(ctx context.Context, sagaID models.ID) (*SagaInstance, error)
	FindByOrderID(ctx context.Context, orderID models.ID) (*SagaInstance, error)
	// CompareAndSwap applies mutate only while the persisted status equals
	// expected; otherwise ErrConflict. ErrNoChange from mutate aborts without writing.
	CompareAndSwap(ctx context.Context, sagaID models.ID, expected saga.Status, mutate Mutator) (*SagaInstance, error)
	// FindStalled lists sagas in status whose last update is older than olderThan
	FindStalled(ctx context.Context, status saga.Status, olderThan time.Time, limit int) ([]*SagaInstance, error)
	History(ctx context.Context, sagaID models.ID) ([]Transition, error)
}

// NewSaga creates a saga in STARTED and its first command
func NewSaga(req saga.StartRequested, now time.Time) (*SagaInstance, *Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	sagaID := models.GenerateUUID()
	if req.SagaID != "" {
		id, err := models.NewID(req.SagaID)
		if err != nil {
			return nil, nil, errors.Wrap(saga.ErrInvalidArgument, err.Error())
		}
		sagaID = id
	}
	orderID, err := models.NewID(req.OrderID)
	if err != nil {
		return nil, nil, errors.Wrap(saga.ErrInvalidArgument, err.Error())
	}

	req.SagaID = sagaID.String()
	req.OrderID = orderID.String()
	req.TotalAmount = models.NewMoney(req.TotalAmount.Amount, req.TotalAmount.Currency)

	instance := &SagaInstance{
		SagaID:     sagaID,
		OrderID:    orderID,
		Request:    req,
		Timestamps: models.NewTimestamps(now),
	}

	out := &Outcome{}
	instance.transition(saga.StatusStarted, saga.StepInventory, "saga started", now, out)
	if err := instance.emit(out, now, saga.StepInventory); err != nil {
		return nil, nil, err
	}
	return instance, out, nil
}

// OutstandingSteps returns the steps whose reply the saga is waiting for
func (s *SagaInstance) OutstandingSteps() []saga.Step {
	switch s.Status {
	case saga.StatusStarted:
		return []saga.Step{saga.StepInventory}
	case saga.StatusInventoryReserved:
		return []saga.Step{saga.StepPayment}
	case saga.StatusPaymentAuthorized:
		return []saga.Step{saga.StepShipping}
	case saga.StatusCompensating:
		return s.pendingCompensations()
	default:
		return nil
	}
}

// pendingCompensations lists compensations of completed steps not yet
// acknowledged, most recent step first.
func (s *SagaInstance) pendingCompensations() []saga.Step {
	var steps []saga.Step
	if s.PaymentDone && !s.PaymentRefunded {
		steps = append(steps, saga.StepPaymentRefund)
	}
	if s.InventoryDone && !s.InventoryReleased {
		steps = append(steps, saga.StepInventoryRelease)
	}
	return steps
}

func (s *SagaInstance) transition(to saga.Status, step saga.Step, reason string, now time.Time, out *Outcome) {
	out.Transitions = append(out.Transitions, Transition{
		SagaID: s.SagaID,
		From:   s.Status,
		To:     to,
		Step:   step,
		Reason: reason,
		At:     now.UTC(),
	})
	s.Status = to
	s.Timestamps = s.Timestamps.Touch(now)
}

func (s *SagaInstance) emit(out *Outcome, now time.Time, steps ...saga.Step) error {
	for _, step := range steps {
		msg, err := s.command(step, now, len(out.Commands))
		if err != nil {
			return err
		}
		out.Commands = append(out.Commands, msg)
	}
	return nil
}

// command builds the outbox message of a step from the persisted start request
func (s *SagaInstance) command(step saga.Step, now time.Time, position int) (OutboxMessage, error) {
	req := s.Request
	sagaID := s.SagaID.String()
	orderID := s.OrderID.String()

	var payload interface{}
	switch step {
	case saga.StepInventory:
		payload = saga.InventoryCommand{SagaID: sagaID, OrderID: orderID, Items: req.Items}
	case saga.StepPayment:
		payload = saga.PaymentCommand{
			SagaID:        sagaID,
			OrderID:       orderID,
			UserID:        req.CustomerID,
			Amount:        req.TotalAmount,
			PaymentMethod: req.PaymentMethod,
		}
	case saga.StepShipping:
		payload = saga.ShippingCommand{
			SagaID:          sagaID,
			OrderID:         orderID,
			UserID:          req.CustomerID,
			ShippingAddress: req.ShippingAddress,
		}
	case saga.StepInventoryRelease:
		payload = saga.ReleaseInventoryCommand{SagaID: sagaID, OrderID: orderID, Items: req.Items}
	case saga.StepPaymentRefund:
		payload = saga.RefundPaymentCommand{
			SagaID:  sagaID,
			OrderID: orderID,
			UserID:  req.CustomerID,
			Amount:  req.TotalAmount,
		}
	case saga.StepResult:
		payload = saga.SagaResult{
			SagaID:       sagaID,
			OrderID:      orderID,
			Status:       s.Status,
			ErrorMessage: s.LastError,
		}
	default:
		return OutboxMessage{}, errors.Wrapf(saga.ErrInvalidArgument, "no command for step %s", step)
	}

	return NewOutboxMessage(s.SagaID, step, payload, now, position)
}
