package domain

import (
	"fmt"
	"time"

	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
)

// Decide applies a participant reply to the current state. It never mutates
// current. The first outcome per step is final: replies for a step already
// recorded, or whose precondition status does not hold, return ErrNoChange.
func Decide(current SagaInstance, reply saga.Reply, policy Policy, now time.Time) (SagaInstance, *Outcome, error) {
	if err := reply.Validate(); err != nil {
		return current, nil, errors.Wrap(ErrInvalidReply, err.Error())
	}
	if reply.SagaID != current.SagaID.String() {
		return current, nil, errors.Wrapf(ErrInvalidReply, "reply for saga %s applied to %s", reply.SagaID, current.SagaID)
	}
	if reply.OrderID != "" && reply.OrderID != current.OrderID.String() {
		return current, nil, errors.Wrapf(ErrInvalidReply, "reply for order %s sent to saga %s of order %s",
			reply.OrderID, current.SagaID, current.OrderID)
	}

	next := current
	out := &Outcome{}
	var err error

	switch {
	case reply.Step == saga.StepInventory:
		err = next.onInventory(reply, policy, now, out)
	case reply.Step == saga.StepPayment:
		err = next.onPayment(reply, policy, now, out)
	case reply.Step == saga.StepShipping:
		err = next.onShipping(reply, policy, now, out)
	case reply.Step.IsCompensation():
		err = next.onCompensationAck(reply, now, out)
	default:
		err = errors.Wrapf(ErrInvalidReply, "step %s does not accept replies", reply.Step)
	}
	if err != nil {
		return current, nil, err
	}
	return next, out, nil
}

// ApplyTimeout handles a saga whose outstanding step got no reply in time.
// Below maxRetries the outstanding commands are re-emitted with the same keys;
// after that a forward step fails as if the participant replied TIMEOUT and a
// compensation leaves the saga FAILED.
func ApplyTimeout(current SagaInstance, policy Policy, maxRetries int, now time.Time) (SagaInstance, *Outcome, error) {
	steps := current.OutstandingSteps()
	if current.Status.IsTerminal() || len(steps) == 0 {
		return current, nil, ErrNoChange
	}

	next := current
	out := &Outcome{}

	if next.Attempts < maxRetries {
		next.Attempts++
		next.Timestamps = next.Timestamps.Touch(now)
		if err := next.emit(out, now, steps...); err != nil {
			return current, nil, err
		}
		return next, out, nil
	}

	reason := fmt.Sprintf("%s: %s: no reply after %d attempts", steps[0], saga.ErrorCodeTimeout, next.Attempts+1)

	if next.Status == saga.StatusCompensating {
		next.LastError = reason
		next.transition(saga.StatusFailed, steps[0], reason, now, out)
		if err := next.emit(out, now, saga.StepResult); err != nil {
			return current, nil, err
		}
		return next, out, nil
	}

	return Decide(current, saga.Reply{
		SagaID:       current.SagaID.String(),
		OrderID:      current.OrderID.String(),
		Step:         steps[0],
		Success:      false,
		ErrorCode:    saga.ErrorCodeTimeout,
		ErrorMessage: fmt.Sprintf("no reply after %d attempts", next.Attempts+1),
		Timestamp:    now.UTC(),
	}, policy, now)
}

// ForceFail moves a saga to FAILED regardless of its outstanding step, still
// emitting compensations for the steps that completed.
func ForceFail(current SagaInstance, reason string, now time.Time) (SagaInstance, *Outcome, error) {
	if current.Status.IsTerminal() {
		return current, nil, ErrNoChange
	}

	next := current
	out := &Outcome{}
	if err := next.compensate(reason, "", Policy{AwaitCompensationAcks: false}, now, out); err != nil {
		return current, nil, err
	}
	return next, out, nil
}

func (s *SagaInstance) onInventory(reply saga.Reply, policy Policy, now time.Time, out *Outcome) error {
	if s.Status != saga.StatusStarted || s.InventoryDone {
		return ErrNoChange
	}

	if !reply.Success {
		return s.compensate(reply.Failure(), reply.Step, policy, now, out)
	}

	s.InventoryDone = true
	s.Attempts = 0
	s.transition(saga.StatusInventoryReserved, reply.Step, "inventory reserved", now, out)
	return s.emit(out, now, saga.StepPayment)
}

func (s *SagaInstance) onPayment(reply saga.Reply, policy Policy, now time.Time, out *Outcome) error {
	if s.Status != saga.StatusInventoryReserved || !s.InventoryDone || s.PaymentDone {
		return ErrNoChange
	}

	if !reply.Success {
		return s.compensate(reply.Failure(), reply.Step, policy, now, out)
	}

	s.PaymentDone = true
	s.Attempts = 0
	s.transition(saga.StatusPaymentAuthorized, reply.Step, "payment authorized", now, out)
	return s.emit(out, now, saga.StepShipping)
}

func (s *SagaInstance) onShipping(reply saga.Reply, policy Policy, now time.Time, out *Outcome) error {
	if s.Status != saga.StatusPaymentAuthorized || s.ShippingDone {
		return ErrNoChange
	}

	if !reply.Success {
		return s.compensate(reply.Failure(), reply.Step, policy, now, out)
	}

	s.ShippingDone = true
	s.Attempts = 0
	s.transition(saga.StatusShippingCreated, reply.Step, "shipment created", now, out)
	s.transition(saga.StatusCompleted, reply.Step, "all steps completed", now, out)
	return s.emit(out, now, saga.StepResult)
}

func (s *SagaInstance) onCompensationAck(reply saga.Reply, now time.Time, out *Outcome) error {
	if s.Status != saga.StatusCompensating {
		return ErrNoChange
	}

	switch reply.Step {
	case saga.StepInventoryRelease:
		if !s.InventoryDone || s.InventoryReleased {
			return ErrNoChange
		}
	case saga.StepPaymentRefund:
		if !s.PaymentDone || s.PaymentRefunded {
			return ErrNoChange
		}
	}

	if !reply.Success {
		// updatedAt is left alone so redelivered failures cannot push back
		// the timeout after which the supervisor re-emits the compensation
		if s.LastError == reply.Failure() {
			return ErrNoChange
		}
		s.LastError = reply.Failure()
		return nil
	}

	if reply.Step == saga.StepInventoryRelease {
		s.InventoryReleased = true
	} else {
		s.PaymentRefunded = true
	}
	s.Timestamps = s.Timestamps.Touch(now)

	if len(s.pendingCompensations()) > 0 {
		return nil
	}

	s.transition(saga.StatusFailed, reply.Step, "compensation completed", now, out)
	return s.emit(out, now, saga.StepResult)
}

// compensate diverges from the happy path. Completed steps are undone in
// reverse order; with nothing to undo the saga fails directly.
func (s *SagaInstance) compensate(reason string, step saga.Step, policy Policy, now time.Time, out *Outcome) error {
	s.LastError = reason
	s.Attempts = 0

	pending := s.pendingCompensations()
	if len(pending) == 0 {
		s.transition(saga.StatusFailed, step, reason, now, out)
		return s.emit(out, now, saga.StepResult)
	}

	if s.Status != saga.StatusCompensating {
		s.transition(saga.StatusCompensating, step, reason, now, out)
	}
	if err := s.emit(out, now, pending...); err != nil {
		return err
	}
	if policy.AwaitCompensationAcks {
		return nil
	}

	s.transition(saga.StatusFailed, step, "compensations emitted without awaiting acknowledgement", now, out)
	return s.emit(out, now, saga.StepResult)
}
