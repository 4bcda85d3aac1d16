// Package saga is the versioned message schema of the order saga.
//
// It is owned by the coordinator and consumed read-only by participants:
// statuses, the closed set of steps, the commands the coordinator sends and
// the replies it accepts, channel names and idempotency keys.
package saga

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Status represents the current status of a saga
type Status string

const (
	StatusStarted           Status = "STARTED"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentAuthorized Status = "PAYMENT_AUTHORIZED"
	StatusShippingCreated   Status = "SHIPPING_CREATED"
	StatusCompleted         Status = "COMPLETED"
	StatusCompensating      Status = "COMPENSATING"
	StatusFailed            Status = "FAILED"
)

var allStatuses = []Status{
	StatusStarted,
	StatusInventoryReserved,
	StatusPaymentAuthorized,
	StatusShippingCreated,
	StatusCompleted,
	StatusCompensating,
	StatusFailed,
}

// ParseStatus validates a persisted or transported status
func ParseStatus(s string) (Status, error) {
	for _, status := range allStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: unknown saga status %q", ErrInvalidArgument, s)
}

// IsTerminal reports whether no further transition can happen
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// Step is the closed set of saga steps. Forward steps and compensations are
// answered by participants; StepResult is the coordinator's own outcome event.
type Step string

const (
	StepInventory        Step = "INVENTORY"
	StepPayment          Step = "PAYMENT"
	StepShipping         Step = "SHIPPING"
	StepInventoryRelease Step = "INVENTORY_RELEASE"
	StepPaymentRefund    Step = "PAYMENT_REFUND"
	StepResult           Step = "RESULT"
)

var allSteps = []Step{
	StepInventory,
	StepPayment,
	StepShipping,
	StepInventoryRelease,
	StepPaymentRefund,
	StepResult,
}

// ParseStep validates a step name, case-insensitively
func ParseStep(s string) (Step, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, step := range allSteps {
		if string(step) == name {
			return step, nil
		}
	}
	return "", fmt.Errorf("%w: unknown saga step %q", ErrInvalidArgument, s)
}

// ParseReplyStep validates a step carried by a participant reply
func ParseReplyStep(s string) (Step, error) {
	step, err := ParseStep(s)
	if err != nil {
		return "", err
	}
	if !step.IsReplyStep() {
		return "", fmt.Errorf("%w: step %s does not accept replies", ErrInvalidArgument, step)
	}
	return step, nil
}

// IsReplyStep reports whether participants reply to this step
func (s Step) IsReplyStep() bool {
	return s != StepResult
}

// IsCompensation reports whether the step undoes a forward step
func (s Step) IsCompensation() bool {
	return s == StepInventoryRelease || s == StepPaymentRefund
}

func (s Step) String() string {
	return string(s)
}
