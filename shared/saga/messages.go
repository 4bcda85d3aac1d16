package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
)

// Channels
const (
	ChannelStart     events.Topic = "saga.start"
	ChannelInventory events.Topic = "cmd.inventory"
	ChannelPayment   events.Topic = "cmd.payment"
	ChannelShipping  events.Topic = "cmd.shipping"
	ChannelReplies   events.Topic = "saga.replies"
	ChannelResult    events.Topic = "saga.result"
)

// Event types
const (
	EventTypeStartRequested   = "saga.start_requested"
	EventTypeInventoryReserve = "inventory.reserve"
	EventTypeInventoryRelease = "inventory.release"
	EventTypePaymentAuthorize = "payment.authorize"
	EventTypePaymentRefund    = "payment.refund"
	EventTypeShippingCreate   = "shipping.create"
	EventTypeReply            = "saga.reply"
	EventTypeResult           = "saga.result"
)

// Error codes carried by replies
const (
	ErrorCodeTimeout = "TIMEOUT"
	ErrorCodeFatal   = "FATAL"
)

// Route returns the channel and event type a step's command travels on
func Route(step Step) (events.Topic, string, error) {
	switch step {
	case StepInventory:
		return ChannelInventory, EventTypeInventoryReserve, nil
	case StepPayment:
		return ChannelPayment, EventTypePaymentAuthorize, nil
	case StepShipping:
		return ChannelShipping, EventTypeShippingCreate, nil
	case StepInventoryRelease:
		return ChannelInventory, EventTypeInventoryRelease, nil
	case StepPaymentRefund:
		return ChannelPayment, EventTypePaymentRefund, nil
	case StepResult:
		return ChannelResult, EventTypeResult, nil
	default:
		return "", "", fmt.Errorf("%w: unknown saga step %q", ErrInvalidArgument, step)
	}
}

// OrderItem is a line of the order
type OrderItem struct {
	ProductID string       `json:"product_id"`
	Name      string       `json:"name,omitempty"`
	Quantity  int          `json:"quantity"`
	Price     models.Money `json:"price"`
}

// Address is the optional shipping destination
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

// StartRequested starts a saga. It is the body of POST /sagas and of messages on saga.start.
type StartRequested struct {
	SagaID          string       `json:"saga_id,omitempty"`
	OrderID         string       `json:"order_id"`
	CustomerID      string       `json:"customer_id"`
	TotalAmount     models.Money `json:"total_amount"`
	Items           []OrderItem  `json:"items"`
	ShippingAddress *Address     `json:"shipping_address,omitempty"`
	PaymentMethod   string       `json:"payment_method,omitempty"`
}

// Validate checks the start payload
func (r StartRequested) Validate() error {
	if strings.TrimSpace(r.OrderID) == "" {
		return fmt.Errorf("%w: order_id is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(r.CustomerID) == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidArgument)
	}
	if !r.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: total_amount must be positive", ErrInvalidArgument)
	}
	if r.TotalAmount.Currency == "" {
		return fmt.Errorf("%w: total_amount.currency is required", ErrInvalidArgument)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidArgument)
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: items[%d].product_id is required", ErrInvalidArgument, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: items[%d].quantity must be positive", ErrInvalidArgument, i)
		}
	}
	return r.validateTotal()
}

// validateTotal checks total_amount against the item prices. Items are
// allowed to omit prices, in which case the total is taken as given.
func (r StartRequested) validateTotal() error {
	sum := models.NewMoney(0, r.TotalAmount.Currency)
	for i, item := range r.Items {
		if item.Price.IsZero() {
			return nil
		}
		line := models.NewMoney(item.Price.Amount, item.Price.Currency).Multiply(item.Quantity)
		next, err := sum.Add(line)
		if err != nil {
			return fmt.Errorf("%w: items[%d].price: %v", ErrInvalidArgument, i, err)
		}
		sum = next
	}
	if sum.Amount != r.TotalAmount.Amount {
		return fmt.Errorf("%w: total_amount %d does not match items total %d", ErrInvalidArgument, r.TotalAmount.Amount, sum.Amount)
	}
	return nil
}

// InventoryCommand asks the inventory service to reserve stock
type InventoryCommand struct {
	SagaID  string      `json:"saga_id"`
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

// ReleaseInventoryCommand undoes an inventory reservation
type ReleaseInventoryCommand struct {
	SagaID  string      `json:"saga_id"`
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

// PaymentCommand asks the payment service to authorize the order amount
type PaymentCommand struct {
	SagaID        string       `json:"saga_id"`
	OrderID       string       `json:"order_id"`
	UserID        string       `json:"user_id"`
	Amount        models.Money `json:"amount"`
	PaymentMethod string       `json:"payment_method,omitempty"`
}

// RefundPaymentCommand undoes a payment authorization
type RefundPaymentCommand struct {
	SagaID  string       `json:"saga_id"`
	OrderID string       `json:"order_id"`
	UserID  string       `json:"user_id"`
	Amount  models.Money `json:"amount"`
}

// ShippingCommand asks the shipping service to create a shipment
type ShippingCommand struct {
	SagaID          string   `json:"saga_id"`
	OrderID         string   `json:"order_id"`
	UserID          string   `json:"user_id"`
	ShippingAddress *Address `json:"shipping_address,omitempty"`
}

// Reply is what participants send back on saga.replies
type Reply struct {
	SagaID       string    `json:"saga_id"`
	OrderID      string    `json:"order_id"`
	Step         Step      `json:"step"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate checks the reply before it reaches the coordinator
func (r *Reply) Validate() error {
	if strings.TrimSpace(r.SagaID) == "" {
		return fmt.Errorf("%w: reply without saga_id", ErrInvalidArgument)
	}
	step, err := ParseReplyStep(string(r.Step))
	if err != nil {
		return err
	}
	r.Step = step
	return nil
}

// Failure renders the reply error as stored in lastError
func (r Reply) Failure() string {
	switch {
	case r.ErrorCode != "" && r.ErrorMessage != "":
		return fmt.Sprintf("%s: %s: %s", r.Step, r.ErrorCode, r.ErrorMessage)
	case r.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", r.Step, r.ErrorMessage)
	case r.ErrorCode != "":
		return fmt.Sprintf("%s: %s", r.Step, r.ErrorCode)
	default:
		return fmt.Sprintf("%s: failed", r.Step)
	}
}

// SagaResult is emitted on saga.result once a saga is COMPLETED or FAILED
type SagaResult struct {
	SagaID       string `json:"saga_id"`
	OrderID      string `json:"order_id"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}
