package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyID          = errors.New("id must not be empty")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// ID is an opaque identifier. Saga and order IDs are not required to be UUIDs.
type ID string

// GenerateUUID creates a new random ID
func GenerateUUID() ID {
	return ID(uuid.New().String())
}

// NewID creates an ID from a non-blank string
func NewID(id string) (ID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyID
	}
	return ID(id), nil
}

// String returns string representation
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Timestamps represents creation and update times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTimestamps creates timestamps at the given instant, normalized to UTC
func NewTimestamps(now time.Time) Timestamps {
	now = now.UTC()
	return Timestamps{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps UpdatedAt
func (t Timestamps) Touch(now time.Time) Timestamps {
	t.UpdatedAt = now.UTC()
	return t
}

// Money represents monetary amount
type Money struct {
	Amount   int64  `json:"amount"`   // Amount in minor units
	Currency string `json:"currency"` // ISO currency code
}

// NewMoney creates a new money value
func NewMoney(amount int64, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: strings.ToUpper(currency),
	}
}

// IsZero checks if money is zero
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// IsPositive checks if money is positive
func (m Money) IsPositive() bool {
	return m.Amount > 0
}

// Add adds two money values (must have same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{
		Amount:   m.Amount + other.Amount,
		Currency: m.Currency,
	}, nil
}

// Multiply returns the amount multiplied by a quantity
func (m Money) Multiply(quantity int) Money {
	return Money{
		Amount:   m.Amount * int64(quantity),
		Currency: m.Currency,
	}
}
