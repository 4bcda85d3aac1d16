package domain

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
)

// OutboxMessage is a command or result waiting to be forwarded to the broker.
// Key is unique: writing the same key again re-arms the row.
type OutboxMessage struct {
	ID            models.ID
	SagaID        models.ID
	Key           string
	Step          saga.Step
	Topic         events.Topic
	EventType     string
	Payload       json.RawMessage
	Status        OutboxStatus
	Revision      int64
	Position      int
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

func NewOutboxMessage(sagaID models.ID, step saga.Step, payload interface{}, now time.Time, position int) (OutboxMessage, error) {
	key, err := saga.IdempotencyKey(sagaID.String(), step)
	if err != nil {
		return OutboxMessage{}, err
	}
	topic, eventType, err := saga.Route(step)
	if err != nil {
		return OutboxMessage{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, errors.Wrapf(err, "failed to encode %s command", step)
	}

	now = now.UTC()
	return OutboxMessage{
		ID:            models.GenerateUUID(),
		SagaID:        sagaID,
		Key:           key,
		Step:          step,
		Topic:         topic,
		EventType:     eventType,
		Payload:       raw,
		Status:        OutboxStatusPending,
		Revision:      1,
		Position:      position,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// DeduplicationID is unique per arming of the row: broker-level dedup drops
// republishes of the same revision but lets a re-emitted command through.
func (m OutboxMessage) DeduplicationID() string {
	return m.Key + ":" + strconv.FormatInt(m.Revision, 10)
}

// ToEvent wraps the message in the transport envelope
func (m OutboxMessage) ToEvent() *events.Event {
	return &events.Event{
		ID:          m.ID,
		AggregateID: m.SagaID,
		Topic:       m.Topic,
		EventType:   m.EventType,
		Version:     events.SchemaVersion,
		Data:        m.Payload,
		Metadata: events.Metadata{
			events.MetadataMessageKey:      m.Key,
			events.MetadataDeduplicationID: m.DeduplicationID(),
			events.MetadataSagaID:          m.SagaID.String(),
		},
		Timestamp:     m.CreatedAt,
		CorrelationID: m.SagaID,
	}
}

// OutboxRepository interface
type OutboxRepository interface {
	// FetchPending returns pending messages due at now, oldest first
	FetchPending(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error)
	// MarkSent is a no-op when the row was re-armed after it was fetched
	MarkSent(ctx context.Context, id models.ID, revision int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, id models.ID, revision int64, reason string, nextAttemptAt time.Time) error
}

// NextAttemptDelay is exponential in attempts and capped at maxDelay
func NextAttemptDelay(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > maxDelay || delay <= 0 {
		return maxDelay
	}
	return delay
}
