package events

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"time"

	"github.com/draftea/order-saga/shared/models"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidReceiver = errors.New("receiver should be a pointer")
)

// Metadata keys understood by the transports
const (
	// MetadataMessageKey carries the idempotency key; used as partition / group key.
	MetadataMessageKey = "message_key"
	// MetadataDeduplicationID is unique per publish attempt of an outbox row.
	MetadataDeduplicationID = "deduplication_id"
	// MetadataDeliveryCount is set by subscribers from the broker redelivery counter.
	MetadataDeliveryCount = "delivery_count"
	// MetadataSagaID lets subscribers shard work without decoding the payload.
	MetadataSagaID = "saga_id"
)

// SchemaVersion is the version of the shared message schema carried by every envelope.
const SchemaVersion = "1.0"

// Topic is a logical channel name
type Topic string

func NewTopic(topic string) (Topic, error) {
	if topic == "" {
		return "", ErrInvalidTopic
	}
	return Topic(topic), nil
}

func (t Topic) String() string {
	return string(t)
}

// Metadata represents event metadata
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Set(key string, value string) {
	m[key] = value
}

func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Event is the envelope every message travels in, on every transport
type Event struct {
	ID            models.ID   `json:"id"`
	AggregateID   models.ID   `json:"aggregate_id"`
	Topic         Topic       `json:"topic"`
	EventType     string      `json:"event_type"`
	Version       string      `json:"version"`
	Data          interface{} `json:"data"`
	Metadata      Metadata    `json:"metadata"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID models.ID   `json:"correlation_id,omitempty"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber subscribes to events
type Subscriber interface {
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
}

// EventHandler handles events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to EventHandler
type HandlerFunc func(ctx context.Context, event *Event) error

func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// NewEvent creates a new event on the given topic
func NewEvent(aggregateID models.ID, topic Topic, eventType string, data interface{}) *Event {
	return &Event{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		EventType:   eventType,
		Version:     SchemaVersion,
		Data:        data,
		Metadata:    make(Metadata),
		Timestamp:   time.Now().UTC(),
	}
}

// WithCorrelationID sets correlation ID
func (e *Event) WithCorrelationID(correlationID models.ID) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata adds metadata
func (e *Event) WithMetadata(key string, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata.Set(key, value)
	return e
}

// Key returns the partition key, falling back to the aggregate ID
func (e *Event) Key() string {
	if key, ok := e.Metadata.Get(MetadataMessageKey); ok && key != "" {
		return key
	}
	return e.AggregateID.String()
}

// DeduplicationID returns the broker deduplication ID, falling back to the event ID
func (e *Event) DeduplicationID() string {
	if id, ok := e.Metadata.Get(MetadataDeduplicationID); ok && id != "" {
		return id
	}
	return e.ID.String()
}

// DeliveryCount returns how many times the broker delivered this event (1 when unknown)
func (e *Event) DeliveryCount() int {
	raw, ok := e.Metadata.Get(MetadataDeliveryCount)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// ToJSON converts event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON creates event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Metadata == nil {
		event.Metadata = make(Metadata)
	}
	return &event, nil
}

// MarshalPayload marshals the event payload
func (e *Event) MarshalPayload() (json.RawMessage, error) {
	if b, ok := e.Data.([]byte); ok {
		return b, nil
	}

	if b, ok := e.Data.(json.RawMessage); ok {
		return b, nil
	}

	return json.Marshal(e.Data)
}

// UnmarshalPayload unmarshals the event payload into the given pointer
func (e *Event) UnmarshalPayload(v interface{}) error {
	vValue := reflect.ValueOf(v)
	if vValue.Kind() != reflect.Ptr {
		return ErrInvalidReceiver
	}
	if e.Data == nil {
		return ErrInvalidPayload
	}

	vValue = vValue.Elem()
	payloadValue := reflect.ValueOf(e.Data)
	if vValue.Type() == payloadValue.Type() {
		vValue.Set(payloadValue)
		return nil
	}

	raw, err := e.MarshalPayload()
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, v)
}
