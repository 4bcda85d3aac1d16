package infrastructure

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	_ events.Publisher  = (*NATSEventBus)(nil)
	_ events.Subscriber = (*NATSEventBus)(nil)
)

// NATSConfig configures the JetStream transport
type NATSConfig struct {
	URL    string
	Stream string
	// StreamSubjects are captured by the stream; it is created when missing
	StreamSubjects []string
	// Subjects are consumed by Subscribe
	Subjects      []string
	Durable       string
	AckWait       time.Duration
	MaxAckPending int
	MaxDeliver    int
	// DuplicateWindow bounds publish deduplication by message ID
	DuplicateWindow time.Duration
	Conn            *nats.Conn
}

// NATSEventBus publishes and consumes events on NATS JetStream. Events are
// published on the subject named after their topic, with the deduplication ID
// as JetStream message ID so a republished outbox row is stored once.
type NATSEventBus struct {
	cfg      NATSConfig
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool
	closed   chan struct{}

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSEventBus builds a JetStream transport; call Connect before use
func NewNATSEventBus(cfg NATSConfig) *NATSEventBus {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" {
		cfg.Stream = "ORDER_SAGA"
	}
	if len(cfg.StreamSubjects) == 0 {
		cfg.StreamSubjects = []string{"saga.>", "cmd.>"}
	}
	if cfg.Durable == "" {
		cfg.Durable = "saga-coordinator"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}
	return &NATSEventBus{cfg: cfg}
}

// Connect opens the connection and makes sure the stream exists
func (b *NATSEventBus) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.js != nil {
		return nil
	}
	if b.cfg.Conn != nil {
		b.conn = b.cfg.Conn
	} else {
		closed := make(chan struct{})
		conn, err := nats.Connect(b.cfg.URL,
			nats.Name(b.cfg.Durable),
			nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		)
		if err != nil {
			return errors.Wrap(err, "failed to connect to NATS")
		}
		b.conn = conn
		b.ownsConn = true
		b.closed = closed
	}

	js, err := b.conn.JetStream()
	if err != nil {
		return errors.Wrap(err, "failed to open JetStream context")
	}
	b.js = js

	return b.ensureStream()
}

func (b *NATSEventBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrap(err, "failed to look up stream")
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   b.cfg.StreamSubjects,
		Retention:  nats.LimitsPolicy,
		Duplicates: b.cfg.DuplicateWindow,
	})
	return errors.Wrap(err, "failed to create stream")
}

// Publish implements events.Publisher
func (b *NATSEventBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.Lock()
	js := b.js
	b.mu.Unlock()
	if js == nil {
		return errors.New("nats transport not connected")
	}

	for _, event := range evts {
		data, err := event.ToJSON()
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}
		if _, err := js.Publish(string(event.Topic), data,
			nats.MsgId(event.DeduplicationID()),
			nats.Context(ctx),
		); err != nil {
			return errors.Wrapf(err, "failed to publish to %s", event.Topic)
		}
	}
	return nil
}

// Subscribe implements events.Subscriber. Every configured subject gets a
// durable queue consumer with manual acks.
func (b *NATSEventBus) Subscribe(ctx context.Context, handler events.EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.js == nil {
		return errors.New("nats transport not connected")
	}

	for _, subject := range b.cfg.Subjects {
		durable := durableName(b.cfg.Durable, subject)
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.Durable(durable),
			nats.AckWait(b.cfg.AckWait),
			nats.MaxAckPending(b.cfg.MaxAckPending),
		}
		if b.cfg.MaxDeliver > 0 {
			opts = append(opts, nats.MaxDeliver(b.cfg.MaxDeliver))
		}

		sub, err := b.js.QueueSubscribe(subject, durable, b.handleMessage(ctx, handler), opts...)
		if err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", subject)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *NATSEventBus) handleMessage(ctx context.Context, handler events.EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		numDelivered := uint64(1)
		if meta, err := msg.Metadata(); err == nil {
			numDelivered = meta.NumDelivered
		}

		if err := deliverNATSMessage(ctx, handler, msg.Data, numDelivered); err != nil {
			logging.FromContext(ctx).Warn("nats message not processed",
				zap.String("subject", msg.Subject),
				zap.Uint64("delivery_count", numDelivered),
				zap.Error(err),
			)
			if nakErr := msg.Nak(); nakErr != nil {
				logging.FromContext(ctx).Warn("nats nak failed", zap.Error(nakErr))
			}
			return
		}
		if err := msg.Ack(); err != nil {
			logging.FromContext(ctx).Warn("nats ack failed", zap.Error(err))
		}
	}
}

// deliverNATSMessage decodes data and hands the event to handler
func deliverNATSMessage(ctx context.Context, handler events.EventHandler, data []byte, numDelivered uint64) error {
	event, err := events.FromJSON(data)
	if err != nil {
		return errors.Wrap(err, "failed to decode event")
	}
	if numDelivered < 1 {
		numDelivered = 1
	}
	event.Metadata.Set(events.MetadataDeliveryCount, strconv.FormatUint(numDelivered, 10))
	return handler.Handle(ctx, event)
}

// Close implements events.Subscriber. It only stops consuming; the
// connection stays up for publishers until Disconnect.
func (b *NATSEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to drain subscription on %s", sub.Subject)
		}
	}
	b.subs = nil
	return firstErr
}

// Disconnect drains the connection, waiting up to timeout for pending
// messages to flush. A connection passed in through NATSConfig is left open.
func (b *NATSEventBus) Disconnect(timeout time.Duration) error {
	b.mu.Lock()
	conn, closed, owns := b.conn, b.closed, b.ownsConn
	b.subs = nil
	b.conn = nil
	b.js = nil
	b.mu.Unlock()

	if conn == nil || !owns {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to drain NATS connection")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-closed:
		return nil
	case <-timer.C:
		conn.Close()
		return errors.New("timed out draining NATS connection")
	}
}

// durableName derives a consumer name; JetStream does not allow dots in it
func durableName(prefix, subject string) string {
	replacer := strings.NewReplacer(".", "-", "*", "any", ">", "all")
	return prefix + "-" + replacer.Replace(subject)
}
