package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cespare/xxhash/v2"
	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/logging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var _ events.Subscriber = (*SQSEventSubscriber)(nil)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"

	approximateReceiveCount = "ApproximateReceiveCount"
)

// SQSAPI is the subset of the SQS client the subscriber uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type sqsMessage struct {
	Message types.Message
	Event   *events.Event
	Err     error
}

// snsEnvelope is the body SQS receives from an SNS subscription without raw delivery
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// SQSEventSubscriber implements events.Subscriber using AWS SQS. Messages of
// the same saga always go to the same worker, so one process applies them in
// the order they were received.
type SQSEventSubscriber struct {
	mux              sync.Mutex
	shards           []chan *sqsMessage
	outboundMessages chan *sqsMessage
	cancel           context.CancelFunc
	wg               sync.WaitGroup
	running          atomic.Bool
	options          *sqsSubscriberOptions

	client   SQSAPI
	queueURL string
	handler  events.EventHandler
}

type sqsSubscriberOptions struct {
	workers                        int32
	readers                        int32
	cleaners                       int32
	maxNumberOfMessages            int32
	waitTimeSeconds                int32
	visibilityTimeout              int32
	sleepTimeAfterEmptyReceive     time.Duration
	sleepTimeAfterError            time.Duration
	ack                            bool
	extendVisibilityTimeoutOnError bool
	receiveCountRange              int32
	visibilityTimeoutOffset        int32
	maxVisibilityTimeout           int32
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

func WithReaders(readers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.readers = readers
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

func WithWaitTimeSeconds(seconds int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.waitTimeSeconds = seconds
	}
}

// WithPollBackoff sets how long a reader sleeps after an empty receive and after an error
func WithPollBackoff(afterEmpty, afterError time.Duration) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.sleepTimeAfterEmptyReceive = afterEmpty
		o.sleepTimeAfterError = afterError
	}
}

// NewSQSEventSubscriber creates a new SQS event subscriber
func NewSQSEventSubscriber(
	client SQSAPI,
	queueURL string,
	opts ...SQSSubscriberOption,
) *SQSEventSubscriber {
	options := &sqsSubscriberOptions{
		workers:                        8,
		readers:                        1,
		cleaners:                       2,
		maxNumberOfMessages:            10,
		waitTimeSeconds:                15,
		visibilityTimeout:              30,
		sleepTimeAfterEmptyReceive:     time.Second,
		sleepTimeAfterError:            20 * time.Second,
		ack:                            true,
		extendVisibilityTimeoutOnError: true,
		receiveCountRange:              3,
		visibilityTimeoutOffset:        30,
		maxVisibilityTimeout:           900, // 15 minutes
	}

	for _, opt := range opts {
		opt(options)
	}
	if options.workers < 1 {
		options.workers = 1
	}

	return &SQSEventSubscriber{
		client:   client,
		queueURL: queueURL,
		options:  options,
	}
}

// Subscribe starts delivering messages of the queue to handler
func (s *SQSEventSubscriber) Subscribe(ctx context.Context, handler events.EventHandler) error {
	if s.running.Load() {
		return errors.New("subscriber is already running")
	}
	s.mux.Lock()
	s.handler = handler
	s.mux.Unlock()

	return s.Start(ctx)
}

// Start starts the SQS subscriber
func (s *SQSEventSubscriber) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.running.Load() {
		return nil
	}
	if s.handler == nil {
		return errors.New("no handler configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.shards = make([]chan *sqsMessage, s.options.workers)
	s.outboundMessages = make(chan *sqsMessage, 10)

	for i := range s.shards {
		shard := make(chan *sqsMessage, 10)
		s.shards[i] = shard
		s.spawn(ctx, func(ctx context.Context) { s.startWorker(ctx, shard) })
	}

	for i := 0; i < int(s.options.readers); i++ {
		s.spawn(ctx, s.startReader)
	}

	for i := 0; i < int(s.options.cleaners); i++ {
		s.spawn(ctx, s.startCleaner)
	}

	s.running.Store(true)

	return nil
}

func (s *SQSEventSubscriber) spawn(ctx context.Context, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Stop stops the SQS subscriber and waits for in-flight messages
func (s *SQSEventSubscriber) Stop(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.cancel = nil
	s.running.Store(false)

	return nil
}

// Close implements events.Subscriber
func (s *SQSEventSubscriber) Close() error {
	return s.Stop(context.Background())
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context, inbound <-chan *sqsMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-inbound:
			s.handle(ctx, message)
		}
	}
}

func (s *SQSEventSubscriber) startReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := s.read(ctx); err != nil && ctx.Err() == nil {
				logging.FromContext(ctx).Error("sqs receive failed",
					zap.String("queue_url", s.queueURL),
					zap.Error(err),
				)
				sleep(ctx, s.options.sleepTimeAfterError)
			}
		}
	}
}

func (s *SQSEventSubscriber) startCleaner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.outboundMessages:
			if err := s.clean(ctx, message); err != nil && ctx.Err() == nil {
				logging.FromContext(ctx).Warn("sqs cleanup failed",
					zap.String("sqs_message_id", aws.ToString(message.Message.MessageId)),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context) error {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		AttributeNames: []types.QueueAttributeName{
			approximateReceiveCount,
			"ApproximateFirstReceiveTimestamp",
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to receive message from SQS")
	}

	if len(output.Messages) == 0 {
		sleep(ctx, s.options.sleepTimeAfterEmptyReceive)
		return nil
	}

	for _, message := range output.Messages {
		event, err := decodeSQSMessage(message)
		if err != nil {
			// left on the queue; the redrive policy moves it to the DLQ
			logging.FromContext(ctx).Error("malformed sqs message",
				zap.String("sqs_message_id", aws.ToString(message.MessageId)),
				zap.Error(err),
			)
			continue
		}

		shard := s.shards[xxhash.Sum64String(shardKey(event))%uint64(len(s.shards))]
		select {
		case shard <- &sqsMessage{Message: message, Event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (s *SQSEventSubscriber) handle(ctx context.Context, message *sqsMessage) {
	s.mux.Lock()
	handler := s.handler
	s.mux.Unlock()

	message.Err = handler.Handle(ctx, message.Event)

	select {
	case s.outboundMessages <- message:
	case <-ctx.Done():
	}
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	if message.Err != nil {
		if s.options.extendVisibilityTimeoutOnError {
			receiveCount := receiveCountOf(message.Message)

			visibilityTimeout := s.options.visibilityTimeout
			visibilityTimeout += (int32(receiveCount) / s.options.receiveCountRange) * s.options.visibilityTimeoutOffset

			if visibilityTimeout > s.options.maxVisibilityTimeout {
				visibilityTimeout = s.options.maxVisibilityTimeout
			}

			_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          &s.queueURL,
				ReceiptHandle:     message.Message.ReceiptHandle,
				VisibilityTimeout: visibilityTimeout,
			})
			if err != nil {
				return errors.Wrap(err, "failed to extend visibility timeout")
			}
		}
		return nil
	}

	if s.options.ack {
		_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &s.queueURL,
			ReceiptHandle: message.Message.ReceiptHandle,
		})
		if err != nil {
			return errors.Wrap(err, "failed to delete message from SQS")
		}
	}

	return nil
}

// decodeSQSMessage reads the event from a raw or SNS-wrapped body
func decodeSQSMessage(message types.Message) (*events.Event, error) {
	body := []byte(aws.ToString(message.Body))

	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	event, err := events.FromJSON(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode event")
	}

	event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	if message.ReceiptHandle != nil {
		event.Metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
	}
	for k, v := range message.MessageAttributes {
		if v.StringValue != nil && !event.Metadata.Has(k) {
			event.Metadata.Set(k, *v.StringValue)
		}
	}
	event.Metadata.Set(events.MetadataDeliveryCount, strconv.Itoa(receiveCountOf(message)))

	return event, nil
}

func receiveCountOf(message types.Message) int {
	receiveCount, err := strconv.Atoi(message.Attributes[approximateReceiveCount])
	if err != nil || receiveCount < 1 {
		return 1
	}
	return receiveCount
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
