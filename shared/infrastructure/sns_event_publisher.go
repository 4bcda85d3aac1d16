package infrastructure

import (
	"context"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var _ events.Publisher = (*SNSEventPublisher)(nil)

const maxBatchSize = 10

// SNSAPI is the subset of the SNS client the publisher uses
type SNSAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// SNSEventPublisher implements events.Publisher using AWS SNS. Each event goes
// to the topic ARN mapped to its Topic, or to the default ARN. On FIFO topics
// events are grouped by saga so a saga's commands keep their order.
type SNSEventPublisher struct {
	client          SNSAPI
	topicArns       map[events.Topic]string
	defaultTopicArn string
}

// NewSNSEventPublisher creates a new SNSEventPublisher
func NewSNSEventPublisher(client SNSAPI, defaultTopicArn string, topicArns map[events.Topic]string) *SNSEventPublisher {
	if topicArns == nil {
		topicArns = make(map[events.Topic]string)
	}
	return &SNSEventPublisher{
		client:          client,
		topicArns:       topicArns,
		defaultTopicArn: defaultTopicArn,
	}
}

// Publish publishes events to SNS
func (p *SNSEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	byArn := make(map[string][]*events.Event)
	var arns []string
	for _, event := range evts {
		arn := p.topicArn(event.Topic)
		if arn == "" {
			return errors.Errorf("no SNS topic configured for %s", event.Topic)
		}
		if _, ok := byArn[arn]; !ok {
			arns = append(arns, arn)
		}
		byArn[arn] = append(byArn[arn], event)
	}

	gr, ctx := errgroup.WithContext(ctx)

	for _, arn := range arns {
		for _, eventBatch := range splitToChunks(byArn[arn], maxBatchSize) {
			arn, eventBatch := arn, eventBatch
			gr.Go(func() error {
				return p.batchPublish(ctx, arn, eventBatch)
			})
		}
	}

	return gr.Wait()
}

func (p *SNSEventPublisher) topicArn(topic events.Topic) string {
	if arn, ok := p.topicArns[topic]; ok && arn != "" {
		return arn
	}
	return p.defaultTopicArn
}

func (p *SNSEventPublisher) batchPublish(ctx context.Context, topicArn string, evts []*events.Event) error {
	fifo := strings.HasSuffix(topicArn, ".fifo")
	requests := make([]types.PublishBatchRequestEntry, len(evts))

	for i, event := range evts {
		msgJson, err := event.ToJSON()
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}

		attrs := map[string]types.MessageAttributeValue{
			"topic": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Topic)),
			},
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.EventType),
			},
		}

		for k, v := range event.Metadata {
			if k == SQSMessageIDKey || k == SQSReceiptHandleKey || k == events.MetadataDeliveryCount || v == "" {
				continue
			}

			attrs[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}

		requests[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(batchEntryID(i)),
			Message:           aws.String(string(msgJson)),
			MessageAttributes: attrs,
		}
		if fifo {
			requests[i].MessageGroupId = aws.String(shardKey(event))
			requests[i].MessageDeduplicationId = aws.String(event.DeduplicationID())
		}
	}

	res, err := p.client.PublishBatch(
		ctx,
		&sns.PublishBatchInput{
			TopicArn:                   aws.String(topicArn),
			PublishBatchRequestEntries: requests,
		},
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	if len(res.Failed) > 0 {
		entry := res.Failed[0]
		return errors.Errorf("SNS rejected %d of %d messages: %s: %s",
			len(res.Failed), len(evts), aws.ToString(entry.Code), aws.ToString(entry.Message))
	}

	return nil
}

// batchEntryID is unique within one batch; SNS restricts the allowed characters
func batchEntryID(i int) string {
	return "m" + strconv.Itoa(i)
}

// shardKey keeps every message of one saga together
func shardKey(event *events.Event) string {
	if sagaID, ok := event.Metadata.Get(events.MetadataSagaID); ok && sagaID != "" {
		return sagaID
	}
	if !event.CorrelationID.IsZero() {
		return event.CorrelationID.String()
	}
	return event.Key()
}

// splitToChunks splits slice into chunks of specified size
func splitToChunks[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
