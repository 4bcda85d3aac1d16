package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/order-saga/shared/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu         sync.Mutex
	pending    []types.Message
	deleted    []string
	visibility map[string]int32
	waitTime   int32
}

func newFakeSQS(messages ...types.Message) *fakeSQS {
	return &fakeSQS{pending: messages, visibility: make(map[string]int32)}
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitTime = params.WaitTimeSeconds
	out := &sqs.ReceiveMessageOutput{Messages: f.pending}
	f.pending = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[aws.ToString(params.ReceiptHandle)] = params.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) snapshot() ([]string, map[string]int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	visibility := make(map[string]int32, len(f.visibility))
	for k, v := range f.visibility {
		visibility[k] = v
	}
	return append([]string(nil), f.deleted...), visibility
}

func sqsMessageFor(t *testing.T, event *events.Event, handle string, receiveCount string, wrap bool) types.Message {
	t.Helper()
	body, err := event.ToJSON()
	require.NoError(t, err)
	if wrap {
		body, err = json.Marshal(snsEnvelope{Type: "Notification", Message: string(body)})
		require.NoError(t, err)
	}
	return types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{approximateReceiveCount: receiveCount},
	}
}

func TestDecodeSQSMessage(t *testing.T) {
	event := commandEvent("saga-1", "saga.replies", "key")

	for _, wrap := range []bool{false, true} {
		decoded, err := decodeSQSMessage(sqsMessageFor(t, event, "rh-1", "4", wrap))
		require.NoError(t, err)
		assert.Equal(t, event.ID, decoded.ID)
		assert.Equal(t, 4, decoded.DeliveryCount())
		handle, _ := decoded.Metadata.Get(SQSReceiptHandleKey)
		assert.Equal(t, "rh-1", handle)
	}

	_, err := decodeSQSMessage(types.Message{Body: aws.String("not json")})
	assert.Error(t, err)
}

func TestSQSEventSubscriber_DeletesHandledAndRetriesFailed(t *testing.T) {
	ok := commandEvent("saga-ok", "saga.replies", "ok")
	failing := commandEvent("saga-fail", "saga.replies", "fail")
	client := newFakeSQS(
		sqsMessageFor(t, ok, "rh-ok", "1", true),
		sqsMessageFor(t, failing, "rh-fail", "6", false),
	)

	var mu sync.Mutex
	seen := map[string]int{}
	handler := events.HandlerFunc(func(ctx context.Context, evt *events.Event) error {
		mu.Lock()
		seen[shardKey(evt)] = evt.DeliveryCount()
		mu.Unlock()
		if shardKey(evt) == "saga-fail" {
			return errors.New("conflict")
		}
		return nil
	})

	subscriber := NewSQSEventSubscriber(client, "https://sqs.local/queue",
		WithWorkers(2),
		WithReaders(2),
		WithWaitTimeSeconds(1),
		WithPollBackoff(5*time.Millisecond, 5*time.Millisecond),
	)
	require.NoError(t, subscriber.Subscribe(context.Background(), handler))
	assert.Error(t, subscriber.Subscribe(context.Background(), handler))

	require.Eventually(t, func() bool {
		deleted, visibility := client.snapshot()
		return len(deleted) == 1 && len(visibility) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, subscriber.Close())

	deleted, visibility := client.snapshot()
	assert.Equal(t, []string{"rh-ok"}, deleted)
	// 30s base plus one 30s step for every three receives
	assert.Equal(t, int32(90), visibility["rh-fail"])

	client.mu.Lock()
	assert.Equal(t, int32(1), client.waitTime)
	client.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"saga-ok": 1, "saga-fail": 6}, seen)
}

func TestSQSEventSubscriber_StartWithoutHandler(t *testing.T) {
	subscriber := NewSQSEventSubscriber(newFakeSQS(), "queue")
	assert.Error(t, subscriber.Start(context.Background()))
	assert.NoError(t, subscriber.Close())
}
