package dispatcher

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/widget-consumer/sink"
	"github.com/baldanca/widget-consumer/source"
)

// memS3 is an in-memory bucket set good enough for the source and sink.
type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte // bucket/key
	deletes []string
	puts    []string
}

func newMemS3() *memS3 { return &memS3{objects: map[string][]byte{}} }

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range m.objects {
		if len(k) > len(bucket) && k[:len(bucket)] == bucket {
			keys = append(keys, k[len(bucket):])
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for i, k := range keys {
		if in.MaxKeys != nil && int32(i) >= *in.MaxKeys {
			break
		}
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *memS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.deletes = append(m.deletes, k)
	delete(m.objects, k)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.puts = append(m.puts, k)
	m.objects[k] = b
	return &s3.PutObjectOutput{}, nil
}

// memSQS serves one fixed batch of messages, then nothing.
type memSQS struct {
	mu      sync.Mutex
	pending []sqstypes.Message
	deleted []string
	sent    []*sqs.SendMessageInput
}

func (m *memSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/" + aws.ToString(in.QueueName))}, nil
}

func (m *memSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: m.pending}
	m.pending = nil
	return out, nil
}

func (m *memSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *memSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("dlq-1")}, nil
}

func msg(id, body string) sqstypes.Message {
	return sqstypes.Message{MessageId: aws.String(id), ReceiptHandle: aws.String("rh-" + id), Body: aws.String(body)}
}

type memDynamo struct {
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	deletes []*dynamodb.DeleteItemInput
}

func (m *memDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.puts = append(m.puts, in)
	return &dynamodb.PutItemOutput{}, nil
}

func (m *memDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updates = append(m.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *memDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.deletes = append(m.deletes, in)
	return &dynamodb.DeleteItemOutput{}, nil
}

func drain(t *testing.T, d *Dispatcher, n int) []Outcome {
	t.Helper()
	var out []Outcome
	for i := 0; i < n; i++ {
		o, fetched := d.Step(context.Background())
		require.True(t, fetched, "step %d fetched nothing", i)
		out = append(out, o)
	}
	return out
}

func TestPipeline_QueueDeleteWithoutOwnerLeavesEverything(t *testing.T) {
	q := &memSQS{pending: []sqstypes.Message{
		msg("1", `{"type":"delete","requestId":"r-1","widgetId":"w-1"}`),
	}}
	store := newMemS3()
	store.objects["widgets/widgets/test-user/w-1"] = []byte(`{}`)

	src := source.NewSourceSQS(q, "https://sqs.local/requests", source.DefaultSourceSQSConfig, zerolog.Nop())
	snk := sink.NewSinkS3(store, "widgets", "", zerolog.Nop())
	d := newTestDispatcher(t, src, snk)

	assert.Equal(t, []Outcome{OutcomeFailed}, drain(t, d, 1))
	assert.Empty(t, store.deletes, "no store mutation")
	assert.Empty(t, q.deleted, "message stays on the queue")
	assert.Len(t, store.objects, 1)
}

func TestPipeline_QueueToTable(t *testing.T) {
	q := &memSQS{pending: []sqstypes.Message{
		msg("1", `{"type":"create","requestId":"r-1","widgetId":"w-1","owner":"Test User","otherAttributes":[{"name":"color","value":"red"}]}`),
		msg("2", `{"type":"update","requestId":"r-2","widgetId":"w-1","label":"new"}`),
		msg("3", `{"type":"rename","requestId":"r-3","widgetId":"w-1"}`),
		msg("4", `{"type":"delete","requestId":"r-4","widgetId":"w-1"}`),
	}}
	cfg := source.DefaultSourceSQSConfig
	cfg.DeadLetterQueueURL = "https://sqs.local/requests-dlq"
	src := source.NewSourceSQS(q, "https://sqs.local/requests", cfg, zerolog.Nop())

	table := &memDynamo{}
	snk := sink.NewSinkDynamoDB(table, "widgets", sink.SinkDynamoDBConfig{}, zerolog.Nop())
	d := newTestDispatcher(t, src, snk)

	got := drain(t, d, 4)
	assert.Equal(t, []Outcome{OutcomeProcessed, OutcomeProcessed, OutcomeRejected, OutcomeProcessed}, got)

	require.Len(t, table.puts, 1)
	require.Len(t, table.updates, 1)
	require.Len(t, table.deletes, 1)
	assert.Equal(t, "SET #label = :label", aws.ToString(table.updates[0].UpdateExpression))

	assert.ElementsMatch(t, []string{"rh-1", "rh-2", "rh-3", "rh-4"}, q.deleted)
	require.Len(t, q.sent, 1)
	assert.Equal(t, cfg.DeadLetterQueueURL, aws.ToString(q.sent[0].QueueUrl))
	assert.Contains(t, aws.ToString(q.sent[0].MessageAttributes[source.RejectReasonAttribute].StringValue), "rename")
}

func TestPipeline_PollBucketToBucket(t *testing.T) {
	store := newMemS3()
	store.objects["inbox/req-1"] = []byte(`{"type":"create","requestId":"r-1","widgetId":"w-9","owner":"Jane Doe","label":"x"}`)

	src := source.NewSourceS3(store, "inbox", source.DefaultSourceS3Config, zerolog.Nop())
	snk := sink.NewSinkS3(store, "widgets", "", zerolog.Nop())
	d := newTestDispatcher(t, src, snk)

	assert.Equal(t, []Outcome{OutcomeProcessed}, drain(t, d, 1))

	_, stillThere := store.objects["inbox/req-1"]
	assert.False(t, stillThere, "request object is consumed")
	assert.Contains(t, store.objects, "widgets/widgets/jane-doe/w-9")

	o, fetched := d.Step(context.Background())
	assert.False(t, fetched)
	assert.Equal(t, OutcomeIdle, o)
}
