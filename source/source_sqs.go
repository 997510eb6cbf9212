package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/baldanca/widget-consumer/widget"
)

// RejectReasonAttribute is the message attribute carrying the reason a
// message was moved to the dead-letter queue.
const RejectReasonAttribute = "reject-reason"

type SourceSQSConfig struct {
	WaitTimeSeconds int32
	MaxMessages     int32
	VisibilityTO    int32

	// ErrorBackoff is slept after a failed receive so a broken queue does not
	// turn the dispatcher into a busy loop.
	ErrorBackoff time.Duration

	// DeadLetterQueueURL receives rejected messages. When empty, rejected
	// messages are only deleted.
	DeadLetterQueueURL string
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
	if c.ErrorBackoff < 0 {
		panic("error backoff must be non-negative")
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
	ErrorBackoff:    250 * time.Millisecond,
}

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SourceSQS reads requests from an SQS queue.
//
// Received messages are buffered locally in receipt order; a new long-poll is
// issued only once the buffer is drained. A message stays on the queue until
// Ack is called with its handle, so delivery is at-least-once. SourceSQS is
// not safe for concurrent use.
type SourceSQS struct {
	cfg SourceSQSConfig
	log zerolog.Logger

	client      sqsAPI
	queueURL    string
	queueURLPtr *string
	dlqURL      string

	buf []sqstypes.Message
}

func NewSourceSQS(client sqsAPI, queueURL string, cfg SourceSQSConfig, log zerolog.Logger) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	s := &SourceSQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
		dlqURL:   cfg.DeadLetterQueueURL,
		buf:      make([]sqstypes.Message, 0, cfg.MaxMessages),
		log:      log.With().Str("component", "SourceSQS").Str("queue_url", queueURL).Logger(),
	}
	s.queueURLPtr = &s.queueURL
	return s
}

// NewSourceSQSByName resolves the queue URL for name and builds a SourceSQS.
func NewSourceSQSByName(ctx context.Context, client sqsAPI, name string, cfg SourceSQSConfig, log zerolog.Logger) (*SourceSQS, error) {
	if client == nil {
		panic("sqs client is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("resolve sqs queue url name=%q: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	if url == "" {
		return nil, fmt.Errorf("resolve sqs queue url name=%q: empty url", name)
	}
	return NewSourceSQS(client, url, cfg, log), nil
}

// Buffered reports how many received messages are waiting locally.
func (s *SourceSQS) Buffered() int { return len(s.buf) }

func (s *SourceSQS) Fetch(ctx context.Context) (Delivery, bool) {
	if len(s.buf) == 0 && !s.receive(ctx) {
		return Delivery{}, false
	}

	m := s.buf[0]
	s.buf[0] = sqstypes.Message{}
	s.buf = s.buf[1:]

	h := handleOf(&m)
	log := s.log.With().Str("message_id", h.MessageID).Logger()

	req, err := widget.Decode([]byte(aws.ToString(m.Body)))
	if err != nil {
		// Poison message: drop it so it is not redelivered forever.
		log.Error().Err(err).Msg("deleting malformed message")
		if delErr := s.delete(ctx, h); delErr != nil {
			log.Error().Err(delErr).Msg("delete malformed message failed")
		}
		return Delivery{}, false
	}
	return Delivery{Request: req, Handle: &h}, true
}

// receive long-polls the queue and appends the result to the buffer.
func (s *SourceSQS) receive(ctx context.Context) bool {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              s.queueURLPtr,
		MaxNumberOfMessages:   s.cfg.MaxMessages,
		WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
		VisibilityTimeout:     s.cfg.VisibilityTO,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("receive failed")
			s.backoff(ctx)
		}
		return false
	}
	if len(out.Messages) == 0 {
		return false
	}
	s.log.Debug().Int("count", len(out.Messages)).Msg("Received messages")
	s.buf = append(s.buf, out.Messages...)
	return true
}

func (s *SourceSQS) backoff(ctx context.Context) {
	if s.cfg.ErrorBackoff <= 0 {
		return
	}
	t := time.NewTimer(s.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Ack deletes the delivery from the queue. Failures are returned, not retried.
func (s *SourceSQS) Ack(ctx context.Context, h AckHandle) error {
	if err := s.delete(ctx, h); err != nil {
		s.log.Error().Err(err).Str("message_id", h.MessageID).Msg("ack failed")
		return err
	}
	return nil
}

// Reject forwards the delivery to the dead-letter queue, when one is
// configured, and then deletes it from the source queue.
func (s *SourceSQS) Reject(ctx context.Context, h AckHandle, reason error) error {
	if s.dlqURL != "" {
		msg := "rejected"
		if reason != nil {
			msg = reason.Error()
		}
		_, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.dlqURL),
			MessageBody: aws.String(h.body),
			MessageAttributes: map[string]sqstypes.MessageAttributeValue{
				RejectReasonAttribute: {DataType: aws.String("String"), StringValue: aws.String(msg)},
			},
		})
		if err != nil {
			// Leave the original in place; it becomes visible again later.
			return fmt.Errorf("sqs dead-letter send id=%s: %w", h.MessageID, err)
		}
	}
	return s.delete(ctx, h)
}

func (s *SourceSQS) delete(ctx context.Context, h AckHandle) error {
	if h.ReceiptHandle == "" {
		return ErrNoHandle
	}
	rh := h.ReceiptHandle
	if _, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: s.queueURLPtr, ReceiptHandle: &rh}); err != nil {
		return fmt.Errorf("sqs delete id=%s: %w", h.MessageID, err)
	}
	return nil
}

func handleOf(m *sqstypes.Message) AckHandle {
	return AckHandle{
		MessageID:     aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		body:          aws.ToString(m.Body),
	}
}
