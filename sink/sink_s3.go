package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/baldanca/widget-consumer/widget"
)

const contentTypeJSON = "application/json"

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// SinkS3 stores each widget as the JSON of its latest create/update request
// under widgets/{owner}/{widgetId}.
type SinkS3 struct {
	client s3API
	log    zerolog.Logger

	bucket    string
	bucketPtr *string
	prefix    string
}

func NewSinkS3(client s3API, bucket, prefix string, log zerolog.Logger) *SinkS3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &SinkS3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log.With().Str("component", "SinkS3").Str("bucket", bucket).Logger(),
	}
	s.bucketPtr = &s.bucket
	s.log.Info().Msg("S3 storage initialized")
	return s
}

// Key returns the object key for a widget. The owner is lower-cased and every
// space becomes a hyphen.
func Key(owner, widgetID string) string {
	return "widgets/" + strings.ReplaceAll(strings.ToLower(owner), " ", "-") + "/" + widgetID
}

func (s *SinkS3) CreateWidget(ctx context.Context, req widget.Request) error {
	if req.Owner == nil {
		return fmt.Errorf("%w: s3 create of widget %q requires owner", ErrContractViolation, req.WidgetID)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode widget %q: %w", req.WidgetID, err)
	}

	key := Key(*req.Owner, req.WidgetID)
	s.log.Info().Str("key", key).Msg("Storing widget")
	return s.Write(ctx, WriteRequest{Key: key, Data: data, ContentType: contentTypeJSON})
}

// UpdateWidget overwrites the stored object; it is identical to CreateWidget.
func (s *SinkS3) UpdateWidget(ctx context.Context, req widget.Request) error {
	s.log.Info().Str("widget_id", req.WidgetID).Msg("Updating widget")
	return s.CreateWidget(ctx, req)
}

func (s *SinkS3) DeleteWidget(ctx context.Context, req widget.Request) error {
	if req.Owner == nil {
		s.log.Error().Str("widget_id", req.WidgetID).Msg("cannot delete widget: owner is missing from request")
		return fmt.Errorf("%w: s3 delete of widget %q requires owner", ErrContractViolation, req.WidgetID)
	}

	key := s.objectKey(Key(*req.Owner, req.WidgetID))
	s.log.Info().Str("key", key).Msg("Deleting widget")
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: s.bucketPtr, Key: &key}); err != nil {
		return fmt.Errorf("delete s3 object key=%q: %w", key, err)
	}
	return nil
}

func (s *SinkS3) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}

	key := s.objectKey(req.Key)
	cl := int64(len(req.Data))

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &key,
		Body:          bytes.NewReader(req.Data),
		ContentLength: &cl,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}

	if _, err := s.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

// objectKey applies the sink prefix. Keys are not path-cleaned.
func (s *SinkS3) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}
