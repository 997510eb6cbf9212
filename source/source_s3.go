package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/baldanca/widget-consumer/widget"
)

type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type SourceS3Config struct {
	// Prefix restricts the inbox to keys under it (optional).
	Prefix string
	// IdleDelay is how long the dispatcher should wait after an empty fetch.
	IdleDelay time.Duration
}

var DefaultSourceS3Config = SourceS3Config{
	IdleDelay: 100 * time.Millisecond,
}

// SourceS3 treats a bucket as an unordered inbox of request objects.
//
// An object is deleted as soon as it has been read, before the request is
// processed. Delivery is therefore at-most-once: a request whose processing
// fails after Fetch is lost.
type SourceS3 struct {
	cfg SourceS3Config
	log zerolog.Logger

	client    s3API
	bucket    string
	bucketPtr *string
	maxKeys   int32
}

func NewSourceS3(client s3API, bucket string, cfg SourceS3Config, log zerolog.Logger) *SourceS3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}
	if cfg.IdleDelay < 0 {
		panic("idle delay must be non-negative")
	}

	s := &SourceS3{
		cfg:     cfg,
		client:  client,
		bucket:  bucket,
		maxKeys: 1,
		log:     log.With().Str("component", "SourceS3").Str("bucket", bucket).Logger(),
	}
	s.bucketPtr = &s.bucket
	s.log.Info().Msg("Retriever initialized")
	return s
}

func (s *SourceS3) IdleDelay() time.Duration { return s.cfg.IdleDelay }

func (s *SourceS3) Fetch(ctx context.Context) (Delivery, bool) {
	key, found, err := s.nextKey(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list inbox failed")
		return Delivery{}, false
	}
	if !found {
		return Delivery{}, false
	}

	log := s.log.With().Str("key", key).Logger()
	log.Info().Msg("Retrieving request")

	body, err := s.read(ctx, key)
	if err != nil {
		log.Error().Err(err).Msg("get request object failed")
		return Delivery{}, false
	}

	// Consumed on retrieval: from here on the request cannot be redelivered.
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: s.bucketPtr, Key: &key}); err != nil {
		log.Error().Err(err).Msg("delete request object failed")
		return Delivery{}, false
	}

	req, err := widget.Decode(body)
	if err != nil {
		log.Error().Err(err).Msg("discarding malformed request object")
		return Delivery{}, false
	}
	return Delivery{Request: req}, true
}

// Ack is a no-op: objects are removed at fetch time.
func (s *SourceS3) Ack(ctx context.Context, h AckHandle) error { return nil }

func (s *SourceS3) nextKey(ctx context.Context) (string, bool, error) {
	in := s3.ListObjectsV2Input{Bucket: s.bucketPtr, MaxKeys: &s.maxKeys}
	if s.cfg.Prefix != "" {
		in.Prefix = &s.cfg.Prefix
	}
	out, err := s.client.ListObjectsV2(ctx, &in)
	if err != nil {
		return "", false, fmt.Errorf("list s3 objects bucket=%q: %w", s.bucket, err)
	}
	if len(out.Contents) == 0 {
		return "", false, nil
	}
	key := aws.ToString(out.Contents[0].Key)
	if key == "" {
		return "", false, nil
	}
	return key, true, nil
}

func (s *SourceS3) read(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucketPtr, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("get s3 object key=%q: %w", key, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object key=%q: %w", key, err)
	}
	return b, nil
}
