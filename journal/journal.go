package journal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/baldanca/widget-consumer/batcher"
	"github.com/baldanca/widget-consumer/encoder"
	"github.com/baldanca/widget-consumer/retry"
	"github.com/baldanca/widget-consumer/sink"
)

// Outcome values stored in Entry.Outcome.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeSkipped   = "skipped"
)

// Entry is one row of the dispatch audit trail.
type Entry struct {
	RequestID   string    `parquet:"request_id"`
	WidgetID    string    `parquet:"widget_id"`
	Type        string    `parquet:"type"`
	Outcome     string    `parquet:"outcome"`
	Error       string    `parquet:"error"`
	ProcessedAt time.Time `parquet:"processed_at"`
}

// KeyFunc names the object a batch is written to.
type KeyFunc func(now time.Time) (string, error)

type Config struct {
	// Prefix is prepended to every object key.
	Prefix string

	Batcher batcher.BatcherConfig
}

// Journal buffers entries and uploads them as one object per batch.
// It is driven by the dispatch loop and is not safe for concurrent use.
type Journal struct {
	writer  sink.Writer
	encoder encoder.Encoder[Entry]
	batcher *batcher.Batcher[Entry]
	keyFunc KeyFunc
	retry   retry.Policy
	log     zerolog.Logger

	now func() time.Time
}

func New(w sink.Writer, enc encoder.Encoder[Entry], cfg Config, log zerolog.Logger) (*Journal, error) {
	if w == nil {
		return nil, errors.New("writer is nil")
	}
	if enc == nil {
		return nil, errors.New("encoder is nil")
	}

	b, err := batcher.NewBatcher[Entry](cfg.Batcher)
	if err != nil {
		return nil, fmt.Errorf("journal batcher: %w", err)
	}

	return &Journal{
		writer:  w,
		encoder: enc,
		batcher: b,
		keyFunc: PartitionedKeyFunc(cfg.Prefix, enc.FileExtension()),
		retry:   retry.Once{},
		log:     log.With().Str("component", "journal").Logger(),
		now:     time.Now,
	}, nil
}

// SetRetryPolicy sets the policy applied to object uploads.
func (j *Journal) SetRetryPolicy(p retry.Policy) {
	if p == nil {
		j.retry = retry.Once{}
		return
	}
	j.retry = p
}

// Record buffers e and uploads the batch once it is full. Upload failures are
// logged; the dispatch loop is never affected by them.
func (j *Journal) Record(ctx context.Context, e Entry) {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = j.now()
	}
	if j.batcher.Add(j.now(), e) {
		_ = j.Flush(ctx)
	}
}

// MaybeFlush uploads the batch if its flush interval has elapsed.
func (j *Journal) MaybeFlush(ctx context.Context, now time.Time) {
	if j.batcher.ShouldFlushTime(now) {
		_ = j.Flush(ctx)
	}
}

// Flush uploads whatever is buffered. A failed batch is dropped.
func (j *Journal) Flush(ctx context.Context) error {
	batch := j.batcher.Flush()
	if len(batch.Items) == 0 {
		return nil
	}

	if err := j.write(ctx, batch.Items); err != nil {
		j.log.Error().Err(err).Int("entries", len(batch.Items)).Msg("journal batch dropped")
		return err
	}
	return nil
}

func (j *Journal) write(ctx context.Context, items []Entry) error {
	data, err := j.encoder.Encode(ctx, items)
	if err != nil {
		return fmt.Errorf("encode journal batch: %w", err)
	}

	key, err := j.keyFunc(j.now())
	if err != nil {
		return fmt.Errorf("journal key: %w", err)
	}

	contentType := j.encoder.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req := sink.WriteRequest{Key: key, Data: data, ContentType: contentType}
	if err := j.retry.Do(ctx, func(ctx context.Context) error {
		return j.writer.Write(ctx, req)
	}); err != nil {
		return err
	}

	j.log.Debug().Str("key", key).Int("entries", len(items)).Msg("journal batch written")
	return nil
}

// PartitionedKeyFunc partitions keys by UTC hour and appends a random suffix
// so that two flushes within the same nanosecond never collide.
func PartitionedKeyFunc(prefix, ext string) KeyFunc {
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return func(now time.Time) (string, error) {
		now = now.UTC()
		suffix, err := randomHex(8)
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("%04d/%02d/%02d/%02d/%d-%s%s",
			now.Year(), int(now.Month()), now.Day(), now.Hour(), now.UnixNano(), suffix, ext,
		)
		if prefix == "" {
			return name, nil
		}
		return path.Join(prefix, name), nil
	}
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
