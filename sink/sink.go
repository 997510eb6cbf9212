package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/baldanca/widget-consumer/widget"
)

// ErrContractViolation marks a request that can never succeed because the
// producer sent incomplete or conflicting data. It is distinct from I/O
// failures, which may succeed on redelivery.
var ErrContractViolation = errors.New("widget request contract violation")

// ErrAttributeCollision is returned in strict mode when an attribute name
// repeats or shadows a reserved field. It wraps ErrContractViolation.
var ErrAttributeCollision = fmt.Errorf("attribute name collision: %w", ErrContractViolation)

// Sinkr persists the effect of widget requests. All calls block until the
// backing store has answered.
type Sinkr interface {
	CreateWidget(ctx context.Context, req widget.Request) error
	UpdateWidget(ctx context.Context, req widget.Request) error
	DeleteWidget(ctx context.Context, req widget.Request) error
}

// WriteRequest is a raw object upload.
type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
}

// Writer stores raw objects. SinkS3 implements it; the journal uses it to
// upload its batches.
type Writer interface {
	Write(ctx context.Context, req WriteRequest) error
}
