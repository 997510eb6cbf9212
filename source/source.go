package source

import (
	"context"
	"errors"
	"time"

	"github.com/baldanca/widget-consumer/widget"
)

// ErrNoHandle is returned when an acknowledgement is attempted without a
// delivery handle.
var ErrNoHandle = errors.New("delivery has no ack handle")

// AckHandle identifies one specific delivery of a message so that it can be
// acknowledged (deleted) or rejected later.
type AckHandle struct {
	MessageID     string
	ReceiptHandle string

	body string
}

// Delivery is one request handed to the dispatcher.
//
// Handle is nil for sources that consume on fetch; those deliveries need no
// acknowledgement.
type Delivery struct {
	Request widget.Request
	Handle  *AckHandle
}

// Sourcer produces pending widget requests, one at a time.
//
// Fetch never returns an error: transient failures are logged by the source
// and reported as "nothing available this cycle" (ok == false).
type Sourcer interface {
	Fetch(ctx context.Context) (d Delivery, ok bool)
	Ack(ctx context.Context, h AckHandle) error
}

// Idler is implemented by sources whose Fetch returns immediately when there
// is nothing to do. The dispatcher waits IdleDelay before fetching again.
type Idler interface {
	IdleDelay() time.Duration
}

// Rejecter is implemented by sources that can permanently remove a delivery
// the dispatcher refuses to process (for example an unknown request type).
type Rejecter interface {
	Reject(ctx context.Context, h AckHandle, reason error) error
}
