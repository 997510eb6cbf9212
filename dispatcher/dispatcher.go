package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/baldanca/widget-consumer/journal"
	"github.com/baldanca/widget-consumer/metrics"
	"github.com/baldanca/widget-consumer/retry"
	"github.com/baldanca/widget-consumer/sink"
	"github.com/baldanca/widget-consumer/source"
	"github.com/baldanca/widget-consumer/widget"
)

// DefaultRequestTimeout bounds a single sink call (and its acknowledgement).
const DefaultRequestTimeout = 30 * time.Second

const (
	stopFlushTimeout = 10 * time.Second
	// journalTimeout bounds one Record call, which may upload a full batch.
	journalTimeout = 10 * time.Second
)

// ErrUnknownType is the reason attached to rejected deliveries.
var ErrUnknownType = errors.New("unknown widget request type")

var ErrSinkPanic = errors.New("sink panicked")

// Outcome is the result of one dispatch step.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeProcessed
	OutcomeFailed
	OutcomeRejected
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeProcessed:
		return journal.OutcomeProcessed
	case OutcomeFailed:
		return journal.OutcomeFailed
	case OutcomeRejected:
		return journal.OutcomeRejected
	case OutcomeSkipped:
		return journal.OutcomeSkipped
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// UnknownTypePolicy decides what happens to a request whose type is not
// create, update or delete.
type UnknownTypePolicy int

const (
	// UnknownReject removes the delivery through the source's Rejecter when
	// it has one (dead-letter forward for queues).
	UnknownReject UnknownTypePolicy = iota
	// UnknownLeave leaves the delivery unacknowledged.
	UnknownLeave
)

func ParseUnknownTypePolicy(s string) (UnknownTypePolicy, error) {
	switch s {
	case "", "reject":
		return UnknownReject, nil
	case "leave":
		return UnknownLeave, nil
	default:
		return 0, fmt.Errorf("unknown type policy %q: want reject or leave", s)
	}
}

// Journaler receives one entry per processed request.
type Journaler interface {
	Record(ctx context.Context, e journal.Entry)
	MaybeFlush(ctx context.Context, now time.Time)
	Flush(ctx context.Context) error
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.metrics = r
		}
	}
}

func WithJournal(j Journaler) Option {
	return func(d *Dispatcher) { d.journal = j }
}

func WithAckRetry(p retry.Policy) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.ackRetry = p
		}
	}
}

func WithUnknownTypePolicy(p UnknownTypePolicy) Option {
	return func(d *Dispatcher) { d.unknown = p }
}

func WithRequestTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.requestTimeout = t
		}
	}
}

// Dispatcher moves requests from one source to one sink, one at a time.
type Dispatcher struct {
	source source.Sourcer
	sink   sink.Sinkr

	// optional source capabilities, resolved once
	idler    source.Idler
	rejecter source.Rejecter

	log            zerolog.Logger
	metrics        metrics.Recorder
	journal        Journaler
	ackRetry       retry.Policy
	unknown        UnknownTypePolicy
	requestTimeout time.Duration
	journalTimeout time.Duration

	now func() time.Time
}

func New(src source.Sourcer, snk sink.Sinkr, opts ...Option) (*Dispatcher, error) {
	if src == nil {
		return nil, errors.New("source is nil")
	}
	if snk == nil {
		return nil, errors.New("sink is nil")
	}

	d := &Dispatcher{
		source:         src,
		sink:           snk,
		log:            zerolog.Nop(),
		metrics:        metrics.Nop{},
		ackRetry:       retry.Once{},
		requestTimeout: DefaultRequestTimeout,
		journalTimeout: journalTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With().Str("component", "dispatcher").Logger()

	if i, ok := src.(source.Idler); ok && i.IdleDelay() > 0 {
		d.idler = i
	}
	if r, ok := src.(source.Rejecter); ok {
		d.rejecter = r
	}
	return d, nil
}

// Run processes requests until ctx is cancelled. A request already handed to
// the sink is finished before Run returns. Run returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Msg("Consumer started")

	for {
		if ctx.Err() != nil {
			d.stop(ctx)
			return nil
		}

		_, fetched := d.Step(ctx)

		if d.journal != nil {
			d.journal.MaybeFlush(context.WithoutCancel(ctx), d.now())
		}

		if !fetched && d.idler != nil {
			d.sleep(ctx, d.idler.IdleDelay())
		}
	}
}

// Step fetches and handles at most one request. fetched is false when the
// source had nothing to offer.
func (d *Dispatcher) Step(ctx context.Context) (o Outcome, fetched bool) {
	dl, ok := d.source.Fetch(ctx)
	if !ok {
		return OutcomeIdle, false
	}
	d.metrics.Fetched()

	req := dl.Request
	// Resolved once so logs and journal agree when the producer sent no id.
	id := req.CorrelationID()
	log := d.log.With().
		Str("request_id", id).
		Str("widget_id", req.WidgetID).
		Str("type", string(req.Type)).
		Logger()
	if dl.Handle != nil {
		log = log.With().Str("message_id", dl.Handle.MessageID).Logger()
	}

	// The sink call must not be torn down halfway by a shutdown.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.requestTimeout)
	defer cancel()

	if !req.Type.Valid() {
		o = d.unknownType(opCtx, log, id, dl)
		return o, true
	}

	start := d.now()
	err := d.apply(opCtx, req)
	took := d.now().Sub(start)

	if err != nil {
		reason := metrics.ReasonSink
		if errors.Is(err, sink.ErrContractViolation) {
			reason = metrics.ReasonContract
			log.Error().Err(err).Msg("Request violates the widget contract, not acknowledged")
		} else {
			log.Error().Err(err).Msg("Failed to process request, not acknowledged")
		}
		d.metrics.Failed(string(req.Type), reason)
		d.record(ctx, id, req, OutcomeFailed, err)
		return OutcomeFailed, true
	}

	log.Info().Dur("took", took).Msg("Request processed")
	d.metrics.Processed(string(req.Type), took)

	if dl.Handle != nil {
		h := *dl.Handle
		if err := d.ackRetry.Do(opCtx, func(ctx context.Context) error {
			return d.source.Ack(ctx, h)
		}); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge request, it will be redelivered")
			d.metrics.Failed(string(req.Type), metrics.ReasonAck)
		} else {
			d.metrics.Acked()
		}
	}

	d.record(ctx, id, req, OutcomeProcessed, nil)
	return OutcomeProcessed, true
}

// apply routes req to the sink. A panicking sink is reported as an error so
// the loop keeps running and the delivery stays unacknowledged.
func (d *Dispatcher) apply(ctx context.Context, req widget.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanic, r)
		}
	}()

	switch req.Type {
	case widget.TypeCreate:
		return d.sink.CreateWidget(ctx, req)
	case widget.TypeUpdate:
		return d.sink.UpdateWidget(ctx, req)
	case widget.TypeDelete:
		return d.sink.DeleteWidget(ctx, req)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
}

func (d *Dispatcher) unknownType(ctx context.Context, log zerolog.Logger, id string, dl source.Delivery) Outcome {
	req := dl.Request
	log.Warn().Msg("Unknown request type")

	if d.unknown != UnknownReject || d.rejecter == nil || dl.Handle == nil {
		d.record(ctx, id, req, OutcomeSkipped, nil)
		return OutcomeSkipped
	}

	reason := fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	if err := d.rejecter.Reject(ctx, *dl.Handle, reason); err != nil {
		log.Error().Err(err).Msg("Failed to reject request")
		d.metrics.Failed(string(req.Type), metrics.ReasonUnknownType)
		d.record(ctx, id, req, OutcomeFailed, err)
		return OutcomeFailed
	}

	d.metrics.Rejected()
	d.record(ctx, id, req, OutcomeRejected, reason)
	return OutcomeRejected
}

// record runs on its own detached deadline so a slow journal upload never
// eats into the request budget.
func (d *Dispatcher) record(ctx context.Context, id string, req widget.Request, o Outcome, err error) {
	if d.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.journalTimeout)
	defer cancel()

	e := journal.Entry{
		RequestID:   id,
		WidgetID:    req.WidgetID,
		Type:        string(req.Type),
		Outcome:     o.String(),
		ProcessedAt: d.now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	d.journal.Record(jctx, e)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *Dispatcher) stop(ctx context.Context) {
	d.log.Info().Msg("Consumer stopping")
	if d.journal == nil {
		return
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopFlushTimeout)
	defer cancel()
	if err := d.journal.Flush(stopCtx); err != nil {
		d.log.Warn().Err(err).Msg("final journal flush failed")
	}
}
