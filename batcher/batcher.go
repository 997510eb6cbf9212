package batcher

import (
	"errors"
	"time"
)

type BatcherConfig struct {
	// MaxItems flushes once this many items are buffered.
	MaxItems int
	// FlushInterval is the maximum age of the oldest buffered item.
	FlushInterval time.Duration
}

var DefaultBatcherConfig = BatcherConfig{
	MaxItems:      1000,
	FlushInterval: time.Minute,
}

func (c BatcherConfig) validate() error {
	if c.MaxItems <= 0 {
		return errors.New("MaxItems must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("FlushInterval must be > 0")
	}
	return nil
}

// Batcher accumulates items until either the count or the age limit is hit.
// It is not safe for concurrent use.
type Batcher[iType any] struct {
	cfg BatcherConfig

	items []iType

	deadline time.Time
	active   bool
}

func NewBatcher[iType any](cfg BatcherConfig) (*Batcher[iType], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Batcher[iType]{cfg: cfg}, nil
}

// Add buffers item and reports whether the batch should be flushed now.
func (b *Batcher[iType]) Add(now time.Time, item iType) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}

	b.items = append(b.items, item)
	return len(b.items) >= b.cfg.MaxItems
}

func (b *Batcher[iType]) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

func (b *Batcher[iType]) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

func (b *Batcher[iType]) Len() int { return len(b.items) }

type Batch[iType any] struct {
	Items []iType
}

// Flush hands out the buffered items and resets the batcher.
func (b *Batcher[iType]) Flush() Batch[iType] {
	out := Batch[iType]{Items: b.items}

	b.items = nil
	b.active = false
	b.deadline = time.Time{}

	return out
}
