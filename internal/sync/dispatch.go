package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/store"
)

// Outbox is the queue of committed but unpublished events.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Publisher sends one event. msgID is used for broker-side deduplication.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to the publisher.
type Dispatcher struct {
	Outbox    Outbox
	Publisher Publisher
	Log       zerolog.Logger

	BatchSize  int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Idle       time.Duration
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.Idle
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}

	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.Log.Error().Err(err).Msg("dequeue outbox")
		}

		wait := time.Duration(0)
		if err != nil {
			wait = time.Second
		} else if n == 0 {
			wait = idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due messages and returns how many it
// attempted. Publish failures are rescheduled with exponential backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	limit := d.BatchSize
	if limit <= 0 {
		limit = 100
	}

	messages, err := d.Outbox.DequeueOutbox(ctx, limit)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.backoff(msg.Retries)
			d.Log.Warn().Err(err).Int64("outbox_id", msg.ID).Dur("backoff", backoff).Msg("publish failed")
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.Log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("mark retry")
			}
			continue
		}

		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			d.Log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("mark published")
		}
	}
	return len(messages), nil
}

func (d *Dispatcher) backoff(retries int) time.Duration {
	base := d.Backoff
	if base <= 0 {
		base = 10 * time.Second
	}
	ceiling := d.MaxBackoff
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}
	b := base
	for i := 0; i < retries && b < ceiling; i++ {
		b *= 2
	}
	return min(b, ceiling)
}
