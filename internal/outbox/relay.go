package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tradeflow/portfolio-engine/internal/metrics"
	"github.com/tradeflow/portfolio-engine/internal/store"
)

const (
	DefaultBatchSize    = 100
	DefaultPollInterval = time.Second
)

// Relay moves committed events from the outbox to a Publisher.
//
// Events go out in commit order. When a publish fails the rest of the batch
// is left for the next pass, so a later event of an account is never
// delivered ahead of an earlier one. Delivery is at least once: a crash
// between the transport's ack and MarkPublished re-sends the event, and
// consumers deduplicate on trade_id.
type Relay struct {
	outbox       store.Outbox
	pub          Publisher
	listeners    []Listener
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	newBackOff   func() backoff.BackOff
	wake         chan struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithBatchSize bounds how many events one pass reads from the outbox.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithPollInterval sets how long an idle relay sleeps before re-reading the
// outbox when nobody calls Notify.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithListener registers l to observe acknowledged events.
func WithListener(l Listener) Option {
	return func(r *Relay) { r.listeners = append(r.listeners, l) }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithBackOff replaces the retry schedule used after a failed pass.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(r *Relay) { r.newBackOff = f }
}

func withClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// NewRelay creates a relay reading from ob and writing to pub.
func NewRelay(ob store.Outbox, pub Publisher, opts ...Option) *Relay {
	r := &Relay{
		outbox:       ob,
		pub:          pub,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		now:          time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify wakes the relay after a commit. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is cancelled. Failed passes are retried on an
// exponential schedule; successful ones reset it.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "batch_size", r.batchSize, "poll_interval", r.pollInterval)
	b := r.newBackOff()

	for {
		wait := r.pollInterval
		if n, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("outbox relay stopped")
				return nil
			}
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				wait = r.pollInterval
			}
			r.logger.Warn("outbox relay pass failed", "published", n, "retry_in", wait, "err", err)
		} else {
			b.Reset()
			if n > 0 {
				r.logger.Debug("outbox relay pass", "published", n)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("outbox relay stopped")
			return nil
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Drain publishes pending events until the outbox is empty or a publish
// fails. It returns how many events were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, more, err := r.publishBatch(ctx)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

// publishBatch publishes one batch in order, stopping at the first failure.
// more reports whether a full batch was read.
func (r *Relay) publishBatch(ctx context.Context) (n int, more bool, err error) {
	events, err := r.outbox.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, false, fmt.Errorf("read outbox: %w", err)
	}
	metrics.OutboxPending.Set(float64(len(events)))

	for _, e := range events {
		if err := r.pub.Publish(ctx, e); err != nil {
			metrics.EventPublishFailures.Inc()
			if markErr := r.outbox.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
				r.logger.Error("outbox mark failed", "event_id", e.ID, "err", markErr)
			}
			return n, false, fmt.Errorf("publish %s: %w", e.ID, err)
		}
		if err := r.outbox.MarkPublished(ctx, e.ID, r.now()); err != nil {
			return n, false, fmt.Errorf("mark published %s: %w", e.ID, err)
		}
		metrics.EventsPublished.Inc()
		n++

		for _, l := range r.listeners {
			l.EventPublished(e)
		}
	}
	metrics.OutboxPending.Set(float64(len(events) - n))
	return n, len(events) == r.batchSize, nil
}
