package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/events"
)

// Publisher delivers one event to the platform's event bus. Any error is a
// delivery failure subject to retry.
type Publisher interface {
	Publish(ctx context.Context, event events.CloudEvent) error
}

// SweepResult reports one sweep's outcome for observability.
type SweepResult struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Dispatcher drains the outbox store asynchronously. Multiple instances may
// run against the same store; claim safety is the store's responsibility.
// Failure handling is per entry: one entry's permanent failure never blocks
// delivery of the others.
type Dispatcher struct {
	store          Store
	publisher      Publisher
	clock          app.Clock
	logger         *slog.Logger
	backoff        BackoffPolicy
	limiter        *rate.Limiter
	maxRetries     int
	batchSize      int
	publishTimeout time.Duration

	publishedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBatchSize bounds how many entries one sweep fetches.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithMaxRetries overrides the retry bound.
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithBackoffPolicy overrides the retry schedule.
func WithBackoffPolicy(p BackoffPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = p }
}

// WithPublishRateLimit caps publishes per second across a sweep, protecting
// a recovering event bus from a thundering backlog.
func WithPublishRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithPublishTimeout bounds a single publish call.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.publishTimeout = timeout }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

func NewDispatcher(store Store, publisher Publisher, clock app.Clock, opts ...DispatcherOption) *Dispatcher {
	meter := otel.Meter("portarium.outbox")
	published, _ := meter.Int64Counter("outbox.published",
		metric.WithDescription("Outbox entries delivered to the event bus"))
	failed, _ := meter.Int64Counter("outbox.failed",
		metric.WithDescription("Outbox publish attempts that failed"))

	d := &Dispatcher{
		store:            store,
		publisher:        publisher,
		clock:            clock,
		logger:           slog.Default(),
		backoff:          DefaultBackoffPolicy(),
		maxRetries:       MaxRetries,
		batchSize:        DefaultBatchSize,
		publishTimeout:   30 * time.Second,
		publishedCounter: published,
		failedCounter:    failed,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sweep fetches due Pending entries and attempts delivery once each.
// It is synchronous and bounded; an in-progress entry always finishes
// (partial publishing is unsafe), but the sweep stops picking up new entries
// once ctx is cancelled.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	nowISO := d.clock.NowISO()
	now, err := time.Parse(time.RFC3339, nowISO)
	if err != nil {
		return SweepResult{}, app.DependencyFailure(fmt.Sprintf("clock returned unusable timestamp %q", nowISO))
	}

	entries, err := d.store.FetchPending(ctx, nowISO, d.batchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("outbox: fetch pending: %w", err)
	}

	var result SweepResult
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				break
			}
		}

		if err := d.publishOne(ctx, entry); err != nil {
			result.Failed++
			d.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", entry.Event.Type)))
			if markErr := d.recordFailure(ctx, entry, now, err); markErr != nil {
				return result, markErr
			}
			continue
		}

		if err := d.store.MarkPublished(ctx, entry.EntryID); err != nil {
			return result, fmt.Errorf("outbox: mark published %s: %w", entry.EntryID, err)
		}
		result.Published++
		d.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", entry.Event.Type)))
	}
	return result, nil
}

func (d *Dispatcher) publishOne(ctx context.Context, entry Entry) error {
	pubCtx := ctx
	if d.publishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, d.publishTimeout)
		defer cancel()
	}
	return d.publisher.Publish(pubCtx, entry.Event)
}

// recordFailure applies the per-entry state machine: park after the retry
// bound, otherwise reschedule with backoff (or the transport's explicit
// retry delay when present).
func (d *Dispatcher) recordFailure(ctx context.Context, entry Entry, now time.Time, pubErr error) error {
	reason := pubErr.Error()

	if entry.RetryCount+1 >= d.maxRetries {
		d.logger.Error("outbox entry exhausted retries",
			"entry_id", entry.EntryID,
			"event_type", entry.Event.Type,
			"retry_count", entry.RetryCount+1,
			"reason", reason)
		if err := d.store.MarkFailed(ctx, entry.EntryID, reason); err != nil {
			return fmt.Errorf("outbox: mark failed %s: %w", entry.EntryID, err)
		}
		return nil
	}

	delay := d.backoff.Delay(entry.EntryID, entry.RetryCount)
	if after, ok := retryAfterOf(pubErr); ok {
		delay = after
	}
	nextRetry := now.Add(delay).UTC().Format("2006-01-02T15:04:05.000Z07:00")

	d.logger.Warn("outbox publish failed, rescheduling",
		"entry_id", entry.EntryID,
		"event_type", entry.Event.Type,
		"retry_count", entry.RetryCount+1,
		"next_retry_at", nextRetry,
		"reason", reason)
	if err := d.store.MarkRetry(ctx, entry.EntryID, reason, nextRetry); err != nil {
		return fmt.Errorf("outbox: mark retry %s: %w", entry.EntryID, err)
	}
	return nil
}

// Run sweeps on a fixed interval until ctx is cancelled. A deployment that
// prefers an external trigger calls Sweep directly instead.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.Sweep(ctx)
			if err != nil {
				d.logger.Error("outbox sweep failed", "error", err)
				continue
			}
			if res.Published > 0 || res.Failed > 0 {
				d.logger.Info("outbox sweep complete", "published", res.Published, "failed", res.Failed)
			}
		}
	}
}
