package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/45ck/Portarium-sub006/pkg/events"
)

// fakeClock steps forward on demand so retry eligibility can be tested
// without sleeping.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) NowISO() string {
	return c.now.Format("2006-01-02T15:04:05.000Z07:00")
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakePublisher struct {
	failures map[string]error // event id -> error for every attempt
	failOnce map[string]error // event id -> error for the first attempt only
	seen     []string
}

func (p *fakePublisher) Publish(ctx context.Context, ev events.CloudEvent) error {
	p.seen = append(p.seen, ev.ID)
	if err, ok := p.failOnce[ev.ID]; ok {
		delete(p.failOnce, ev.ID)
		return err
	}
	if err, ok := p.failures[ev.ID]; ok {
		return err
	}
	return nil
}

func testEvent(t *testing.T, id string) events.CloudEvent {
	t.Helper()
	ev, err := events.New(events.Params{
		EventID:       id,
		Source:        "portarium.test",
		EventType:     "test.Event",
		TenantID:      "t-1",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	return ev
}

func enqueue(t *testing.T, store *MemoryStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := store.Enqueue(context.Background(), testEvent(t, id))
		require.NoError(t, err)
	}
}

func TestSweepPublishesAllPending(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-1", "evt-2")
	pub := &fakePublisher{}

	d := NewDispatcher(store, pub, newFakeClock())
	res, err := d.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Published: 2, Failed: 0}, res)
	for _, e := range store.All() {
		assert.Equal(t, StatusPublished, e.Status)
	}
}

func TestSweepEmptyStore(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), &fakePublisher{}, newFakeClock())
	res, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepPreservesEnqueueOrder(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-a", "evt-b", "evt-c")
	pub := &fakePublisher{}

	d := NewDispatcher(store, pub, newFakeClock())
	_, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"evt-a", "evt-b", "evt-c"}, pub.seen)
}

func TestSweepFailureSchedulesRetryWithReason(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-bad")
	pub := &fakePublisher{failures: map[string]error{"evt-bad": errors.New("connection refused")}}
	clock := newFakeClock()

	d := NewDispatcher(store, pub, clock)
	res, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Published: 0, Failed: 1}, res)

	entry := store.All()[0]
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, "connection refused", entry.FailedReason)
	assert.NotEmpty(t, entry.NextRetryAtISO)
	assert.Greater(t, entry.NextRetryAtISO, clock.NowISO())
}

func TestSweepEntryNotDueIsSkipped(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-bad")
	pub := &fakePublisher{failures: map[string]error{"evt-bad": errors.New("down")}}
	clock := newFakeClock()
	d := NewDispatcher(store, pub, clock)

	_, err := d.Sweep(context.Background())
	require.NoError(t, err)

	// Not yet due: immediate resweep does nothing.
	res, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	// Past the backoff it is retried.
	clock.Advance(10 * time.Minute)
	delete(pub.failures, "evt-bad")
	res, err = d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Published: 1, Failed: 0}, res)
}

func TestAlwaysFailingEntryParksAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-doomed")
	pub := &fakePublisher{failures: map[string]error{"evt-doomed": errors.New("permanent")}}
	clock := newFakeClock()

	d := NewDispatcher(store, pub, clock, WithMaxRetries(3))

	attempts := 0
	for i := 0; i < 10; i++ {
		res, err := d.Sweep(context.Background())
		require.NoError(t, err)
		attempts += res.Failed
		clock.Advance(time.Hour)
	}

	// Exactly MaxRetries failed attempts, then terminal: never Pending again.
	assert.Equal(t, 3, attempts)
	entry := store.All()[0]
	assert.Equal(t, StatusFailed, entry.Status)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, "permanent", entry.FailedReason)
}

func TestFailingEntryDoesNotBlockHealthyOnes(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-ok-1", "evt-doomed", "evt-ok-2")
	pub := &fakePublisher{failures: map[string]error{"evt-doomed": errors.New("permanent")}}

	d := NewDispatcher(store, pub, newFakeClock())
	res, err := d.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Published: 2, Failed: 1}, res)
	all := store.All()
	assert.Equal(t, StatusPublished, all[0].Status)
	assert.Equal(t, StatusPending, all[1].Status)
	assert.Equal(t, StatusPublished, all[2].Status)
}

func TestFailOnceThenSucceed(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-flaky")
	pub := &fakePublisher{failOnce: map[string]error{"evt-flaky": errors.New("transient")}}
	clock := newFakeClock()

	d := NewDispatcher(store, pub, clock)

	res, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Published: 0, Failed: 1}, res)
	assert.Equal(t, 1, store.All()[0].RetryCount)

	clock.Advance(10 * time.Minute)
	res, err = d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Published: 1, Failed: 0}, res)
	assert.Equal(t, StatusPublished, store.All()[0].Status)
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-throttled")
	pub := &fakePublisher{failures: map[string]error{
		"evt-throttled": &RetryAfterError{After: 42 * time.Minute, Err: errors.New("429")},
	}}
	clock := newFakeClock()

	d := NewDispatcher(store, pub, clock)
	_, err := d.Sweep(context.Background())
	require.NoError(t, err)

	entry := store.All()[0]
	next, err := time.Parse(time.RFC3339, entry.NextRetryAtISO)
	require.NoError(t, err)
	assert.True(t, next.Equal(clock.now.Add(42*time.Minute)), "next retry %s", next)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		enqueue(t, store, fmt.Sprintf("evt-%d", i))
	}

	d := NewDispatcher(store, &fakePublisher{}, newFakeClock(), WithBatchSize(2))
	res, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
}

func TestSweepUnusableClockIsDependencyFailure(t *testing.T) {
	store := NewMemoryStore()
	enqueue(t, store, "evt-1")

	d := NewDispatcher(store, &fakePublisher{}, badClock{})
	_, err := d.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DependencyFailure")
}

type badClock struct{}

func (badClock) NowISO() string { return "" }

func TestBackoffMonotonicNonDecreasing(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}
	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := p.Delay("entry-1", attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 5*time.Minute)
		prev = d
	}
}

func TestBackoffJitterDeterministic(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, p.Delay("entry-1", 3), p.Delay("entry-1", 3))
}
