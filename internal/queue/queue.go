// Package queue guarantees that every captured GPS sample is
// eventually delivered to the remote store. Delivery is at-least-once;
// the remote insert is idempotent on the entry id, so duplicates from
// ambiguous failures are harmless.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"detentiond/internal/eventstore"
	"detentiond/internal/model"
	"detentiond/internal/storage"
)

const (
	DefaultMaxAttempts = 10
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// BatchSink is the remote endpoint a drained batch is delivered to.
type BatchSink interface {
	InsertGpsLogs(ctx context.Context, batch []model.GpsLogEntry) error
}

// Stats is the sync indicator surfaced to the UI.
type Stats struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

type Queue struct {
	Store  *storage.Store
	Remote BatchSink
	Logger *zap.Logger

	// MaxAttempts is the delivery ceiling before an item is parked as
	// a dead letter. Zero means DefaultMaxAttempts.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnDeadLetter is called with items that exhausted their attempts.
	// They are parked in the store, never dropped.
	OnDeadLetter func(items []storage.Item)

	// Now is the clock, overridable in tests.
	Now func() time.Time

	// drainMu serializes drains; the in_flight claim in the store
	// makes a batch invisible to any later drain regardless.
	drainMu sync.Mutex

	notifyOnce sync.Once
	notify     chan struct{}
}

// Enqueue persists the sample and nudges the drain loop.
func (q *Queue) Enqueue(ctx context.Context, entry model.GpsLogEntry) error {
	if err := q.Store.Append(ctx, entry); err != nil {
		return err
	}

	select {
	case q.notifyCh() <- struct{}{}:
	default:
	}
	return nil
}

// Drain attempts delivery of every due batch. Batches are FIFO per
// event; a batch failure re-queues the whole batch with backoff.
// Returns the number of items delivered.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}

		items, err := q.Store.ClaimBatch(ctx, q.now())
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return delivered, nil
			}
			return delivered, err
		}

		if err := q.deliver(ctx, items); err != nil {
			q.requeue(ctx, items, err)
			continue
		}

		ids := itemIDs(items)
		if err := q.Store.MarkDelivered(ctx, ids); err != nil {
			return delivered, err
		}
		delivered += len(items)
	}
}

func (q *Queue) deliver(ctx context.Context, items []storage.Item) error {
	batch := make([]model.GpsLogEntry, 0, len(items))
	for _, item := range items {
		batch = append(batch, model.GpsLogEntry{
			EntryID:          item.EntryID,
			DetentionEventID: item.EventID,
			Lat:              item.Lat,
			Lng:              item.Lng,
			Accuracy:         item.Accuracy,
			Timestamp:        item.CapturedAt,
		})
	}
	return q.Remote.InsertGpsLogs(ctx, batch)
}

// requeue puts a failed batch back. A permanent rejection parks the
// whole batch as dead letters at once; otherwise items at the attempt
// ceiling are parked and the rest return to pending with backoff.
func (q *Queue) requeue(ctx context.Context, items []storage.Item, cause error) {
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var retry, dead []storage.Item
	for _, item := range items {
		if !eventstore.IsRetryable(cause) || item.Attempts+1 >= maxAttempts {
			dead = append(dead, item)
		} else {
			retry = append(retry, item)
		}
	}

	if len(retry) > 0 {
		attempts := retry[0].Attempts
		next := q.now().Add(q.retryDelay(attempts))
		if err := q.Store.MarkRetry(ctx, itemIDs(retry), cause.Error(), next); err != nil {
			q.logError("mark retry", err)
		}
		if q.Logger != nil {
			q.Logger.Warn("evidence batch delivery failed",
				zap.String("event_id", retry[0].EventID),
				zap.Int("batch_size", len(items)),
				zap.Int("attempts", attempts+1),
				zap.Time("next_attempt", next),
				zap.Error(cause),
			)
		}
	}

	if len(dead) > 0 {
		if err := q.Store.MarkDead(ctx, itemIDs(dead), cause.Error()); err != nil {
			q.logError("mark dead", err)
		}
		if q.Logger != nil {
			q.Logger.Error("evidence items dead-lettered",
				zap.String("event_id", dead[0].EventID),
				zap.Int("count", len(dead)),
				zap.Error(cause),
			)
		}
		if q.OnDeadLetter != nil {
			q.OnDeadLetter(dead)
		}
	}
}

// retryDelay derives the backoff for the given completed attempt
// count: exponential from BackoffBase, capped at BackoffCap, with
// jitter.
func (q *Queue) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.BackoffBase
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultBackoffBase
	}
	b.MaxInterval = q.BackoffCap
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultBackoffCap
	}
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Run drains on a fixed interval and whenever Enqueue nudges it, until
// the context ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.notifyCh():
		}

		if _, err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logError("drain", err)
		}
	}
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.Store.CountPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	dead, err := q.Store.CountDead(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: pending, Dead: dead}, nil
}

func (q *Queue) notifyCh() chan struct{} {
	q.notifyOnce.Do(func() {
		q.notify = make(chan struct{}, 1)
	})
	return q.notify
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) logError(op string, err error) {
	if q.Logger != nil {
		q.Logger.Error("evidence queue "+op, zap.Error(err))
	}
}

func itemIDs(items []storage.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
