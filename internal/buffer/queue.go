// Package buffer implements the bounded admission queue. Accepted envelopes
// wait here, each with an expiry deadline, until a pipeline worker picks
// them up.
package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/nightjar-systems/relay/internal/envelope"
	"github.com/nightjar-systems/relay/internal/outcome"
	"github.com/nightjar-systems/relay/internal/telemetry"
)

// Item wraps an envelope with its owning project and queue deadline. Once
// the deadline passes the item is dropped at dequeue, never processed.
type Item struct {
	ProjectID  int64
	PublicKey  string
	Envelope   *envelope.Envelope
	EnqueuedAt time.Time
	Deadline   time.Time
}

// Queue is a bounded FIFO of buffered items. Enqueue rejects immediately at
// capacity; there is no backpressure-with-wait. Expired items are skipped
// lazily at dequeue rather than swept in the background.
type Queue struct {
	items  chan *Item
	expiry time.Duration
	now    func() time.Time
}

// NewQueue constructs a queue holding at most capacity items, each expiring
// expiry after enqueue.
func NewQueue(capacity int, expiry time.Duration) *Queue {
	telemetry.QueueCapacity.Set(float64(capacity))
	return &Queue{
		items:  make(chan *Item, capacity),
		expiry: expiry,
		now:    time.Now,
	}
}

// Enqueue adds the envelope to the queue, stamping its expiry deadline.
// Returns outcome.ErrBufferFull when the queue is at capacity.
func (q *Queue) Enqueue(projectID int64, publicKey string, env *envelope.Envelope) error {
	now := q.now()
	item := &Item{
		ProjectID:  projectID,
		PublicKey:  publicKey,
		Envelope:   env,
		EnqueuedAt: now,
		Deadline:   now.Add(q.expiry),
	}

	select {
	case q.items <- item:
		telemetry.QueueDepth.Set(float64(len(q.items)))
		return nil
	default:
		return outcome.ErrBufferFull
	}
}

// DequeueNext returns the oldest non-expired item, discarding any expired
// items in front of it. Returns false when the queue holds no live items.
func (q *Queue) DequeueNext() (*Item, bool) {
	for {
		select {
		case item := <-q.items:
			telemetry.QueueDepth.Set(float64(len(q.items)))
			if q.expired(item) {
				continue
			}
			return item, true
		default:
			return nil, false
		}
	}
}

// Next blocks until a non-expired item is available or ctx is done. Expired
// items encountered along the way are dropped.
func (q *Queue) Next(ctx context.Context) (*Item, error) {
	for {
		select {
		case item := <-q.items:
			telemetry.QueueDepth.Set(float64(len(q.items)))
			if q.expired(item) {
				continue
			}
			return item, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of items currently queued, expired or not.
func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) expired(item *Item) bool {
	if q.now().Before(item.Deadline) {
		return false
	}
	telemetry.EnvelopesExpired.Inc()
	slog.Debug("dropping expired envelope",
		slog.String("event_id", item.Envelope.EventID),
		slog.Int64("project_id", item.ProjectID),
		slog.Time("enqueued_at", item.EnqueuedAt),
	)
	return true
}
