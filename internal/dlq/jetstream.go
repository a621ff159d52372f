// Package dlq makes dispatch failures durable. Envelopes that could not be
// delivered to the sink or upstream are written to a NATS JetStream stream
// where they can be inspected and replayed out of band.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream failed dispatches land in.
const StreamName = "RELAY_DLQ"

// FailedDispatch is one dead-lettered envelope together with the failure
// that put it there.
type FailedDispatch struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	ProjectID int64     `json:"project_id"`
	Target    string    `json:"target"`
	Error     string    `json:"error"`
	Envelope  []byte    `json:"envelope"`
}

// Writer records failed dispatches. A nil writer drops them after logging.
type Writer interface {
	Write(ctx context.Context, entry *FailedDispatch) error
}

// JetStreamQueue writes failed dispatches to NATS JetStream. Safe for use
// across multiple relay instances.
type JetStreamQueue struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	written uint64
}

// NewJetStreamQueue connects to NATS and ensures the DLQ stream exists.
func NewJetStreamQueue(ctx context.Context, natsURL string) (*JetStreamQueue, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("relay-dlq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"relay.dlq.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.Info("dlq stream ready", slog.String("stream", StreamName))

	return &JetStreamQueue{
		conn:   conn,
		js:     js,
		stream: stream,
	}, nil
}

// Write records one failed dispatch under relay.dlq.<target>.
func (q *JetStreamQueue) Write(ctx context.Context, entry *FailedDispatch) error {
	if q == nil {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	subject := fmt.Sprintf("relay.dlq.%s", entry.Target)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	return nil
}

// List returns up to limit dead-lettered dispatches, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedDispatch, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: "relay.dlq.>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var entries []FailedDispatch
	for msg := range msgs.Messages() {
		var entry FailedDispatch
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			slog.Warn("skipping unparseable dlq message", slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Stats reports stream-level counters.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]any{
			"enabled":       true,
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
	}
}

// Close closes the NATS connection.
func (q *JetStreamQueue) Close() {
	if q != nil && q.conn != nil {
		q.conn.Close()
	}
}
