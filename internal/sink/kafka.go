// Package sink writes processed payloads to the durable message queue for
// downstream storage and processing. Only used when full processing is
// enabled.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageKind discriminates the payload kind of a sink message.
type MessageKind int

const (
	KindEvent MessageKind = iota
	KindAttachment
	KindSession
	KindTransaction
	KindMetricBucket
)

// Message is the typed record written to the durable queue.
type Message struct {
	Kind      MessageKind `json:"ty"`
	StartTime int64       `json:"start_time"`
	EventID   string      `json:"event_id"`
	ProjectID int64       `json:"project_id"`
	Payload   []byte      `json:"payload"`
}

// Writer is the subset of kafka.Writer the sink depends on.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink produces sink messages onto a Kafka topic.
type Sink struct {
	writer Writer
	closer func() error
}

// Config holds Kafka producer settings.
type Config struct {
	Brokers []string
	Topic   string
}

// New constructs a Kafka-backed sink.
func New(cfg Config) *Sink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.LeastBytes{},
	}
	return &Sink{writer: w, closer: w.Close}
}

// NewWithWriter constructs a sink over an existing writer. Used in tests.
func NewWithWriter(w Writer) *Sink {
	return &Sink{writer: w, closer: func() error { return nil }}
}

// Store writes one message, keyed by project id so one project's records
// stay on one partition.
func (s *Sink) Store(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sink message: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", msg.ProjectID)),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("write sink message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying producer.
func (s *Sink) Close() error {
	return s.closer()
}
