// Package dispatch routes processed envelopes to their destination: the
// durable sink when full processing is enabled, otherwise the upstream
// relay. Dispatch failures are observable but never roll back admission
// state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nightjar-systems/relay/internal/dlq"
	"github.com/nightjar-systems/relay/internal/envelope"
	"github.com/nightjar-systems/relay/internal/logging"
	"github.com/nightjar-systems/relay/internal/outcome"
	"github.com/nightjar-systems/relay/internal/quota"
	"github.com/nightjar-systems/relay/internal/sink"
	"github.com/nightjar-systems/relay/internal/telemetry"
	"github.com/nightjar-systems/relay/internal/upstream"
)

// Store is the durable sink surface the dispatcher writes to.
type Store interface {
	Store(ctx context.Context, msg sink.Message) error
}

// Forwarder sends envelopes to the upstream relay.
type Forwarder interface {
	SendEnvelope(ctx context.Context, projectID int64, publicKey string, env *envelope.Envelope) error
}

// Dispatcher owns the envelope once processing completes. Exactly one of
// sink/upstream is used per instance, selected by the relay's operating
// configuration.
type Dispatcher struct {
	sink        Store
	upstream    Forwarder
	ledger      *quota.Ledger
	deadLetters dlq.Writer
}

// New constructs a dispatcher. Pass a sink for processing mode or a
// forwarder for proxy mode; deadLetters may be nil.
func New(store Store, forwarder Forwarder, ledger *quota.Ledger, deadLetters dlq.Writer) *Dispatcher {
	return &Dispatcher{
		sink:        store,
		upstream:    forwarder,
		ledger:      ledger,
		deadLetters: deadLetters,
	}
}

// Dispatch delivers the envelope. Empty envelopes yield no dispatch and no
// error.
func (d *Dispatcher) Dispatch(ctx context.Context, projectID int64, publicKey string, env *envelope.Envelope) error {
	if env.Empty() {
		return nil
	}

	var err error
	target := "upstream"
	if d.sink != nil {
		target = "store"
		err = d.dispatchStore(ctx, projectID, env)
	} else {
		err = d.dispatchUpstream(ctx, projectID, publicKey, env)
	}

	if err != nil {
		telemetry.DispatchErrors.WithLabelValues(target).Inc()
		d.deadLetter(ctx, projectID, target, env, err)
		return &outcome.DispatchFailure{Target: target, Err: err}
	}

	telemetry.EnvelopesDispatched.WithLabelValues(target).Inc()
	return nil
}

// dispatchStore writes each item as a typed sink message. Metric bucket
// items are exploded into individual metric records.
func (d *Dispatcher) dispatchStore(ctx context.Context, projectID int64, env *envelope.Envelope) error {
	startTime := env.ReceivedAt.Unix()

	for _, item := range env.Items {
		if item.Type == envelope.ItemMetricBuckets {
			if err := d.storeMetricBuckets(ctx, projectID, env, item); err != nil {
				return err
			}
			continue
		}

		msg := sink.Message{
			Kind:      messageKind(item.Type),
			StartTime: startTime,
			EventID:   env.EventID,
			ProjectID: projectID,
			Payload:   item.Payload,
		}
		if err := d.sink.Store(ctx, msg); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) storeMetricBuckets(ctx context.Context, projectID int64, env *envelope.Envelope, item envelope.Item) error {
	var buckets []json.RawMessage
	if err := json.Unmarshal(item.Payload, &buckets); err != nil {
		return fmt.Errorf("parse metric buckets item: %w", err)
	}

	for _, bucket := range buckets {
		msg := sink.Message{
			Kind:      sink.KindMetricBucket,
			StartTime: env.ReceivedAt.Unix(),
			EventID:   env.EventID,
			ProjectID: projectID,
			Payload:   bucket,
		}
		if err := d.sink.Store(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// dispatchUpstream forwards the envelope as-is. A 429 installs the
// communicated backoffs in the ledger before the failure is surfaced.
func (d *Dispatcher) dispatchUpstream(ctx context.Context, projectID int64, publicKey string, env *envelope.Envelope) error {
	err := d.upstream.SendEnvelope(ctx, projectID, publicKey, env)
	if err == nil {
		return nil
	}

	var limited *upstream.RateLimitedError
	if errors.As(err, &limited) {
		d.recordBackoffs(projectID, limited)
	}
	return err
}

func (d *Dispatcher) recordBackoffs(projectID int64, limited *upstream.RateLimitedError) {
	if d.ledger == nil {
		return
	}

	if len(limited.Limits) == 0 {
		// No per-category detail: back off every category.
		for _, c := range allCategories {
			d.ledger.RecordUpstreamBackoff(projectID, c, limited.RetryAfter)
		}
		return
	}

	for _, limit := range limited.Limits {
		categories := limit.Categories
		if len(categories) == 0 {
			categories = allCategories
		}
		for _, c := range categories {
			d.ledger.RecordUpstreamBackoff(projectID, c, limit.RetryAfter)
		}
	}
}

var allCategories = []quota.Category{
	quota.CategoryError,
	quota.CategorySession,
	quota.CategoryTransaction,
	quota.CategoryAttachment,
	quota.CategoryMetricBucket,
}

func (d *Dispatcher) deadLetter(ctx context.Context, projectID int64, target string, env *envelope.Envelope, cause error) {
	slog.Error("dispatch failed",
		logging.Target(target),
		logging.EventID(env.EventID),
		logging.ProjectID(projectID),
		logging.Error(cause),
	)

	if d.deadLetters == nil {
		return
	}

	serialized, err := env.Serialize()
	if err != nil {
		slog.Error("serialize envelope for dlq", logging.Error(err))
		return
	}

	entry := &dlq.FailedDispatch{
		Timestamp: env.ReceivedAt,
		EventID:   env.EventID,
		ProjectID: projectID,
		Target:    target,
		Error:     cause.Error(),
		Envelope:  serialized,
	}
	if err := d.deadLetters.Write(ctx, entry); err != nil {
		slog.Error("write dlq entry", logging.Error(err))
	}
}

func messageKind(t envelope.ItemType) sink.MessageKind {
	switch t {
	case envelope.ItemEvent:
		return sink.KindEvent
	case envelope.ItemAttachment:
		return sink.KindAttachment
	case envelope.ItemSession:
		return sink.KindSession
	case envelope.ItemTransaction:
		return sink.KindTransaction
	default:
		return sink.KindEvent
	}
}
