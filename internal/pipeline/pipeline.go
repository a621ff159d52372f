// Package pipeline composes admission, buffering, scrubbing, normalization,
// metric extraction and dispatch into the per-envelope processing chain.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nightjar-systems/relay/internal/buffer"
	"github.com/nightjar-systems/relay/internal/dispatch"
	"github.com/nightjar-systems/relay/internal/envelope"
	"github.com/nightjar-systems/relay/internal/extract"
	"github.com/nightjar-systems/relay/internal/logging"
	"github.com/nightjar-systems/relay/internal/normalize"
	"github.com/nightjar-systems/relay/internal/outcome"
	"github.com/nightjar-systems/relay/internal/pii"
	"github.com/nightjar-systems/relay/internal/projects"
	"github.com/nightjar-systems/relay/internal/quota"
	"github.com/nightjar-systems/relay/internal/telemetry"
)

// State names the stations of the per-envelope state machine. Transitions
// are one-directional; Rejected and Dropped are terminal failures.
type State int

const (
	StateReceived State = iota
	StateAdmitted
	StateQueued
	StateScrubbing
	StateNormalizing
	StateExtracting
	StateDispatching
	StateDone
	StateRejected
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateAdmitted:
		return "admitted"
	case StateQueued:
		return "queued"
	case StateScrubbing:
		return "scrubbing"
	case StateNormalizing:
		return "normalizing"
	case StateExtracting:
		return "extracting"
	case StateDispatching:
		return "dispatching"
	case StateDone:
		return "done"
	case StateRejected:
		return "rejected"
	case StateDropped:
		return "dropped"
	}
	return "unknown"
}

// ErrConfigUnavailable means the project configuration lookup failed or
// timed out. Admission is deferred, never crashed.
var ErrConfigUnavailable = errors.New("project config unavailable")

// ErrInvalidKey means the request's public key is not registered and
// enabled for the project.
var ErrInvalidKey = errors.New("unknown or disabled public key")

// Options wires the pipeline's collaborators.
type Options struct {
	Queue      *buffer.Queue
	Ledger     *quota.Ledger
	Projects   projects.Provider
	Scrubber   *pii.Scrubber
	Dispatcher *dispatch.Dispatcher

	// Workers bounds how many envelopes are in the processing chain at
	// once. Each worker runs one envelope to completion before taking
	// the next.
	Workers int

	// ProcessingEnabled is the relay-level full-processing switch. A
	// project is normalized only when both this and its own flag are
	// set.
	ProcessingEnabled bool
}

// Pipeline is the orchestrator. Submit is the synchronous request path;
// a bounded worker pool drains the queue in the background.
type Pipeline struct {
	queue      *buffer.Queue
	ledger     *quota.Ledger
	projects   projects.Provider
	scrubber   *pii.Scrubber
	dispatcher *dispatch.Dispatcher
	workers    int
	processing bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a pipeline; call Start to launch the workers.
func New(opts Options) *Pipeline {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		queue:      opts.Queue,
		ledger:     opts.Ledger,
		projects:   opts.Projects,
		scrubber:   opts.Scrubber,
		dispatcher: opts.Dispatcher,
		workers:    workers,
		processing: opts.ProcessingEnabled,
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}

	slog.Info("pipeline started", slog.Int("workers", p.workers))
}

// Stop cancels the workers and waits for in-flight envelopes to finish.
// There is no mid-flight cancellation of a dispatch already underway.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit runs the synchronous admission path: config lookup, key check,
// payload validation, quota/rate-limit check, enqueue. Safe under arbitrary
// concurrent callers. On success the envelope is queued and the caller may
// acknowledge; every error maps to one terminal rejection.
func (p *Pipeline) Submit(ctx context.Context, projectID int64, publicKey string, env *envelope.Envelope) error {
	cfg, err := p.projects.GetProjectConfig(ctx, projectID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	if !cfg.AcceptsKey(publicKey) {
		return ErrInvalidKey
	}

	if err := validateItems(env); err != nil {
		return err
	}

	// Each item consumes one unit of its category. A denial by any item
	// rejects the whole envelope; counters already incremented stay
	// incremented (best-effort accounting).
	for _, item := range env.Items {
		category := quota.CategoryForItem(item.Type)
		decision := p.ledger.CheckAdmission(projectID, category, cfg.Quotas)
		if !decision.Allowed {
			return &outcome.AdmissionDenied{
				ReasonCode: decision.ReasonCode,
				RetryAfter: decision.RetryAfter,
				Categories: []quota.Category{category},
			}
		}
	}

	if err := p.queue.Enqueue(projectID, publicKey, env); err != nil {
		return err
	}

	return nil
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		item, err := p.queue.Next(ctx)
		if err != nil {
			return
		}
		// The worker ctx only governs waiting for work. Once an envelope
		// is picked up it runs to completion; Stop waits for it instead of
		// aborting an admitted envelope mid-dispatch.
		p.process(context.WithoutCancel(ctx), item)
	}
}

// process runs one envelope's scrub → normalize → extract → dispatch chain
// to completion. The worker's slot is held for the whole chain, including
// any blocking dispatch I/O; that is what caps concurrent outbound work.
func (p *Pipeline) process(ctx context.Context, item *buffer.Item) {
	cfg, err := p.projects.GetProjectConfig(ctx, item.ProjectID)
	if err != nil {
		// Admitted but now unroutable; all we can do is drop and log.
		slog.Warn("dropping envelope, project config unavailable",
			logging.EventID(item.Envelope.EventID),
			logging.ProjectID(item.ProjectID),
			logging.PublicKey(item.PublicKey),
			logging.Error(err),
		)
		return
	}

	env := item.Envelope

	if err := p.scrubEnvelope(env); err != nil {
		slog.Warn("rejecting envelope during scrub",
			logging.EventID(env.EventID),
			logging.ProjectID(item.ProjectID),
			logging.Error(err),
		)
		return
	}

	if p.processing && cfg.ProcessingEnabled {
		p.normalizeEnvelope(env, cfg, item.PublicKey)
	}

	if cfg.HasFeature(projects.FeatureMetricsExtraction) {
		p.extractMetrics(env)
	}

	start := time.Now()
	err = p.dispatcher.Dispatch(ctx, item.ProjectID, item.PublicKey, env)
	telemetry.StageDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	if err != nil {
		// Already logged and dead-lettered by the dispatcher; recorded
		// consumption is not refunded.
		return
	}

	slog.Debug("envelope processed",
		logging.EventID(env.EventID),
		logging.ProjectID(item.ProjectID),
		slog.String("state", StateDone.String()),
	)
}

// scrubEnvelope redacts every structured item payload in place. Payloads
// were validated at submit; a parse failure here is unexpected and rejects
// the envelope.
func (p *Pipeline) scrubEnvelope(env *envelope.Envelope) error {
	start := time.Now()
	defer func() {
		telemetry.StageDuration.WithLabelValues("scrub").Observe(time.Since(start).Seconds())
	}()

	for i, item := range env.Items {
		if !structuredItem(item.Type) {
			continue
		}

		var payload any
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return &outcome.MalformedPayload{Reason: string(item.Type), Err: err}
		}

		scrubbed, err := json.Marshal(p.scrubber.Scrub(payload))
		if err != nil {
			return &outcome.MalformedPayload{Reason: string(item.Type), Err: err}
		}
		env.Items[i].Payload = scrubbed
	}

	return nil
}

// normalizeEnvelope stamps processing metadata onto event and transaction
// payloads. Runs after scrubbing so the metadata is never redacted.
func (p *Pipeline) normalizeEnvelope(env *envelope.Envelope, cfg *projects.Config, publicKey string) {
	start := time.Now()
	defer func() {
		telemetry.StageDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	}()

	keyID := cfg.KeyID(publicKey)

	for i, item := range env.Items {
		if item.Type != envelope.ItemEvent && item.Type != envelope.ItemTransaction {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			// Scrubbing already proved the payload parses; a non-object
			// top level is left as the client sent it.
			continue
		}

		normalized, err := json.Marshal(normalize.Apply(payload, cfg.ProjectID, keyID))
		if err != nil {
			continue
		}
		env.Items[i].Payload = normalized
	}
}

// extractMetrics derives metric buckets from the envelope's items and
// appends them as a sibling metric_buckets item. The original items are
// always kept; extraction augments, never replaces.
func (p *Pipeline) extractMetrics(env *envelope.Envelope) {
	start := time.Now()
	defer func() {
		telemetry.StageDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	}()

	extractor := extract.NewExtractor()
	for _, item := range env.Items {
		if err := extractor.Process(item); err != nil {
			slog.Warn("metric extraction failed for item",
				logging.EventID(env.EventID),
				slog.String("item_type", string(item.Type)),
				logging.Error(err),
			)
		}
	}

	if item, ok := extractor.MetricsItem(); ok {
		env.AddItem(item)
	}
}

// validateItems rejects payloads the scrubber could not operate on before
// anything is queued, so malformed data fails the request synchronously.
func validateItems(env *envelope.Envelope) error {
	for _, item := range env.Items {
		if !structuredItem(item.Type) {
			continue
		}
		if !json.Valid(item.Payload) {
			return &outcome.MalformedPayload{Reason: fmt.Sprintf("%s item is not valid JSON", item.Type)}
		}
	}
	return nil
}

// structuredItem reports whether the item kind carries a JSON payload the
// scrubber walks. Attachments and pre-built metric buckets pass through.
func structuredItem(t envelope.ItemType) bool {
	switch t {
	case envelope.ItemEvent, envelope.ItemSession, envelope.ItemTransaction:
		return true
	}
	return false
}
