package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightjar-systems/relay/internal/buffer"
	"github.com/nightjar-systems/relay/internal/dispatch"
	"github.com/nightjar-systems/relay/internal/envelope"
	"github.com/nightjar-systems/relay/internal/outcome"
	"github.com/nightjar-systems/relay/internal/pii"
	"github.com/nightjar-systems/relay/internal/projects"
	"github.com/nightjar-systems/relay/internal/quota"
)

// recordingForwarder captures forwarded envelopes and tracks how many sends
// overlap in time.
type recordingForwarder struct {
	mu        sync.Mutex
	envelopes []*envelope.Envelope

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
	done        chan struct{}
}

func newRecordingForwarder(expected int) *recordingForwarder {
	f := &recordingForwarder{done: make(chan struct{})}
	go func() {
		for {
			f.mu.Lock()
			n := len(f.envelopes)
			f.mu.Unlock()
			if n >= expected {
				close(f.done)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return f
}

func (f *recordingForwarder) SendEnvelope(_ context.Context, _ int64, _ string, env *envelope.Envelope) error {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if current <= max || f.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.envelopes = append(f.envelopes, env)
	f.mu.Unlock()
	return nil
}

func (f *recordingForwarder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatches")
	}
}

func (f *recordingForwarder) all() []*envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*envelope.Envelope(nil), f.envelopes...)
}

type testSetup struct {
	pipeline  *Pipeline
	forwarder *recordingForwarder
	provider  *projects.StaticProvider
}

type setupOption func(*Options)

func newTestPipeline(t *testing.T, cfg *projects.Config, expectedDispatches int, opts ...setupOption) *testSetup {
	t.Helper()

	provider := projects.NewStaticProvider(cfg)
	forwarder := newRecordingForwarder(expectedDispatches)
	ledger := quota.NewLedger()

	options := Options{
		Queue:      buffer.NewQueue(100, 10*time.Minute),
		Ledger:     ledger,
		Projects:   provider,
		Scrubber:   pii.NewScrubber(),
		Dispatcher: dispatch.New(nil, forwarder, ledger, nil),
		Workers:    2,
	}
	for _, o := range opts {
		o(&options)
	}

	p := New(options)
	p.Start()
	t.Cleanup(p.Stop)

	return &testSetup{pipeline: p, forwarder: forwarder, provider: provider}
}

func eventEnvelope(t *testing.T, payload map[string]any) *envelope.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	env := envelope.New()
	env.AddItem(envelope.Item{Type: envelope.ItemEvent, Payload: data})
	return env
}

func sessionEnvelope(t *testing.T, payload map[string]any) *envelope.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	env := envelope.New()
	env.AddItem(envelope.Item{Type: envelope.ItemSession, Payload: data})
	return env
}

func itemPayload(t *testing.T, env *envelope.Envelope, idx int) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Items[idx].Payload, &payload))
	return payload
}

func TestSubmit_UnknownProject(t *testing.T) {
	s := newTestPipeline(t, &projects.Config{ProjectID: 1}, 0)

	err := s.pipeline.Submit(context.Background(), 999, "", eventEnvelope(t, map[string]any{"message": "hi"}))
	assert.ErrorIs(t, err, ErrConfigUnavailable)
}

func TestSubmit_UnknownPublicKey(t *testing.T) {
	cfg := &projects.Config{
		ProjectID: 1,
		PublicKeys: []projects.PublicKey{
			{PublicKey: "registered", IsEnabled: true},
		},
	}
	s := newTestPipeline(t, cfg, 0)

	err := s.pipeline.Submit(context.Background(), 1, "unregistered", eventEnvelope(t, map[string]any{}))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSubmit_MalformedPayloadRejectedSynchronously(t *testing.T) {
	s := newTestPipeline(t, &projects.Config{ProjectID: 1}, 0)

	env := envelope.New()
	env.AddItem(envelope.Item{Type: envelope.ItemEvent, Payload: []byte("not json")})

	err := s.pipeline.Submit(context.Background(), 1, "", env)

	var malformed *outcome.MalformedPayload
	assert.True(t, errors.As(err, &malformed))
}

func TestSubmit_QuotaDenial(t *testing.T) {
	cfg := &projects.Config{
		ProjectID: 1,
		Quotas: []quota.Quota{
			{Prefix: "p1-errors", Limit: 2, Window: 60, ReasonCode: "get_lost"},
		},
	}
	s := newTestPipeline(t, cfg, 2)

	ctx := context.Background()
	require.NoError(t, s.pipeline.Submit(ctx, 1, "", eventEnvelope(t, map[string]any{})))
	require.NoError(t, s.pipeline.Submit(ctx, 1, "", eventEnvelope(t, map[string]any{})))

	err := s.pipeline.Submit(ctx, 1, "", eventEnvelope(t, map[string]any{}))
	var denied *outcome.AdmissionDenied
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "get_lost", denied.ReasonCode)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	s.forwarder.wait(t)
	assert.Len(t, s.forwarder.all(), 2)
}

func TestSubmit_BufferFull(t *testing.T) {
	s := newTestPipeline(t, &projects.Config{ProjectID: 1}, 0, func(o *Options) {
		o.Queue = buffer.NewQueue(0, time.Minute)
	})

	err := s.pipeline.Submit(context.Background(), 1, "", eventEnvelope(t, map[string]any{}))
	assert.ErrorIs(t, err, outcome.ErrBufferFull)
}

func TestProcess_ScrubsBeforeDispatch(t *testing.T) {
	s := newTestPipeline(t, &projects.Config{ProjectID: 1}, 1)

	env := eventEnvelope(t, map[string]any{
		"message": "hello",
		"user":    map[string]any{"email": "user@example.com"},
	})
	require.NoError(t, s.pipeline.Submit(context.Background(), 1, "", env))
	s.forwarder.wait(t)

	dispatched := s.forwarder.all()
	require.Len(t, dispatched, 1)

	payload := itemPayload(t, dispatched[0], 0)
	assert.Equal(t, "[email]", payload["user"].(map[string]any)["email"])
	assert.Equal(t, "hello", payload["message"])
}

func TestProcess_NormalizationRequiresBothFlags(t *testing.T) {
	tests := []struct {
		name       string
		relayFlag  bool
		projFlag   bool
		normalized bool
	}{
		{name: "both enabled", relayFlag: true, projFlag: true, normalized: true},
		{name: "relay only", relayFlag: true, projFlag: false, normalized: false},
		{name: "project only", relayFlag: false, projFlag: true, normalized: false},
		{name: "neither", relayFlag: false, projFlag: false, normalized: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &projects.Config{
				ProjectID:         42,
				ProcessingEnabled: tt.projFlag,
				PublicKeys: []projects.PublicKey{
					{PublicKey: "pub", KeyID: "7", IsEnabled: true},
				},
			}
			s := newTestPipeline(t, cfg, 1, func(o *Options) {
				o.ProcessingEnabled = tt.relayFlag
			})

			env := eventEnvelope(t, map[string]any{"message": "hi"})
			require.NoError(t, s.pipeline.Submit(context.Background(), 42, "pub", env))
			s.forwarder.wait(t)

			payload := itemPayload(t, s.forwarder.all()[0], 0)
			if tt.normalized {
				assert.Equal(t, float64(42), payload["project"])
				assert.Equal(t, "7", payload["key_id"])
				assert.Contains(t, payload, "version")
			} else {
				assert.NotContains(t, payload, "project")
				assert.NotContains(t, payload, "version")
			}
		})
	}
}

func TestProcess_MetricsExtractionFeatureGate(t *testing.T) {
	session := map[string]any{
		"did":       "user-1",
		"init":      true,
		"timestamp": "2023-04-01T12:00:00Z",
	}

	t.Run("disabled", func(t *testing.T) {
		s := newTestPipeline(t, &projects.Config{ProjectID: 1}, 1)

		require.NoError(t, s.pipeline.Submit(context.Background(), 1, "", sessionEnvelope(t, session)))
		s.forwarder.wait(t)

		dispatched := s.forwarder.all()[0]
		// The session item passes through untouched and alone.
		require.Len(t, dispatched.Items, 1)
		assert.Equal(t, envelope.ItemSession, dispatched.Items[0].Type)
	})

	t.Run("enabled", func(t *testing.T) {
		cfg := &projects.Config{
			ProjectID: 1,
			Features:  []string{projects.FeatureMetricsExtraction},
		}
		s := newTestPipeline(t, cfg, 1)

		require.NoError(t, s.pipeline.Submit(context.Background(), 1, "", sessionEnvelope(t, session)))
		s.forwarder.wait(t)

		dispatched := s.forwarder.all()[0]
		require.Len(t, dispatched.Items, 2)
		assert.Equal(t, envelope.ItemSession, dispatched.Items[0].Type)
		assert.Equal(t, envelope.ItemMetricBuckets, dispatched.Items[1].Type)

		var buckets []map[string]any
		require.NoError(t, json.Unmarshal(dispatched.Items[1].Payload, &buckets))
		require.Len(t, buckets, 2)
		assert.Equal(t, "session", buckets[0]["name"])
		assert.Equal(t, "user", buckets[1]["name"])
	})
}

func TestWorkers_ConcurrencyBounded(t *testing.T) {
	const envelopes = 4

	s := newTestPipeline(t, &projects.Config{ProjectID: 1}, envelopes, func(o *Options) {
		o.Workers = 1
	})
	s.forwarder.delay = 20 * time.Millisecond

	ctx := context.Background()
	for i := 0; i < envelopes; i++ {
		require.NoError(t, s.pipeline.Submit(ctx, 1, "", eventEnvelope(t, map[string]any{"n": i})))
	}
	s.forwarder.wait(t)

	assert.Len(t, s.forwarder.all(), envelopes)
	// A single worker never has two dispatches in flight.
	assert.Equal(t, int32(1), s.forwarder.maxInFlight.Load())
}

func TestStop_DrainsInFlightWork(t *testing.T) {
	provider := projects.NewStaticProvider(&projects.Config{ProjectID: 1})
	forwarder := newRecordingForwarder(1)
	forwarder.delay = 50 * time.Millisecond
	ledger := quota.NewLedger()

	p := New(Options{
		Queue:      buffer.NewQueue(10, time.Minute),
		Ledger:     ledger,
		Projects:   provider,
		Scrubber:   pii.NewScrubber(),
		Dispatcher: dispatch.New(nil, forwarder, ledger, nil),
		Workers:    1,
	})
	p.Start()

	require.NoError(t, p.Submit(context.Background(), 1, "", eventEnvelope(t, map[string]any{})))

	// Give the worker a moment to pick the envelope up, then stop; the
	// in-flight dispatch must complete before Stop returns.
	time.Sleep(10 * time.Millisecond)
	p.Stop()

	assert.Len(t, forwarder.all(), 1)
}

// blockingForwarder honors context cancellation: a send aborts with the
// context's error unless released first.
type blockingForwarder struct {
	started chan struct{}
	release chan struct{}

	mu  sync.Mutex
	err error
}

func (f *blockingForwarder) SendEnvelope(ctx context.Context, _ int64, _ string, _ *envelope.Envelope) error {
	close(f.started)
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-f.release:
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	return err
}

func TestStop_DoesNotCancelInFlightDispatch(t *testing.T) {
	provider := projects.NewStaticProvider(&projects.Config{ProjectID: 1})
	forwarder := &blockingForwarder{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	ledger := quota.NewLedger()

	p := New(Options{
		Queue:      buffer.NewQueue(10, time.Minute),
		Ledger:     ledger,
		Projects:   provider,
		Scrubber:   pii.NewScrubber(),
		Dispatcher: dispatch.New(nil, forwarder, ledger, nil),
		Workers:    1,
	})
	p.Start()

	require.NoError(t, p.Submit(context.Background(), 1, "", eventEnvelope(t, map[string]any{})))

	select {
	case <-forwarder.started:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never started")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	// Stop has cancelled the worker ctx by now; the in-flight send must not
	// observe that cancellation.
	time.Sleep(20 * time.Millisecond)
	close(forwarder.release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()
	assert.NoError(t, forwarder.err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "received", StateReceived.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(99).String())
}
