// Package extract derives aggregate metric buckets from session and
// transaction payloads. Extraction is a pure function of the items it is
// fed; the original items are always forwarded in addition to the derived
// buckets.
package extract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nightjar-systems/relay/internal/envelope"
	"github.com/nightjar-systems/relay/internal/telemetry"
)

// Extractor accumulates buckets derived from the items of one envelope.
// Buckets sharing (name, type, tags, timestamp) merge into a single bucket.
// Not safe for concurrent use; construct one per envelope.
type Extractor struct {
	agg *aggregator
}

// NewExtractor returns an empty per-envelope extractor.
func NewExtractor() *Extractor {
	return &Extractor{agg: newAggregator()}
}

// Process derives buckets from one item and folds them into the aggregate.
// Item kinds that carry no metrics are ignored. A payload that cannot be
// parsed at all yields an error; individual malformed entries inside an
// otherwise valid payload are dropped without failing the item.
func (e *Extractor) Process(item envelope.Item) error {
	switch item.Type {
	case envelope.ItemSession:
		return e.processSession(item.Payload)
	case envelope.ItemTransaction:
		return e.processTransaction(item.Payload)
	default:
		return nil
	}
}

// Buckets returns the merged buckets in first-seen order.
func (e *Extractor) Buckets() []*Bucket {
	buckets := e.agg.results()
	telemetry.MetricBucketsExtracted.Add(float64(len(buckets)))
	return buckets
}

// MetricsItem serializes the merged buckets as a metric_buckets envelope
// item. Returns false when no buckets were derived.
func (e *Extractor) MetricsItem() (envelope.Item, bool) {
	buckets := e.Buckets()
	if len(buckets) == 0 {
		return envelope.Item{}, false
	}

	payload, err := json.Marshal(buckets)
	if err != nil {
		// Buckets are built from parsed JSON values; marshalling them
		// back cannot fail in practice.
		slog.Error("marshal metric buckets", slog.String("error", err.Error()))
		return envelope.Item{}, false
	}

	return envelope.Item{
		Type:        envelope.ItemMetricBuckets,
		ContentType: "application/json",
		Payload:     payload,
	}, true
}

type sessionPayload struct {
	SID       string  `json:"sid"`
	DID       string  `json:"did"`
	Init      bool    `json:"init"`
	Timestamp string  `json:"timestamp"`
	Status    string  `json:"status"`
	Errors    int     `json:"errors"`
	Attrs     struct {
		Release     string `json:"release"`
		Environment string `json:"environment"`
	} `json:"attrs"`
}

// sessionStatus maps the session's state to the session.status tag value.
func sessionStatus(s sessionPayload) string {
	if s.Init {
		return "init"
	}
	if s.Status == "exited" && s.Errors > 0 {
		return "errored"
	}
	if s.Status == "" {
		return "exited"
	}
	return s.Status
}

func (e *Extractor) processSession(payload []byte) error {
	var session sessionPayload
	if err := json.Unmarshal(payload, &session); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}

	ts, err := parseTimestamp(session.Timestamp)
	if err != nil {
		return fmt.Errorf("parse session timestamp: %w", err)
	}

	tags := map[string]string{
		"session.status": sessionStatus(session),
	}
	if session.Attrs.Environment != "" {
		tags["environment"] = session.Attrs.Environment
	}
	if session.Attrs.Release != "" {
		tags["release"] = session.Attrs.Release
	}

	e.agg.add(&Bucket{
		Timestamp:    ts,
		Name:         "session",
		Type:         CounterType,
		Tags:         tags,
		CounterValue: 1,
	})

	if session.DID != "" {
		e.agg.add(&Bucket{
			Timestamp: ts,
			Name:      "user",
			Type:      SetType,
			Tags:      cloneTags(tags),
			SetValues: []uint32{hashSetMember(session.DID)},
		})
	}

	return nil
}

type transactionPayload struct {
	Timestamp    json.RawMessage                       `json:"timestamp"`
	Measurements map[string]measurementValue           `json:"measurements"`
	Breakdowns   map[string]map[string]measurementValue `json:"breakdowns"`
}

type measurementValue struct {
	Value *float64 `json:"value"`
}

func (e *Extractor) processTransaction(payload []byte) error {
	var tx transactionPayload
	if err := json.Unmarshal(payload, &tx); err != nil {
		return fmt.Errorf("parse transaction: %w", err)
	}

	ts, err := parseRawTimestamp(tx.Timestamp)
	if err != nil {
		return fmt.Errorf("parse transaction timestamp: %w", err)
	}

	for key, m := range tx.Measurements {
		if m.Value == nil {
			// One malformed measurement drops only its own bucket.
			slog.Debug("skipping measurement without value", slog.String("key", key))
			continue
		}
		e.agg.add(&Bucket{
			Timestamp:          ts,
			Name:               "measurement." + key,
			Type:               DistributionType,
			DistributionValues: []float64{*m.Value},
		})
	}

	for breakdown, fields := range tx.Breakdowns {
		for field, m := range fields {
			if m.Value == nil {
				slog.Debug("skipping breakdown field without value",
					slog.String("breakdown", breakdown),
					slog.String("field", field),
				)
				continue
			}
			e.agg.add(&Bucket{
				Timestamp:          ts,
				Name:               fmt.Sprintf("breakdown.%s.%s", breakdown, field),
				Type:               DistributionType,
				DistributionValues: []float64{*m.Value},
			})
		}
	}

	return nil
}

// hashSetMember folds a distinct id into the stable 32-bit member form used
// by set buckets.
func hashSetMember(value string) uint32 {
	return uint32(xxhash.Sum64String(value))
}

// parseTimestamp accepts RFC 3339 and truncates to whole seconds.
func parseTimestamp(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("missing timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return 0, err
	}
	return ts.Unix(), nil
}

// parseRawTimestamp accepts either RFC 3339 strings or numeric seconds since
// epoch, both of which appear in transaction payloads.
func parseRawTimestamp(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing timestamp")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return parseTimestamp(asString)
	}

	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return int64(asNumber), nil
	}

	return 0, fmt.Errorf("unsupported timestamp format")
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
