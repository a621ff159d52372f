package extract

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightjar-systems/relay/internal/envelope"
)

func sessionItem(t *testing.T, payload map[string]any) envelope.Item {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return envelope.Item{Type: envelope.ItemSession, Payload: data}
}

func transactionItem(t *testing.T, payload map[string]any) envelope.Item {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return envelope.Item{Type: envelope.ItemTransaction, Payload: data}
}

func TestSession_InitProducesCounterAndUserSet(t *testing.T) {
	ts := time.Date(2023, 4, 1, 12, 30, 45, 123456789, time.UTC)

	e := NewExtractor()
	err := e.Process(sessionItem(t, map[string]any{
		"sid":       "8333339f-5675-4f89-a9a0-1c935255ab58",
		"did":       "foobarbaz",
		"init":      true,
		"timestamp": ts.Format(time.RFC3339Nano),
		"status":    "exited",
		"errors":    0,
		"attrs": map[string]any{
			"release":     "app@1.0.0",
			"environment": "production",
		},
	}))
	require.NoError(t, err)

	buckets := e.Buckets()
	require.Len(t, buckets, 2)

	expectedTags := map[string]string{
		"environment":    "production",
		"release":        "app@1.0.0",
		"session.status": "init",
	}

	counter := buckets[0]
	assert.Equal(t, "session", counter.Name)
	assert.Equal(t, CounterType, counter.Type)
	assert.Equal(t, float64(1), counter.CounterValue)
	assert.Equal(t, expectedTags, counter.Tags)
	// Timestamp is the session's own timestamp truncated to whole seconds.
	assert.Equal(t, ts.Truncate(time.Second).Unix(), counter.Timestamp)

	set := buckets[1]
	assert.Equal(t, "user", set.Name)
	assert.Equal(t, SetType, set.Type)
	assert.Equal(t, expectedTags, set.Tags)
	require.Len(t, set.SetValues, 1)
	assert.Equal(t, hashSetMember("foobarbaz"), set.SetValues[0])
}

func TestSession_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		init     bool
		status   string
		errors   int
		expected string
	}{
		{name: "init wins", init: true, status: "exited", expected: "init"},
		{name: "exited with errors is errored", status: "exited", errors: 2, expected: "errored"},
		{name: "clean exit", status: "exited", expected: "exited"},
		{name: "crashed passes through", status: "crashed", expected: "crashed"},
		{name: "empty status defaults to exited", expected: "exited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor()
			err := e.Process(sessionItem(t, map[string]any{
				"did":       "user-1",
				"init":      tt.init,
				"status":    tt.status,
				"errors":    tt.errors,
				"timestamp": "2023-04-01T12:00:00Z",
			}))
			require.NoError(t, err)

			buckets := e.Buckets()
			require.NotEmpty(t, buckets)
			assert.Equal(t, tt.expected, buckets[0].Tags["session.status"])
		})
	}
}

func TestSession_NoDistinctIDSkipsUserSet(t *testing.T) {
	e := NewExtractor()
	err := e.Process(sessionItem(t, map[string]any{
		"init":      true,
		"timestamp": "2023-04-01T12:00:00Z",
	}))
	require.NoError(t, err)

	buckets := e.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, "session", buckets[0].Name)
}

func TestTransaction_MeasurementsAndBreakdowns(t *testing.T) {
	e := NewExtractor()
	err := e.Process(transactionItem(t, map[string]any{
		"timestamp": "2023-04-01T12:00:00Z",
		"measurements": map[string]any{
			"foo": map[string]any{"value": 1.2},
			"bar": map[string]any{"value": 1.3},
		},
		"breakdowns": map[string]any{
			"breakdown1": map[string]any{
				"baz": map[string]any{"value": 1.4},
			},
		},
	}))
	require.NoError(t, err)

	byName := bucketsByName(e.Buckets())
	require.Len(t, byName, 3)

	assert.Equal(t, []float64{1.2}, byName["measurement.foo"].DistributionValues)
	assert.Equal(t, []float64{1.3}, byName["measurement.bar"].DistributionValues)
	assert.Equal(t, []float64{1.4}, byName["breakdown.breakdown1.baz"].DistributionValues)
	for _, b := range byName {
		assert.Equal(t, DistributionType, b.Type)
	}
}

func TestTransaction_AccumulationPreservesArrivalOrder(t *testing.T) {
	e := NewExtractor()

	for _, value := range []float64{1.2, 2.2} {
		err := e.Process(transactionItem(t, map[string]any{
			"timestamp": "2023-04-01T12:00:00Z",
			"measurements": map[string]any{
				"foo": map[string]any{"value": value},
			},
		}))
		require.NoError(t, err)
	}

	buckets := e.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, "measurement.foo", buckets[0].Name)
	assert.Equal(t, []float64{1.2, 2.2}, buckets[0].DistributionValues)
}

func TestTransaction_NumericTimestamp(t *testing.T) {
	e := NewExtractor()
	err := e.Process(transactionItem(t, map[string]any{
		"timestamp": 1680350400.75,
		"measurements": map[string]any{
			"foo": map[string]any{"value": 1.0},
		},
	}))
	require.NoError(t, err)

	buckets := e.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1680350400), buckets[0].Timestamp)
}

func TestTransaction_MalformedMeasurementDroppedAlone(t *testing.T) {
	e := NewExtractor()
	err := e.Process(transactionItem(t, map[string]any{
		"timestamp": "2023-04-01T12:00:00Z",
		"measurements": map[string]any{
			"good": map[string]any{"value": 5.0},
			"bad":  map[string]any{},
		},
	}))
	require.NoError(t, err)

	byName := bucketsByName(e.Buckets())
	require.Len(t, byName, 1)
	assert.Contains(t, byName, "measurement.good")
}

func TestProcess_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		item envelope.Item
	}{
		{
			name: "unparseable session",
			item: envelope.Item{Type: envelope.ItemSession, Payload: []byte("not json")},
		},
		{
			name: "session without timestamp",
			item: envelope.Item{Type: envelope.ItemSession, Payload: []byte(`{"did":"x"}`)},
		},
		{
			name: "unparseable transaction",
			item: envelope.Item{Type: envelope.ItemTransaction, Payload: []byte("not json")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor()
			assert.Error(t, e.Process(tt.item))
			assert.Empty(t, e.Buckets())
		})
	}
}

func TestProcess_IgnoresOtherItemKinds(t *testing.T) {
	e := NewExtractor()
	require.NoError(t, e.Process(envelope.Item{Type: envelope.ItemEvent, Payload: []byte(`{}`)}))
	require.NoError(t, e.Process(envelope.Item{Type: envelope.ItemAttachment, Payload: []byte("blob")}))
	assert.Empty(t, e.Buckets())
}

func TestSetBucket_MembersDeduplicated(t *testing.T) {
	e := NewExtractor()

	for i := 0; i < 2; i++ {
		err := e.Process(sessionItem(t, map[string]any{
			"did":       "same-user",
			"init":      true,
			"timestamp": "2023-04-01T12:00:00Z",
		}))
		require.NoError(t, err)
	}

	byName := bucketsByName(e.Buckets())
	// Counter accumulated, set holds one member.
	assert.Equal(t, float64(2), byName["session"].CounterValue)
	assert.Len(t, byName["user"].SetValues, 1)
}

func TestMetricsItem_WireFormat(t *testing.T) {
	e := NewExtractor()
	err := e.Process(sessionItem(t, map[string]any{
		"did":       "foobarbaz",
		"init":      true,
		"timestamp": "2023-04-01T12:00:00Z",
		"attrs": map[string]any{
			"release":     "app@1.0.0",
			"environment": "production",
		},
	}))
	require.NoError(t, err)

	item, ok := e.MetricsItem()
	require.True(t, ok)
	assert.Equal(t, envelope.ItemMetricBuckets, item.Type)
	assert.Equal(t, "application/json", item.ContentType)

	expected := fmt.Sprintf(`[
		{
			"timestamp": 1680350400,
			"name": "session",
			"type": "c",
			"value": 1,
			"tags": {"environment":"production","release":"app@1.0.0","session.status":"init"}
		},
		{
			"timestamp": 1680350400,
			"name": "user",
			"type": "s",
			"value": [%d],
			"tags": {"environment":"production","release":"app@1.0.0","session.status":"init"}
		}
	]`, hashSetMember("foobarbaz"))
	assert.JSONEq(t, expected, string(item.Payload))
}

func TestMetricsItem_EmptyWhenNothingExtracted(t *testing.T) {
	e := NewExtractor()
	_, ok := e.MetricsItem()
	assert.False(t, ok)
}

func bucketsByName(buckets []*Bucket) map[string]*Bucket {
	out := make(map[string]*Bucket, len(buckets))
	for _, b := range buckets {
		out[b.Name] = b
	}
	return out
}
