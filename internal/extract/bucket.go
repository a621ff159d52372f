package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// BucketType is the wire discriminator for a metric bucket.
type BucketType string

const (
	CounterType      BucketType = "c"
	DistributionType BucketType = "d"
	SetType          BucketType = "s"
)

// Bucket is one aggregated, tagged numeric observation. Exactly one of the
// value fields is populated, according to Type.
type Bucket struct {
	Timestamp int64
	Name      string
	Type      BucketType
	Tags      map[string]string

	CounterValue       float64
	DistributionValues []float64
	SetValues          []uint32
}

type bucketWire struct {
	Timestamp int64             `json:"timestamp"`
	Name      string            `json:"name"`
	Type      BucketType        `json:"type"`
	Value     any               `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// MarshalJSON emits the metric_buckets item wire form, with the value field
// shaped by the bucket type.
func (b *Bucket) MarshalJSON() ([]byte, error) {
	wire := bucketWire{
		Timestamp: b.Timestamp,
		Name:      b.Name,
		Type:      b.Type,
		Tags:      b.Tags,
	}

	switch b.Type {
	case CounterType:
		wire.Value = b.CounterValue
	case DistributionType:
		wire.Value = b.DistributionValues
	case SetType:
		wire.Value = b.SetValues
	default:
		return nil, fmt.Errorf("unknown bucket type %q", b.Type)
	}

	return json.Marshal(wire)
}

type bucketKey struct {
	name      string
	ty        BucketType
	tags      string
	timestamp int64
}

// tagsKey serializes tags in sorted order so that the merge key does not
// depend on map iteration order.
func tagsKey(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('\x00')
		sb.WriteString(tags[k])
		sb.WriteByte('\x00')
	}
	return sb.String()
}

// aggregator merges buckets by (name, type, tags, timestamp). Counter values
// add, distribution values append in arrival order, set members union.
// Merging is commutative and associative, so accumulation does not depend on
// which worker merged first.
type aggregator struct {
	buckets map[bucketKey]*Bucket
	order   []bucketKey
}

func newAggregator() *aggregator {
	return &aggregator{buckets: make(map[bucketKey]*Bucket)}
}

func (a *aggregator) add(b *Bucket) {
	key := bucketKey{
		name:      b.Name,
		ty:        b.Type,
		tags:      tagsKey(b.Tags),
		timestamp: b.Timestamp,
	}

	existing, ok := a.buckets[key]
	if !ok {
		a.buckets[key] = b
		a.order = append(a.order, key)
		return
	}

	switch b.Type {
	case CounterType:
		existing.CounterValue += b.CounterValue
	case DistributionType:
		existing.DistributionValues = append(existing.DistributionValues, b.DistributionValues...)
	case SetType:
		for _, member := range b.SetValues {
			if !containsMember(existing.SetValues, member) {
				existing.SetValues = append(existing.SetValues, member)
			}
		}
	}
}

// results returns merged buckets in first-seen order.
func (a *aggregator) results() []*Bucket {
	out := make([]*Bucket, 0, len(a.order))
	for _, key := range a.order {
		out = append(out, a.buckets[key])
	}
	return out
}

func containsMember(members []uint32, m uint32) bool {
	for _, existing := range members {
		if existing == m {
			return true
		}
	}
	return false
}
