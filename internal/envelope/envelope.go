// Package envelope implements the item container format used on the ingest
// path and for upstream forwarding. An envelope is a header line followed by
// any number of items, each of which is a header line plus a payload.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemType identifies the payload kind carried by an item.
type ItemType string

const (
	ItemEvent         ItemType = "event"
	ItemSession       ItemType = "session"
	ItemTransaction   ItemType = "transaction"
	ItemMetricBuckets ItemType = "metric_buckets"
	ItemAttachment    ItemType = "attachment"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemEvent, ItemSession, ItemTransaction, ItemMetricBuckets, ItemAttachment:
		return true
	}
	return false
}

// Item is one typed payload unit within an envelope. The item owns its
// payload bytes until the envelope is handed to the dispatcher.
type Item struct {
	Type        ItemType
	ContentType string
	Payload     []byte
}

type itemHeader struct {
	Type        ItemType `json:"type"`
	Length      *int     `json:"length,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
}

// Envelope is an ordered sequence of items plus envelope-level metadata.
// Item order is preserved end to end.
type Envelope struct {
	EventID    string
	ReceivedAt time.Time
	Items      []Item
}

type envelopeHeader struct {
	EventID string `json:"event_id,omitempty"`
	SentAt  string `json:"sent_at,omitempty"`
}

// New returns an empty envelope with a fresh event id, stamped now.
func New() *Envelope {
	return &Envelope{
		EventID:    uuid.New().String(),
		ReceivedAt: time.Now().UTC(),
	}
}

// FromEvent wraps a single legacy event payload in an envelope. Used by the
// store endpoint, which predates the envelope protocol.
func FromEvent(payload []byte) *Envelope {
	env := New()
	env.Items = append(env.Items, Item{
		Type:        ItemEvent,
		ContentType: "application/json",
		Payload:     payload,
	})
	return env
}

// AddItem appends an item, preserving insertion order.
func (e *Envelope) AddItem(item Item) {
	e.Items = append(e.Items, item)
}

// Empty reports whether the envelope carries no items. Empty envelopes are
// valid but yield no dispatch.
func (e *Envelope) Empty() bool {
	return len(e.Items) == 0
}

// Parse decodes the wire form of an envelope: an envelope header line,
// then for each item a header line and a payload. The payload is either
// exactly `length` bytes or, when length is omitted, the rest of the line.
func Parse(data []byte) (*Envelope, error) {
	headerLine, rest, _ := bytes.Cut(data, []byte{'\n'})
	if len(bytes.TrimSpace(headerLine)) == 0 {
		return nil, fmt.Errorf("envelope: missing header line")
	}

	var header envelopeHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, fmt.Errorf("envelope: parse header: %w", err)
	}

	env := &Envelope{
		EventID:    header.EventID,
		ReceivedAt: time.Now().UTC(),
	}
	if env.EventID == "" {
		env.EventID = uuid.New().String()
	}

	for len(bytes.TrimSpace(rest)) > 0 {
		var itemLine []byte
		itemLine, rest, _ = bytes.Cut(rest, []byte{'\n'})
		if len(bytes.TrimSpace(itemLine)) == 0 {
			continue
		}

		var ih itemHeader
		if err := json.Unmarshal(itemLine, &ih); err != nil {
			return nil, fmt.Errorf("envelope: parse item header: %w", err)
		}
		if !ih.Type.Valid() {
			return nil, fmt.Errorf("envelope: unknown item type %q", ih.Type)
		}

		var payload []byte
		if ih.Length != nil {
			n := *ih.Length
			if n < 0 || n > len(rest) {
				return nil, fmt.Errorf("envelope: item length %d out of bounds", n)
			}
			payload = rest[:n]
			rest = rest[n:]
			// Consume the trailing newline after a length-delimited payload.
			if len(rest) > 0 && rest[0] == '\n' {
				rest = rest[1:]
			}
		} else {
			payload, rest, _ = bytes.Cut(rest, []byte{'\n'})
		}

		env.Items = append(env.Items, Item{
			Type:        ih.Type,
			ContentType: ih.ContentType,
			Payload:     append([]byte(nil), payload...),
		})
	}

	return env, nil
}

// Serialize encodes the envelope back to its wire form. Item order is kept.
func (e *Envelope) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	header, err := json.Marshal(envelopeHeader{
		EventID: e.EventID,
		SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal header: %w", err)
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, item := range e.Items {
		length := len(item.Payload)
		ih, err := json.Marshal(itemHeader{
			Type:        item.Type,
			Length:      &length,
			ContentType: item.ContentType,
		})
		if err != nil {
			return nil, fmt.Errorf("envelope: marshal item header: %w", err)
		}
		buf.Write(ih)
		buf.WriteByte('\n')
		buf.Write(item.Payload)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
