package quota

import (
	"github.com/nightjar-systems/relay/internal/envelope"
)

// Category is the data category an item is accounted under.
type Category string

const (
	CategoryError        Category = "error"
	CategorySession      Category = "session"
	CategoryTransaction  Category = "transaction"
	CategoryAttachment   Category = "attachment"
	CategoryMetricBucket Category = "metric_bucket"
)

// CategoryForItem maps an item type to its accounting category. Events count
// as errors, matching how admission is billed upstream.
func CategoryForItem(t envelope.ItemType) Category {
	switch t {
	case envelope.ItemEvent:
		return CategoryError
	case envelope.ItemSession:
		return CategorySession
	case envelope.ItemTransaction:
		return CategoryTransaction
	case envelope.ItemAttachment:
		return CategoryAttachment
	case envelope.ItemMetricBuckets:
		return CategoryMetricBucket
	}
	return CategoryError
}

// Quota caps event counts per time window for a scope. Limit and Window are
// immutable for the quota's lifetime.
type Quota struct {
	// Prefix is the unique scope key counters are tracked under.
	Prefix string `json:"prefix" mapstructure:"prefix"`

	// Limit is the maximum number of admissions per window.
	Limit int64 `json:"limit" mapstructure:"limit"`

	// Window is the window length in seconds.
	Window int64 `json:"window" mapstructure:"window"`

	// ReasonCode is surfaced to the caller on denial.
	ReasonCode string `json:"reason_code" mapstructure:"reason_code"`

	// Categories restricts the quota's scope. Empty matches every category.
	Categories []Category `json:"categories,omitempty" mapstructure:"categories"`
}

// Matches reports whether the quota's scope covers the given category.
func (q Quota) Matches(category Category) bool {
	if len(q.Categories) == 0 {
		return true
	}
	for _, c := range q.Categories {
		if c == category {
			return true
		}
	}
	return false
}
