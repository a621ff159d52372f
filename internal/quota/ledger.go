// Package quota tracks consumption against configured quotas and
// upstream-imposed backoffs. The ledger is purely in-memory: admission
// checks never block on I/O.
package quota

import (
	"sync"
	"time"

	"github.com/nightjar-systems/relay/internal/telemetry"
)

// Decision is the answer to an admission question.
type Decision struct {
	Allowed    bool
	ReasonCode string
	RetryAfter time.Duration
}

// Allow is the decision returned when no quota or backoff objects.
var Allow = Decision{Allowed: true}

type counterKey struct {
	prefix      string
	windowIndex int64
}

type backoffKey struct {
	projectID int64
	category  Category
}

// Ledger holds per-window quota counters and active rate-limit backoffs.
// All state sits behind one narrow mutex; constructed once at startup and
// shared by reference.
type Ledger struct {
	mu sync.Mutex

	counters map[counterKey]int64
	// latest window index seen per prefix, used to discard stale counters
	// lazily as windows roll over.
	currentWindow map[string]int64

	backoffs map[backoffKey]time.Time

	now func() time.Time
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		counters:      make(map[counterKey]int64),
		currentWindow: make(map[string]int64),
		backoffs:      make(map[backoffKey]time.Time),
		now:           time.Now,
	}
}

// CheckAdmission answers whether one unit of the given category may be
// admitted for the project. Counters for matching quotas are incremented as
// part of the check; a denial by a later quota does not roll back counters
// already incremented in the same call (best-effort accounting).
func (l *Ledger) CheckAdmission(projectID int64, category Category, quotas []Quota) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// An unexpired backoff short-circuits before any quota is consulted.
	bk := backoffKey{projectID: projectID, category: category}
	if until, ok := l.backoffs[bk]; ok {
		if remaining := until.Sub(now); remaining > 0 {
			telemetry.AdmissionsRejected.WithLabelValues("rate_limited").Inc()
			return Decision{
				ReasonCode: "rate_limited",
				RetryAfter: remaining,
			}
		}
		delete(l.backoffs, bk)
	}

	for _, q := range quotas {
		if q.Window <= 0 || !q.Matches(category) {
			continue
		}

		windowIndex := now.Unix() / q.Window
		key := counterKey{prefix: q.Prefix, windowIndex: windowIndex}

		// Rolling into a new window obsoletes the previous counter; drop
		// it here instead of running a background sweep.
		if prev, ok := l.currentWindow[q.Prefix]; ok && prev != windowIndex {
			delete(l.counters, counterKey{prefix: q.Prefix, windowIndex: prev})
		}
		l.currentWindow[q.Prefix] = windowIndex

		l.counters[key]++
		if l.counters[key] > q.Limit {
			retryAfter := time.Duration((windowIndex+1)*q.Window-now.Unix()) * time.Second
			telemetry.AdmissionsRejected.WithLabelValues("quota").Inc()
			return Decision{
				ReasonCode: q.ReasonCode,
				RetryAfter: retryAfter,
			}
		}
	}

	return Allow
}

// RecordUpstreamBackoff installs or refreshes a rate-limit entry for the
// given project and category. While unexpired, all admissions for that key
// are denied without consulting quotas. Driven by 429 responses from the
// upstream relay.
func (l *Ledger) RecordUpstreamBackoff(projectID int64, category Category, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := backoffKey{projectID: projectID, category: category}
	until := l.now().Add(retryAfter)
	// Only extend; a shorter backoff never shortens an existing one.
	if existing, ok := l.backoffs[key]; !ok || until.After(existing) {
		l.backoffs[key] = until
	}
}

// ActiveBackoff returns the remaining backoff for the key, or zero when none
// is in effect. Exposed for inspection and tests.
func (l *Ledger) ActiveBackoff(projectID int64, category Category) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.backoffs[backoffKey{projectID: projectID, category: category}]
	if !ok {
		return 0
	}
	if remaining := until.Sub(l.now()); remaining > 0 {
		return remaining
	}
	return 0
}
