// Package outcome defines the failure taxonomy of the ingest pipeline.
// Every terminal failure an envelope can reach maps to exactly one of these.
package outcome

import (
	"errors"
	"fmt"
	"time"

	"github.com/nightjar-systems/relay/internal/quota"
)

// ErrBufferFull is returned when the admission queue is at capacity. The
// envelope is never queued; the caller sees the rejection immediately.
var ErrBufferFull = errors.New("event buffer full")

// ErrExpired marks an envelope that outlived its queue deadline. It is
// dropped silently; the original request has already been answered.
var ErrExpired = errors.New("envelope expired in queue")

// AdmissionDenied is a quota or rate-limit rejection. RetryAfter is the hint
// surfaced to the caller; the pipeline itself never retries.
type AdmissionDenied struct {
	ReasonCode string
	RetryAfter time.Duration

	// Categories the denial applies to, surfaced in the rate-limits
	// response header so a chained relay can install matching backoffs.
	Categories []quota.Category
}

func (e *AdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied (%s), retry after %s", e.ReasonCode, e.RetryAfter)
}

// MalformedPayload is a client error: the payload could not be parsed into
// the structured form the scrubber operates on.
type MalformedPayload struct {
	Reason string
	Err    error
}

func (e *MalformedPayload) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func (e *MalformedPayload) Unwrap() error { return e.Err }

// DispatchFailure wraps a sink or upstream delivery error. Consumption
// already recorded against quotas is not refunded.
type DispatchFailure struct {
	Target string
	Err    error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Target, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }
