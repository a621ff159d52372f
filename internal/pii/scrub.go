// Package pii redacts sensitive values from structured payloads. Scrubbing
// is a pure recursive transformation over the parsed JSON value tree:
// containers are recursed into, scalar strings are matched against the
// configured detectors, and a full match is replaced by the detector's
// placeholder token.
package pii

import (
	"regexp"
)

// Detector matches a whole string value and names its replacement token.
type Detector struct {
	Name        string
	Pattern     *regexp.Regexp
	Placeholder string
}

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
	ipv4Pattern  = regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)$`)
	ccPattern    = regexp.MustCompile(`^(?:\d[ -]?){12,18}\d$`)
)

// DefaultDetectors returns the builtin detector set. Placeholders never
// match any detector, which keeps scrubbing idempotent.
func DefaultDetectors() []Detector {
	return []Detector{
		{Name: "email", Pattern: emailPattern, Placeholder: "[email]"},
		{Name: "ip", Pattern: ipv4Pattern, Placeholder: "[ip]"},
		{Name: "creditcard", Pattern: ccPattern, Placeholder: "[creditcard]"},
	}
}

// Scrubber applies a fixed detector set to payloads. Safe for concurrent
// use; it carries no mutable state.
type Scrubber struct {
	detectors []Detector
}

// NewScrubber constructs a scrubber. With no detectors given, the default
// set is used.
func NewScrubber(detectors ...Detector) *Scrubber {
	if len(detectors) == 0 {
		detectors = DefaultDetectors()
	}
	return &Scrubber{detectors: detectors}
}

// Scrub returns a copy of value with every matching scalar string replaced
// by its detector's placeholder. Objects and arrays are never replaced
// themselves, only recursed into. Deterministic and side-effect-free.
func (s *Scrubber) Scrub(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = s.Scrub(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = s.Scrub(child)
		}
		return out
	case string:
		return s.scrubString(v)
	default:
		// Numbers, booleans and nulls carry no scrubbable text.
		return v
	}
}

func (s *Scrubber) scrubString(value string) string {
	for _, d := range s.detectors {
		if d.Pattern.MatchString(value) {
			return d.Placeholder
		}
	}
	return value
}
