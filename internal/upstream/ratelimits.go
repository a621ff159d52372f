package upstream

import (
	"strconv"
	"strings"
	"time"

	"github.com/nightjar-systems/relay/internal/quota"
)

// RateLimit is one rate limit communicated by the upstream relay via the
// X-Relay-Rate-Limits header.
type RateLimit struct {
	RetryAfter time.Duration
	Categories []quota.Category
	Scope      string
	ReasonCode string
}

// RateLimitsHeader is the header rate limits travel in, formatted as
// `<seconds>:<cat1;cat2>:<scope>:<reason>` entries joined by commas. Sent
// on our own 429 responses and parsed from the upstream's.
const RateLimitsHeader = "X-Relay-Rate-Limits"

// FormatRateLimits renders rate limits into the header form.
func FormatRateLimits(limits []RateLimit) string {
	parts := make([]string, 0, len(limits))
	for _, l := range limits {
		categories := make([]string, 0, len(l.Categories))
		for _, c := range l.Categories {
			categories = append(categories, string(c))
		}

		entry := strconv.FormatInt(int64(l.RetryAfter/time.Second), 10) +
			":" + strings.Join(categories, ";") +
			":" + l.Scope
		if l.ReasonCode != "" {
			entry += ":" + l.ReasonCode
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, ", ")
}

// ParseRateLimits parses the header form back into rate limits. Malformed
// entries are skipped; an unparseable header never fails the response.
func ParseRateLimits(header string) []RateLimit {
	var limits []RateLimit

	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.Split(entry, ":")
		seconds, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil || seconds < 0 {
			continue
		}

		limit := RateLimit{RetryAfter: time.Duration(seconds) * time.Second}

		if len(fields) > 1 {
			for _, c := range strings.Split(fields[1], ";") {
				if c = strings.TrimSpace(c); c != "" {
					limit.Categories = append(limit.Categories, quota.Category(c))
				}
			}
		}
		if len(fields) > 2 {
			limit.Scope = strings.TrimSpace(fields[2])
		}
		if len(fields) > 3 {
			limit.ReasonCode = strings.TrimSpace(fields[3])
		}

		limits = append(limits, limit)
	}

	return limits
}
