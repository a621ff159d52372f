// Package projects supplies per-project configuration to the pipeline. The
// configuration itself is owned externally; the pipeline only ever sees an
// immutable snapshot valid for one run.
package projects

import (
	"context"

	"github.com/nightjar-systems/relay/internal/quota"
)

// FeatureMetricsExtraction gates deriving metric buckets from sessions and
// transactions.
const FeatureMetricsExtraction = "organizations:metrics-extraction"

// PublicKey is one client key registered for a project.
type PublicKey struct {
	PublicKey string `json:"public_key" mapstructure:"public_key"`
	KeyID     string `json:"key_id,omitempty" mapstructure:"key_id"`
	IsEnabled bool   `json:"is_enabled" mapstructure:"is_enabled"`
}

// Config is an immutable snapshot of a project's configuration.
type Config struct {
	ProjectID         int64         `json:"project_id" mapstructure:"project_id"`
	PublicKeys        []PublicKey   `json:"public_keys" mapstructure:"public_keys"`
	Features          []string      `json:"features,omitempty" mapstructure:"features"`
	Quotas            []quota.Quota `json:"quotas,omitempty" mapstructure:"quotas"`
	ProcessingEnabled bool          `json:"processing_enabled" mapstructure:"processing_enabled"`
}

// HasFeature reports whether the named feature flag is set.
func (c *Config) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// KeyID resolves the key id for the given public key. Falls back to the
// first registered key when the public key is unknown, which covers configs
// predating per-key ids.
func (c *Config) KeyID(publicKey string) string {
	for _, k := range c.PublicKeys {
		if k.PublicKey == publicKey {
			return k.KeyID
		}
	}
	if len(c.PublicKeys) > 0 {
		return c.PublicKeys[0].KeyID
	}
	return ""
}

// AcceptsKey reports whether the public key is registered and enabled for
// the project. An empty key list accepts any key (static mode).
func (c *Config) AcceptsKey(publicKey string) bool {
	if len(c.PublicKeys) == 0 {
		return true
	}
	for _, k := range c.PublicKeys {
		if k.PublicKey == publicKey && k.IsEnabled {
			return true
		}
	}
	return false
}

// Provider looks up project configuration. Lookup failures mean "admission
// deferred", never a crash.
type Provider interface {
	GetProjectConfig(ctx context.Context, projectID int64) (*Config, error)
}
