// Package normalize augments event payloads with processing metadata. It
// runs only for projects with full processing enabled and strictly after
// scrubbing, so derived fields are never themselves redacted.
package normalize

// SchemaVersion marks the protocol version stamped onto normalized events.
const SchemaVersion = "7"

// Apply returns a copy of payload with top-level project, key_id and
// version fields added. Pre-existing application-supplied fields are left
// untouched.
func Apply(payload map[string]any, projectID int64, keyID string) map[string]any {
	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}

	if _, ok := out["project"]; !ok {
		out["project"] = projectID
	}
	if _, ok := out["key_id"]; !ok && keyID != "" {
		out["key_id"] = keyID
	}
	if _, ok := out["version"]; !ok {
		out["version"] = SchemaVersion
	}

	return out
}
