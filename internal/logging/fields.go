package logging

import "log/slog"

// Common field names for consistent logging across the relay.
const (
	FieldService   = "service"
	FieldProjectID = "project_id"
	FieldEventID   = "event_id"
	FieldPublicKey = "public_key"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldStage     = "stage"
	FieldTarget    = "target"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// ProjectID returns a slog attribute for the project id.
func ProjectID(id int64) slog.Attr {
	return slog.Int64(FieldProjectID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// PublicKey returns a slog attribute for a client public key.
func PublicKey(key string) slog.Attr {
	return slog.String(FieldPublicKey, key)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Stage returns a slog attribute for a pipeline stage name.
func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

// Target returns a slog attribute for a dispatch target.
func Target(name string) slog.Attr {
	return slog.String(FieldTarget, name)
}
