// Package handlers implements the inbound HTTP surface: the legacy store
// endpoint for single events and the envelope endpoint for multi-item
// submissions.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/nightjar-systems/relay/internal/envelope"
	"github.com/nightjar-systems/relay/internal/outcome"
	"github.com/nightjar-systems/relay/internal/pipeline"
	"github.com/nightjar-systems/relay/internal/ratelimit"
	"github.com/nightjar-systems/relay/internal/telemetry"
	"github.com/nightjar-systems/relay/internal/upstream"
)

// Handler serves the ingest endpoints and maps pipeline outcomes to HTTP
// responses.
type Handler struct {
	pipeline     *pipeline.Pipeline
	limiter      ratelimit.RateLimiter
	maxEventSize int64
}

// New constructs a handler. limiter may be a NoOpRateLimiter.
func New(p *pipeline.Pipeline, limiter ratelimit.RateLimiter, maxEventSize int) *Handler {
	return &Handler{
		pipeline:     p,
		limiter:      limiter,
		maxEventSize: int64(maxEventSize),
	}
}

// HandleStore accepts a single legacy event payload.
func (h *Handler) HandleStore(w http.ResponseWriter, r *http.Request) {
	projectID, publicKey, ok := h.admitRequest(w, r, "store")
	if !ok {
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		return
	}

	if !json.Valid(body) {
		h.sendError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	env := envelope.FromEvent(body)
	h.submit(w, r, projectID, publicKey, env)
}

// HandleEnvelope accepts a multi-item envelope.
func (h *Handler) HandleEnvelope(w http.ResponseWriter, r *http.Request) {
	projectID, publicKey, ok := h.admitRequest(w, r, "envelope")
	if !ok {
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		return
	}

	env, err := envelope.Parse(body)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.submit(w, r, projectID, publicKey, env)
}

// admitRequest handles the parts shared by both endpoints: project id
// parsing, key extraction and the edge rate limit.
func (h *Handler) admitRequest(w http.ResponseWriter, r *http.Request, endpoint string) (int64, string, bool) {
	telemetry.EnvelopesReceived.WithLabelValues(endpoint).Inc()

	projectID, err := strconv.ParseInt(r.PathValue("project"), 10, 64)
	if err != nil || projectID <= 0 {
		h.sendError(w, http.StatusBadRequest, "invalid project id")
		return 0, "", false
	}

	publicKey := extractPublicKey(r)

	allowed, err := h.limiter.Allow(r.Context(), publicKey)
	if err != nil {
		// Fail open: a broken limiter must not take ingestion down.
		allowed = true
	}
	if !allowed {
		w.Header().Set("Retry-After", "60")
		h.sendError(w, http.StatusTooManyRequests, "too many requests")
		return 0, "", false
	}

	return projectID, publicKey, true
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxEventSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.sendError(w, http.StatusRequestEntityTooLarge, "payload too large")
		} else {
			h.sendError(w, http.StatusBadRequest, "failed to read body")
		}
		return nil, err
	}
	defer r.Body.Close()

	if len(body) == 0 {
		h.sendError(w, http.StatusBadRequest, "empty body")
		return nil, errors.New("empty body")
	}

	telemetry.EnvelopeBytesReceived.Add(float64(len(body)))
	return body, nil
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, projectID int64, publicKey string, env *envelope.Envelope) {
	err := h.pipeline.Submit(r.Context(), projectID, publicKey, env)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"id": env.EventID})
		return
	}

	var denied *outcome.AdmissionDenied
	var malformed *outcome.MalformedPayload

	switch {
	case errors.As(err, &denied):
		seconds := int64(math.Ceil(denied.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		// Communicate the denial in the same header we parse from our own
		// upstream, so a chained relay can install matching backoffs.
		w.Header().Set(upstream.RateLimitsHeader, upstream.FormatRateLimits([]upstream.RateLimit{{
			RetryAfter: denied.RetryAfter,
			Categories: denied.Categories,
			Scope:      "project",
			ReasonCode: denied.ReasonCode,
		}}))
		h.sendError(w, http.StatusTooManyRequests, denied.ReasonCode)
	case errors.Is(err, outcome.ErrBufferFull):
		h.sendError(w, http.StatusRequestEntityTooLarge, "event buffer full")
	case errors.As(err, &malformed):
		h.sendError(w, http.StatusBadRequest, malformed.Error())
	case errors.Is(err, pipeline.ErrInvalidKey):
		h.sendError(w, http.StatusForbidden, "invalid public key")
	case errors.Is(err, pipeline.ErrConfigUnavailable):
		h.sendError(w, http.StatusServiceUnavailable, "project config unavailable")
	default:
		h.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Ready reports readiness to accept envelopes.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (h *Handler) sendError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// extractPublicKey reads the client key from the relay_key query parameter
// or the X-Relay-Auth header, whichever is present.
func extractPublicKey(r *http.Request) string {
	if key := r.URL.Query().Get("relay_key"); key != "" {
		return key
	}

	auth := r.Header.Get("X-Relay-Auth")
	for _, part := range strings.Split(auth, ",") {
		part = strings.TrimSpace(part)
		if value, ok := strings.CutPrefix(part, "relay_key="); ok {
			return value
		}
	}
	return ""
}
