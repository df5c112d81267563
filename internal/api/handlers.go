// Package api exposes the operator-facing read surface: health, metrics,
// and session snapshots. Session traffic itself flows through the hub, not
// through HTTP handlers.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tandemlab/tandem/internal/archive"
	"github.com/tandemlab/tandem/internal/blob"
	"github.com/tandemlab/tandem/internal/hub"
	"github.com/tandemlab/tandem/internal/protocol"
)

const version = "0.1.0"

// pinger is implemented by stores whose backing connection can be probed.
type pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the admin endpoints.
type Handler struct {
	hub     *hub.Hub
	archive archive.Store
	blobs   blob.Store
	log     zerolog.Logger
}

// NewHandler creates an admin handler. archive may be nil when no persistent
// backend is configured.
func NewHandler(h *hub.Hub, arch archive.Store, blobs blob.Store, log zerolog.Logger) *Handler {
	return &Handler{hub: h, archive: arch, blobs: blobs, log: log}
}

// JSON writes a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

// Error writes a JSON error response mapped from the protocol error taxonomy.
func (h *Handler) Error(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeUnauthorized:
		status = http.StatusForbidden
	case protocol.CodeInvalidState:
		status = http.StatusConflict
	}
	h.JSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Instance  string           `json:"instance,omitempty"`
	Sessions  int              `json:"sessions"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health handles the health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	allHealthy := true

	if h.archive != nil {
		start := time.Now()
		if err := h.archive.Ping(ctx); err != nil {
			checks["archive"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["archive"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	} else {
		checks["archive"] = Check{Status: "pass", Message: "not configured"}
	}

	if p, ok := h.blobs.(pinger); ok {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			checks["blobs"] = Check{Status: "fail", Message: "connection failed"}
			allHealthy = false
		} else {
			checks["blobs"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Instance:  os.Getenv("HOSTNAME"),
		Sessions:  len(h.hub.SessionIDs()),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Sessions string `json:"sessions"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:     "tandem",
		Version:  version,
		Sessions: "/sessions",
	})
}

// SessionListResponse represents the session list response.
type SessionListResponse struct {
	Sessions []string `json:"sessions"`
	Count    int      `json:"count"`
}

// ListSessions lists live session ids.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids := h.hub.SessionIDs()
	h.JSON(w, http.StatusOK, SessionListResponse{Sessions: ids, Count: len(ids)})
}

// GetSession returns a consistent snapshot of one live session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.hub.Snapshot(id)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusOK, snap)
}

// SessionMessagesResponse represents archived messages for one session.
type SessionMessagesResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []archive.Record `json:"messages"`
	Total     int64            `json:"total"`
}

// SessionMessages returns the archived message log for a session.
func (h *Handler) SessionMessages(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.Error(w, protocol.InvalidState("no archive configured"))
		return
	}

	id := chi.URLParam(r, "id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	msgs, err := h.archive.Messages(r.Context(), id, limit)
	if err != nil {
		h.Error(w, err)
		return
	}
	total, err := h.archive.CountMessages(r.Context(), id)
	if err != nil {
		h.Error(w, err)
		return
	}
	if msgs == nil {
		msgs = []archive.Record{}
	}
	h.JSON(w, http.StatusOK, SessionMessagesResponse{SessionID: id, Messages: msgs, Total: total})
}

// BlobResponse represents the stored-blob acknowledgement.
type BlobResponse struct {
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

// PutBlob stores an opaque payload and returns its content address, for
// context items too large to inline.
func (h *Handler) PutBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, protocol.InvalidState("unreadable body: %v", err))
		return
	}
	if len(data) == 0 {
		h.Error(w, protocol.InvalidState("empty blob"))
		return
	}
	hash, err := h.blobs.Store(r.Context(), data)
	if err != nil {
		h.Error(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, BlobResponse{Hash: hash, Size: len(data)})
}

// GetBlob streams a stored payload by its content address.
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := h.blobs.Retrieve(r.Context(), hash)
	if err != nil {
		h.Error(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := w.Write(data); err != nil {
		h.log.Error().Err(err).Msg("failed to write blob response")
	}
}
