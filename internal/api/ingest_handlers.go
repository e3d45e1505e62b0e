package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"relaycast/internal/models"
	"relaycast/internal/orchestrator"
)

type ingestResponse struct {
	Status string               `json:"status"`
	Stream *models.StreamStatus `json:"stream,omitempty"`
	Errors []string             `json:"errors,omitempty"`
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (h *Handler) ingestAuthorized(r *http.Request) bool {
	if h.ingestToken == "" {
		return true
	}
	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(h.ingestToken, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}
	if formToken := strings.TrimSpace(r.Form.Get("token")); formToken != "" {
		if constantTimeEqual(h.ingestToken, formToken) {
			return true
		}
	}
	return false
}

// ingestRequest parses and authenticates an ingest callback and returns the
// stream name. It writes the response and returns false on failure.
func (h *Handler) ingestRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !requireMethod(w, r, http.MethodPost) {
		return "", false
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse ingest callback: %w", err))
		return "", false
	}
	if !h.ingestAuthorized(r) {
		h.logger(r.Context()).Warn("ingest callback rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return "", false
	}
	name := strings.TrimSpace(r.Form.Get("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return "", false
	}
	return name, true
}

// IngestPublish handles the media server's publish callback. A non-2xx
// response makes the media server drop the connection.
func (h *Handler) IngestPublish(w http.ResponseWriter, r *http.Request) {
	name, ok := h.ingestRequest(w, r)
	if !ok {
		return
	}
	status, err := h.lifecycle.IngestStart(r.Context(), name)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{Status: "ok", Stream: &status})
}

// IngestUpdate handles periodic heartbeats. Destination relay failures are
// reported in the body without failing the callback, so a flaky destination
// never disconnects the broadcaster.
func (h *Handler) IngestUpdate(w http.ResponseWriter, r *http.Request) {
	name, ok := h.ingestRequest(w, r)
	if !ok {
		return
	}
	err := h.lifecycle.IngestHeartbeat(r.Context(), name, strings.TrimSpace(r.Form.Get("call")))
	var adapterErr *orchestrator.AdapterError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ingestResponse{Status: "ok"})
	case errors.As(err, &adapterErr):
		writeJSON(w, http.StatusOK, ingestResponse{Status: "degraded", Errors: unwrapMessages(err)})
	default:
		h.writeLifecycleError(w, r, err)
	}
}

// IngestDone handles the media server's publish-done callback.
func (h *Handler) IngestDone(w http.ResponseWriter, r *http.Request) {
	name, ok := h.ingestRequest(w, r)
	if !ok {
		return
	}
	if err := h.lifecycle.IngestStop(r.Context(), name); err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{Status: "ok"})
}

func unwrapMessages(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, inner := range joined.Unwrap() {
			out = append(out, inner.Error())
		}
		return out
	}
	return []string{err.Error()}
}
