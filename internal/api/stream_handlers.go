package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"relaycast/internal/models"
)

type updateStreamRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// StreamByID dispatches /api/streams/{id}[/action].
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/streams/")
	if len(parts) == 0 || len(parts) > 2 {
		writeError(w, http.StatusNotFound, errors.New("stream not found"))
		return
	}
	streamID := parts[0]
	if len(parts) == 1 {
		h.handleStream(streamID, w, r)
		return
	}
	switch action := parts[1]; action {
	case "live":
		h.handleToggle(streamID, w, r, h.lifecycle.GoLive, h.lifecycle.StopLive)
	case "pull":
		h.handleToggle(streamID, w, r, h.lifecycle.PullStart, h.lifecycle.PullStop)
	case "status":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		status, err := h.lifecycle.Status(r.Context(), h.requester(r), streamID)
		if err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "playback":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		playback, err := h.lifecycle.Playback(r.Context(), h.requester(r), streamID)
		if err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, playback)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream action %s", action))
	}
}

func (h *Handler) handleStream(streamID string, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPatch:
		var req updateStreamRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stream, err := h.lifecycle.UpdateStream(r.Context(), h.requester(r), streamID, req.Metadata)
		if err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stream)
	case http.MethodDelete:
		if err := h.lifecycle.DeleteStream(r.Context(), h.requester(r), streamID); err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		requireMethod(w, r, http.MethodPatch, http.MethodDelete)
	}
}

type toggleFunc func(ctx context.Context, userID, streamID string) (models.StreamStatus, error)

// handleToggle maps POST to start and DELETE to stop.
func (h *Handler) handleToggle(streamID string, w http.ResponseWriter, r *http.Request, start, stop toggleFunc) {
	var fn toggleFunc
	switch r.Method {
	case http.MethodPost:
		fn = start
	case http.MethodDelete:
		fn = stop
	default:
		requireMethod(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	status, err := fn(r.Context(), h.requester(r), streamID)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
