package api

import (
	"errors"
	"net/http"

	"relaycast/internal/networks"
	"relaycast/internal/orchestrator"
)

func statusForError(err error) int {
	var adapterErr *orchestrator.AdapterError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrNotLive):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, networks.ErrUnknownNetwork):
		return http.StatusUnprocessableEntity
	case errors.As(err, &adapterErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeLifecycleError maps an orchestrator error to its status code. Server
// side failures are logged; client errors are only reported.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	if errors.Is(err, orchestrator.ErrNotLive) {
		err = orchestrator.ErrNotLive
	}
	writeError(w, status, err)
}
