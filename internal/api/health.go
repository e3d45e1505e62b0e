package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// componentHealth pings every configured component in parallel.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	components := make([]componentStatus, len(h.checks))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, check := range h.checks {
		i, check := i, check
		group.Go(func() error {
			checkCtx, cancel := context.WithTimeout(groupCtx, healthCheckTimeout)
			defer cancel()
			components[i] = componentStatus{Component: check.Name, Status: "ok"}
			if err := check.Ping(checkCtx); err != nil {
				components[i].Status = "degraded"
				components[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = group.Wait()

	overallStatus := "ok"
	statusCode := http.StatusOK
	for _, component := range components {
		h.metrics.SetComponentHealth(component.Component, component.Status)
		if component.Status != "ok" {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}
	return components, overallStatus, statusCode
}

// Health reports the state of the datastore, status store and bus.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	components, overall, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: overall, Components: components})
}
