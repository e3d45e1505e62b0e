package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"relaycast/internal/models"
	"relaycast/internal/networks"
)

type accountResponse struct {
	ID           string    `json:"id"`
	Network      string    `json:"network"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"ownerId"`
	KeystoreKeys []string  `json:"keystoreKeys"`
	CreatedAt    time.Time `json:"createdAt"`
}

// newAccountResponse hides keystore values, which hold credentials.
func newAccountResponse(account models.Account) accountResponse {
	keys := make([]string, 0, len(account.Keystore))
	for key := range account.Keystore {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return accountResponse{
		ID:           account.ID,
		Network:      account.Network,
		Name:         account.Name,
		OwnerID:      account.OwnerID,
		KeystoreKeys: keys,
		CreatedAt:    account.CreatedAt,
	}
}

type accountErrorsResponse struct {
	AccountID string                     `json:"accountId"`
	Valid     bool                       `json:"valid"`
	Errors    []networks.ValidationError `json:"errors"`
}

// Networks lists the configured networks.
func (h *Handler) Networks(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.networks.Descriptors())
}

// NetworkEndpoint serves /api/networks/{name}/{path...} from the adapter's
// extra endpoints.
func (h *Handler) NetworkEndpoint(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/networks/")
	if len(parts) == 0 {
		h.Networks(w, r)
		return
	}
	adapter, err := h.networks.Lookup(parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	provider, ok := adapter.(networks.EndpointProvider)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("network %s exposes no endpoints", adapter.Name()))
		return
	}
	path := strings.Join(parts[1:], "/")
	var allowed []string
	for _, endpoint := range provider.Endpoints() {
		if strings.Trim(endpoint.Path, "/") != path {
			continue
		}
		if endpoint.Method == r.Method {
			endpoint.Handler.ServeHTTP(w, r)
			return
		}
		allowed = append(allowed, endpoint.Method)
	}
	if len(allowed) > 0 {
		requireMethod(w, r, allowed...)
		return
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("network %s has no endpoint %q", adapter.Name(), path))
}

// AccountByID dispatches /api/accounts/{id}/errors and
// /api/accounts/{id}/provision.
func (h *Handler) AccountByID(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/accounts/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errors.New("account action missing"))
		return
	}
	accountID := parts[0]
	switch action := parts[1]; action {
	case "errors":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		problems, err := h.lifecycle.CheckAccount(r.Context(), h.requester(r), accountID)
		if err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountErrorsResponse{AccountID: accountID, Valid: len(problems) == 0, Errors: problems})
	case "provision":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		account, err := h.lifecycle.ProvisionAccount(r.Context(), h.requester(r), accountID)
		if err != nil {
			h.writeLifecycleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newAccountResponse(account))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown account action %s", action))
	}
}
