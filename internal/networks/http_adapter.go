package networks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaycast/internal/models"
)

// KeyAccessToken is the account keystore entry holding a per-account API
// token. It overrides the network-wide service token.
const KeyAccessToken = "access_token"

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	Name          string
	BaseURL       string
	Token         string
	AllowSharing  bool
	Fields        []Field
	MaxAttempts   int
	RetryInterval time.Duration
	Client        *http.Client
	Logger        *slog.Logger
}

// HTTPAdapter drives a broadcast REST API:
//
//	POST   {base}/broadcasts                      start, returns {"rtmpUrl": ...}
//	PUT    {base}/broadcasts/{account}/{stream}   heartbeat
//	DELETE {base}/broadcasts/{account}/{stream}   stop
//	GET    {base}/accounts/{account}/validation   credential checks
//	POST   {base}/accounts                        provisioning
type HTTPAdapter struct {
	name    string
	baseURL string
	token   string
	sharing bool
	fields  []Field
	client  *http.Client
	logger  *slog.Logger
	policy  retryPolicy
}

// NewHTTPAdapter validates cfg and constructs the adapter.
func NewHTTPAdapter(cfg HTTPConfig) (*HTTPAdapter, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("http adapter name required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("network %s: base URL required", name)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("network %s: invalid base URL: %w", name, err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAdapter{
		name:    name,
		baseURL: base,
		token:   cfg.Token,
		sharing: cfg.AllowSharing,
		fields:  cloneFields(cfg.Fields),
		client:  client,
		logger:  logger.With("network", name),
		policy:  retryPolicy{attempts: cfg.MaxAttempts, interval: cfg.RetryInterval}.normalized(),
	}, nil
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) AllowSharing() bool { return a.sharing }

func (a *HTTPAdapter) MetadataFields() []Field { return cloneFields(a.fields) }

type broadcastRequest struct {
	Stream      broadcastStream      `json:"stream"`
	Account     broadcastAccount     `json:"account"`
	Destination broadcastDestination `json:"destination"`
}

type broadcastStream struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type broadcastAccount struct {
	ID   string `json:"id"`
	Args string `json:"args,omitempty"`
}

type broadcastDestination struct {
	Args     string            `json:"args,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type broadcastResponse struct {
	RTMPURL string `json:"rtmpUrl"`
}

func (a *HTTPAdapter) PushStart(ctx context.Context, account models.Account, target Target) (string, error) {
	var resp broadcastResponse
	err := sendJSON(ctx, a.client, http.MethodPost, a.baseURL+"/broadcasts", newBroadcastRequest(account, target), &resp, a.authorize(account), a.logger, a.policy)
	if err != nil {
		return "", err
	}
	transport := strings.TrimSpace(resp.RTMPURL)
	if transport == "" {
		return "", errors.New("network returned an empty transport URL")
	}
	return transport, nil
}

func (a *HTTPAdapter) PushStop(ctx context.Context, account models.Account, target Target) {
	err := sendJSON(ctx, a.client, http.MethodDelete, a.broadcastURL(account, target), nil, nil, a.authorize(account), a.logger, a.policy)
	if err != nil {
		a.logger.Warn("stop broadcast failed", "account_id", account.ID, "stream_id", target.Stream.ID, "error", err)
	}
}

func (a *HTTPAdapter) NotifyUpdate(ctx context.Context, account models.Account, target Target) error {
	return sendJSON(ctx, a.client, http.MethodPut, a.broadcastURL(account, target), newBroadcastRequest(account, target), nil, a.authorize(account), a.logger, a.policy)
}

type validationResponse struct {
	Errors []ValidationError `json:"errors"`
}

func (a *HTTPAdapter) CheckErrors(ctx context.Context, account models.Account) []ValidationError {
	if a.tokenFor(account) == "" {
		return []ValidationError{{Field: KeyAccessToken, Message: "access token is required"}}
	}
	var resp validationResponse
	endpoint := a.baseURL + "/accounts/" + url.PathEscape(account.ID) + "/validation"
	if err := sendJSON(ctx, a.client, http.MethodGet, endpoint, nil, &resp, a.authorize(account), a.logger, a.policy); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
			return []ValidationError{{Field: KeyAccessToken, Message: "access token rejected by network"}}
		}
		return []ValidationError{{Message: "network unreachable: " + err.Error()}}
	}
	return resp.Errors
}

type provisionRequest struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
	Args      string `json:"args,omitempty"`
}

type provisionResponse struct {
	Keystore map[string]string `json:"keystore"`
}

// Provision registers the account with the network and merges the returned
// credentials into its keystore.
func (a *HTTPAdapter) Provision(ctx context.Context, account models.Account) (models.Keystore, error) {
	var resp provisionResponse
	payload := provisionRequest{AccountID: account.ID, Name: account.Name, Args: account.Args}
	if err := sendJSON(ctx, a.client, http.MethodPost, a.baseURL+"/accounts", payload, &resp, a.authorize(account), a.logger, a.policy); err != nil {
		return nil, err
	}
	merged := account.Keystore.Clone()
	if merged == nil {
		merged = make(models.Keystore, len(resp.Keystore))
	}
	for key, value := range resp.Keystore {
		merged[key] = value
	}
	return merged, nil
}

// Endpoints exposes a status probe of the remote API.
func (a *HTTPAdapter) Endpoints() []Endpoint {
	return []Endpoint{{
		Method: http.MethodGet,
		Path:   "status",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := sendJSON(r.Context(), a.client, http.MethodGet, a.baseURL+"/health", nil, nil, a.authorize(models.Account{}), a.logger, retryPolicy{attempts: 1})
			w.Header().Set("Content-Type", "application/json")
			if err != nil {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprintf(w, "{\"network\":%q,\"status\":\"unreachable\"}\n", a.name)
				return
			}
			fmt.Fprintf(w, "{\"network\":%q,\"status\":\"ok\"}\n", a.name)
		}),
	}}
}

func (a *HTTPAdapter) broadcastURL(account models.Account, target Target) string {
	return a.baseURL + "/broadcasts/" + url.PathEscape(account.ID) + "/" + url.PathEscape(target.Stream.UUID)
}

func (a *HTTPAdapter) tokenFor(account models.Account) string {
	if token := strings.TrimSpace(account.Keystore.Get(KeyAccessToken)); token != "" {
		return token
	}
	return strings.TrimSpace(a.token)
}

func (a *HTTPAdapter) authorize(account models.Account) func(*http.Request) {
	token := a.tokenFor(account)
	return func(req *http.Request) {
		setBearer(req, token)
	}
}

func newBroadcastRequest(account models.Account, target Target) broadcastRequest {
	return broadcastRequest{
		Stream: broadcastStream{
			ID:   target.Stream.ID,
			UUID: target.Stream.UUID,
			Name: target.Stream.Name,
		},
		Account: broadcastAccount{ID: account.ID, Args: account.Args},
		Destination: broadcastDestination{
			Args:     target.Link.Args,
			Metadata: target.Link.Metadata,
		},
	}
}
