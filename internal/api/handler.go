package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"relaycast/internal/models"
	"relaycast/internal/networks"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/orchestrator"
)

// DefaultIdentityHeader carries the authenticated requester id.
const DefaultIdentityHeader = "X-Relaycast-User"

// Lifecycle is the orchestrator surface the handlers drive.
type Lifecycle interface {
	IngestStart(ctx context.Context, name string) (models.StreamStatus, error)
	IngestHeartbeat(ctx context.Context, name, call string) error
	IngestStop(ctx context.Context, name string) error
	GoLive(ctx context.Context, userID, streamID string) (models.StreamStatus, error)
	StopLive(ctx context.Context, userID, streamID string) (models.StreamStatus, error)
	PullStart(ctx context.Context, userID, streamID string) (models.StreamStatus, error)
	PullStop(ctx context.Context, userID, streamID string) (models.StreamStatus, error)
	Status(ctx context.Context, userID, streamID string) (models.StreamStatus, error)
	Playback(ctx context.Context, userID, streamID string) (orchestrator.Playback, error)
	UpdateStream(ctx context.Context, userID, streamID string, metadata map[string]string) (models.Stream, error)
	DeleteStream(ctx context.Context, userID, streamID string) error
	CheckAccount(ctx context.Context, userID, accountID string) ([]networks.ValidationError, error)
	ProvisionAccount(ctx context.Context, userID, accountID string) (models.Account, error)
}

// NetworkCatalog lists the configured networks and resolves their adapters.
type NetworkCatalog interface {
	Descriptors() []networks.Descriptor
	Lookup(network string) (networks.Adapter, error)
}

// HealthCheck probes one backing component.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Lifecycle Lifecycle
	Networks  NetworkCatalog
	// IngestToken, when set, must accompany every ingest callback as a bearer
	// token or a token parameter.
	IngestToken string
	// IdentityHeader names the header carrying the requester id. Defaults to
	// DefaultIdentityHeader.
	IdentityHeader string
	Checks         []HealthCheck
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Handler serves the ingest callback, operator and network routes.
type Handler struct {
	lifecycle      Lifecycle
	networks       NetworkCatalog
	ingestToken    string
	identityHeader string
	checks         []HealthCheck
	log            *slog.Logger
	metrics        *metrics.Recorder
}

// NewHandler validates cfg and returns a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Lifecycle == nil {
		return nil, errors.New("api handler requires a lifecycle")
	}
	if cfg.Networks == nil {
		return nil, errors.New("api handler requires a network catalog")
	}
	h := &Handler{
		lifecycle:      cfg.Lifecycle,
		networks:       cfg.Networks,
		ingestToken:    strings.TrimSpace(cfg.IngestToken),
		identityHeader: strings.TrimSpace(cfg.IdentityHeader),
		checks:         append([]HealthCheck(nil), cfg.Checks...),
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if h.identityHeader == "" {
		h.identityHeader = DefaultIdentityHeader
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = metrics.Default()
	}
	return h, nil
}

// Routes registers every handler on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/hooks/ingest/publish", h.IngestPublish)
	mux.HandleFunc("/hooks/ingest/update", h.IngestUpdate)
	mux.HandleFunc("/hooks/ingest/done", h.IngestDone)
	mux.HandleFunc("/api/streams/", h.StreamByID)
	mux.HandleFunc("/api/networks", h.Networks)
	mux.HandleFunc("/api/networks/", h.NetworkEndpoint)
	mux.HandleFunc("/api/accounts/", h.AccountByID)
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, logging.WithComponent(h.log, "api"))
}

// requester returns the user id asserted by the upstream auth layer. An
// empty id is anonymous and fails every permission check.
func (h *Handler) requester(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(h.identityHeader))
}
