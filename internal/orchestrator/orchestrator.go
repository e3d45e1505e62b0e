// Package orchestrator drives the lifecycle of a stream: ingest arrival,
// fan-out to destination networks, manual go-live and stop, pull toggles and
// teardown.
//
// Status flags live in a status.Store and every transition is a
// read-modify-compare-and-swap through status.Update, so concurrent handlers
// for the same stream never lose each other's writes. Adapter calls run
// synchronously on a context detached from the caller, bounded by
// Config.OperationTimeout. Bus messages and webhooks are emitted only after
// the status write they describe has committed; neither can change the
// outcome of an operation.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"relaycast/internal/bus"
	"relaycast/internal/models"
	"relaycast/internal/networks"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/permissions"
	"relaycast/internal/status"
)

const (
	defaultOperationTimeout = time.Minute
	defaultStaleAfter       = 10 * time.Minute
	defaultRepushDelay      = 5 * time.Second
)

// Repository is the subset of the datastore the orchestrator reads and
// writes.
type Repository interface {
	StreamByID(ctx context.Context, id string) (models.Stream, error)
	StreamByUUID(ctx context.Context, uuid string) (models.Stream, error)
	UpdateStreamMetadata(ctx context.Context, id string, metadata map[string]string) (models.Stream, error)
	DeleteStream(ctx context.Context, id string) error
	Destinations(ctx context.Context, streamID string) ([]models.Destination, error)
	SetDestinationURL(ctx context.Context, streamID, accountID, url string) error
	AccountByID(ctx context.Context, id string) (models.Account, error)
	UpdateAccountKeystore(ctx context.Context, id string, keystore models.Keystore) (models.Account, error)
}

// AdapterLookup resolves the adapter serving a network.
type AdapterLookup interface {
	Lookup(network string) (networks.Adapter, error)
}

// PermissionChecker computes a user's effective levels.
type PermissionChecker interface {
	ForStream(ctx context.Context, userID string, stream models.Stream) (permissions.Levels, error)
	ForAccount(ctx context.Context, userID string, account models.Account) (permissions.Levels, error)
}

// Notifier fires lifecycle webhooks without blocking.
type Notifier interface {
	Fire(ctx context.Context, stream models.Stream, event string, accounts []models.Account)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Repository  Repository
	Status      status.Store
	Networks    AdapterLookup
	Permissions PermissionChecker
	Bus         bus.Publisher
	Webhooks    Notifier
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// Worker is advertised on process messages so a specific media worker
	// can claim them. Empty leaves the choice to the workers.
	Worker string
	// RepushDelay tells workers how long to wait before re-pushing after an
	// ingest reconnect.
	RepushDelay time.Duration
	// OperationTimeout bounds the detached work of one lifecycle operation.
	OperationTimeout time.Duration
	// StaleAfter is the lease after which Reconcile tears down an ingest
	// whose record has not been refreshed.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Orchestrator implements the stream lifecycle state machine.
type Orchestrator struct {
	repo        Repository
	status      status.Store
	networks    AdapterLookup
	permissions PermissionChecker
	bus         bus.Publisher
	webhooks    Notifier
	logger      *slog.Logger
	metrics     *metrics.Recorder
	worker      string
	repushDelay time.Duration
	timeout     time.Duration
	staleAfter  time.Duration
	now         func() time.Time
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	var missing []error
	if cfg.Repository == nil {
		missing = append(missing, errors.New("orchestrator requires a repository"))
	}
	if cfg.Status == nil {
		missing = append(missing, errors.New("orchestrator requires a status store"))
	}
	if cfg.Networks == nil {
		missing = append(missing, errors.New("orchestrator requires a network registry"))
	}
	if cfg.Permissions == nil {
		missing = append(missing, errors.New("orchestrator requires a permission resolver"))
	}
	if cfg.Bus == nil {
		missing = append(missing, errors.New("orchestrator requires a message bus"))
	}
	if cfg.Webhooks == nil {
		missing = append(missing, errors.New("orchestrator requires a webhook notifier"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		repo:        cfg.Repository,
		status:      cfg.Status,
		networks:    cfg.Networks,
		permissions: cfg.Permissions,
		bus:         cfg.Bus,
		webhooks:    cfg.Webhooks,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		worker:      cfg.Worker,
		repushDelay: cfg.RepushDelay,
		timeout:     cfg.OperationTimeout,
		staleAfter:  cfg.StaleAfter,
		now:         cfg.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = logging.WithComponent(o.logger, "orchestrator")
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}
	if o.repushDelay <= 0 {
		o.repushDelay = defaultRepushDelay
	}
	if o.timeout <= 0 {
		o.timeout = defaultOperationTimeout
	}
	if o.staleAfter <= 0 {
		o.staleAfter = defaultStaleAfter
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// detach returns a context that survives the caller's cancellation but is
// bounded by the operation timeout.
func (o *Orchestrator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
}

func (o *Orchestrator) log(ctx context.Context, stream models.Stream) *slog.Logger {
	return logging.WithContext(ctx, o.logger).With("stream_id", stream.ID)
}

func (o *Orchestrator) update(ctx context.Context, streamID string, fn status.MutateFunc) (previous, committed models.StreamStatus, err error) {
	return status.Update(ctx, o.status, streamID, fn, o.metrics.ObserveStatusConflict)
}

func (o *Orchestrator) current(ctx context.Context, streamID string) (models.StreamStatus, error) {
	record, _, err := o.status.Get(ctx, streamID)
	if err != nil {
		return models.StreamStatus{}, err
	}
	return record.StreamStatus, nil
}

func (o *Orchestrator) publish(ctx context.Context, topic string, msg bus.Message) {
	err := o.bus.Publish(ctx, topic, msg)
	o.metrics.ObservePublish(topic, err)
	if err != nil {
		logging.WithContext(ctx, o.logger).Warn("bus publish failed", "topic", topic, "stream_id", msg.ID, "error", err)
	}
}

func (o *Orchestrator) processMessage(streamID string, snapshot models.StreamStatus, dests []models.Destination) bus.Message {
	msg := bus.Message{ID: streamID, Worker: o.worker, Status: &snapshot}
	for _, dest := range dests {
		msg.Accounts = append(msg.Accounts, dest.Account.ID)
	}
	return msg
}

func accountsOf(dests []models.Destination) []models.Account {
	accounts := make([]models.Account, 0, len(dests))
	for _, dest := range dests {
		accounts = append(accounts, dest.Account)
	}
	return accounts
}

func target(stream models.Stream, dest models.Destination) networks.Target {
	return networks.Target{Stream: stream, Link: dest.Link}
}

// loadStream resolves id and checks the requester's level. required is
// models.LevelChat for reads and models.LevelManage for control.
func (o *Orchestrator) loadStream(ctx context.Context, userID, streamID string, required int) (models.Stream, error) {
	stream, err := o.repo.StreamByID(ctx, streamID)
	if err != nil {
		return models.Stream{}, err
	}
	levels, err := o.permissions.ForStream(ctx, userID, stream)
	if err != nil {
		return models.Stream{}, err
	}
	allowed := levels.CanView()
	if required >= models.LevelManage {
		allowed = levels.CanManage()
	}
	if !allowed {
		return models.Stream{}, ErrForbidden
	}
	return stream, nil
}
