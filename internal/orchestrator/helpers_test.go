package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relaycast/internal/bus"
	"relaycast/internal/models"
	"relaycast/internal/networks"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/permissions"
	"relaycast/internal/status"
	"relaycast/internal/storage"
)

const (
	ownerID    = "owner-1"
	fakeNet    = "fake"
	testWorker = "worker-a"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAdapter struct {
	mu         sync.Mutex
	startErr   map[string]error
	notifyErr  map[string]error
	beforeURL  func(accountID string)
	starts     []string
	stops      []string
	notifies   []string
	provisions models.Keystore
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{startErr: map[string]error{}, notifyErr: map[string]error{}}
}

func (a *fakeAdapter) Name() string                     { return fakeNet }
func (a *fakeAdapter) AllowSharing() bool               { return true }
func (a *fakeAdapter) MetadataFields() []networks.Field { return nil }

func (a *fakeAdapter) PushStart(_ context.Context, account models.Account, _ networks.Target) (string, error) {
	a.mu.Lock()
	a.starts = append(a.starts, account.ID)
	err := a.startErr[account.ID]
	hook := a.beforeURL
	a.mu.Unlock()
	if hook != nil {
		hook(account.ID)
	}
	if err != nil {
		return "", err
	}
	return "rtmp://fake.example/live/" + account.ID, nil
}

func (a *fakeAdapter) PushStop(_ context.Context, account models.Account, _ networks.Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops = append(a.stops, account.ID)
}

func (a *fakeAdapter) NotifyUpdate(_ context.Context, account models.Account, _ networks.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notifies = append(a.notifies, account.ID)
	return a.notifyErr[account.ID]
}

func (a *fakeAdapter) CheckErrors(_ context.Context, account models.Account) []networks.ValidationError {
	if account.Keystore.Get("key") == "" {
		return []networks.ValidationError{{Field: "key", Message: "stream key is required"}}
	}
	return nil
}

func (a *fakeAdapter) Provision(_ context.Context, _ models.Account) (models.Keystore, error) {
	if a.provisions == nil {
		return nil, errors.New("remote refused")
	}
	return a.provisions.Clone(), nil
}

func (a *fakeAdapter) calls() (starts, stops, notifies []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.starts...), append([]string(nil), a.stops...), append([]string(nil), a.notifies...)
}

type firedEvent struct {
	StreamID string
	Event    string
	Accounts []string
}

type recordingNotifier struct {
	mu    sync.Mutex
	fired []firedEvent
}

func (n *recordingNotifier) Fire(_ context.Context, stream models.Stream, event string, accounts []models.Account) {
	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fired = append(n.fired, firedEvent{StreamID: stream.ID, Event: event, Accounts: ids})
}

func (n *recordingNotifier) events() []firedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]firedEvent(nil), n.fired...)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	orch    *Orchestrator
	repo    *storage.Storage
	status  *status.MemoryStore
	sub     bus.Subscription
	hooks   *recordingNotifier
	adapter *fakeAdapter
	clock   *fakeClock
	metrics *metrics.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	adapter := newFakeAdapter()
	registry, err := networks.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	clock := newFakeClock()
	store := status.NewMemoryStoreWithClock(clock.Now)
	messages := bus.NewMemoryBus(128)
	sub := messages.Subscribe()
	t.Cleanup(sub.Close)
	hooks := &recordingNotifier{}
	recorder := metrics.New()

	orch, err := New(Config{
		Repository:  repo,
		Status:      store,
		Networks:    registry,
		Permissions: permissions.NewResolver(repo, registry.AllowSharing),
		Bus:         messages,
		Webhooks:    hooks,
		Logger:      logging.Discard(),
		Metrics:     recorder,
		Worker:      testWorker,
		RepushDelay: 3 * time.Second,
		StaleAfter:  time.Minute,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{
		t:       t,
		ctx:     context.Background(),
		orch:    orch,
		repo:    repo,
		status:  store,
		sub:     sub,
		hooks:   hooks,
		adapter: adapter,
		clock:   clock,
		metrics: recorder,
	}
}

func (h *harness) stream(params storage.CreateStreamParams) models.Stream {
	h.t.Helper()
	if params.Name == "" {
		params.Name = "Evening Show"
	}
	if params.OwnerID == "" {
		params.OwnerID = ownerID
	}
	stream, err := h.repo.CreateStream(h.ctx, params)
	if err != nil {
		h.t.Fatalf("CreateStream: %v", err)
	}
	return stream
}

type destOpts struct {
	position int
	disabled bool
	preview  bool
}

func (h *harness) destination(stream models.Stream, name string, opts destOpts) models.Account {
	h.t.Helper()
	account, err := h.repo.CreateAccount(h.ctx, storage.CreateAccountParams{
		Network:  fakeNet,
		Name:     name,
		OwnerID:  ownerID,
		Keystore: models.Keystore{"key": "sk-" + name},
	})
	if err != nil {
		h.t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := h.repo.LinkAccount(h.ctx, storage.LinkParams{
		StreamID:  stream.ID,
		AccountID: account.ID,
		Position:  opts.position,
		Enabled:   !opts.disabled,
		Preview:   opts.preview,
	}); err != nil {
		h.t.Fatalf("LinkAccount: %v", err)
	}
	return account
}

func (h *harness) record(streamID string) (status.Record, bool) {
	h.t.Helper()
	record, ok, err := h.status.Get(h.ctx, streamID)
	if err != nil {
		h.t.Fatalf("status Get: %v", err)
	}
	return record, ok
}

func (h *harness) urls(streamID string) map[string]string {
	h.t.Helper()
	dests, err := h.repo.Destinations(h.ctx, streamID)
	if err != nil {
		h.t.Fatalf("Destinations: %v", err)
	}
	out := make(map[string]string, len(dests))
	for _, dest := range dests {
		out[dest.Account.ID] = dest.Link.RTMPURL
	}
	return out
}

// drain returns every envelope published since the last call.
func (h *harness) drain() []bus.Envelope {
	var out []bus.Envelope
	for {
		select {
		case envelope := <-h.sub.Events():
			out = append(out, envelope)
		default:
			return out
		}
	}
}

func topics(envelopes []bus.Envelope) []string {
	out := make([]string, 0, len(envelopes))
	for _, envelope := range envelopes {
		out = append(out, envelope.Topic)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
