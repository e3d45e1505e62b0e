package orchestrator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"relaycast/internal/bus"
	"relaycast/internal/models"
	"relaycast/internal/networks"
	"relaycast/internal/storage"
)

func TestGoLiveStopLiveRoundTrip(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{PreviewRequired: true})
	main := h.destination(stream, "main", destOpts{position: 0})
	preview := h.destination(stream, "preview", destOpts{position: 1, preview: true})
	h.destination(stream, "off", destOpts{position: 2, disabled: true})

	if _, err := h.orch.GoLive(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before ingest, got %v", err)
	}
	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Fatalf("IngestStart: %v", err)
	}
	h.drain()

	live, err := h.orch.GoLive(h.ctx, ownerID, stream.ID)
	if err != nil {
		t.Fatalf("GoLive: %v", err)
	}
	if !live.Incoming || !live.Pushing {
		t.Fatalf("expected pushing, got %+v", live)
	}
	starts, _, _ := h.adapter.calls()
	if !equalStrings(starts, []string{main.ID, preview.ID}) {
		t.Fatalf("expected go-live to include preview destinations, got %v", starts)
	}
	if want := []string{bus.TopicStartPush, bus.TopicStreamStart}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}
	if _, err := h.orch.GoLive(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState when already pushing, got %v", err)
	}

	stopped, err := h.orch.StopLive(h.ctx, ownerID, stream.ID)
	if err != nil {
		t.Fatalf("StopLive: %v", err)
	}
	if !stopped.Incoming || stopped.Pushing {
		t.Fatalf("expected ingest to stay connected, got %+v", stopped)
	}
	for id, url := range h.urls(stream.ID) {
		if url != "" {
			t.Fatalf("expected url cleared on %s", id)
		}
	}
	if want := []string{bus.TopicEndPush, bus.TopicStreamEnd}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}
	if _, err := h.orch.StopLive(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState when not pushing, got %v", err)
	}

	fired := h.hooks.events()
	if len(fired) != 2 || fired[0].Event != models.EventStreamStart || fired[1].Event != models.EventStreamEnd {
		t.Fatalf("unexpected webhooks %+v", fired)
	}
}

func TestGoLiveWithoutEnabledDestinations(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{PreviewRequired: true})
	h.destination(stream, "off", destOpts{disabled: true})
	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Fatalf("IngestStart: %v", err)
	}
	if _, err := h.orch.GoLive(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestGoLivePartialFailure(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{PreviewRequired: true})
	a := h.destination(stream, "a", destOpts{position: 0})
	b := h.destination(stream, "b", destOpts{position: 1})
	c := h.destination(stream, "c", destOpts{position: 2, preview: true})
	h.adapter.startErr[b.ID] = errors.New("boom")

	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Fatalf("IngestStart: %v", err)
	}
	h.drain()

	got, err := h.orch.GoLive(h.ctx, ownerID, stream.ID)
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.AccountID != b.ID || adapterErr.Op != OpPushStart {
		t.Fatalf("expected push_start AdapterError for %s, got %v", b.ID, err)
	}
	if !got.Incoming || got.Pushing || got.Starting != "" {
		t.Fatalf("expected ingest kept and pushing cleared, got %+v", got)
	}
	record, ok := h.record(stream.ID)
	if !ok || !record.Incoming || record.Pushing || record.Starting != "" {
		t.Fatalf("expected stored status {incoming}, got %+v (exists %v)", record, ok)
	}
	starts, stops, _ := h.adapter.calls()
	if !equalStrings(starts, []string{a.ID, b.ID}) {
		t.Fatalf("expected fan-out to stop at %s, got %v", b.ID, starts)
	}
	if len(stops) != 0 {
		t.Fatalf("expected no stops, got %v", stops)
	}
	urls := h.urls(stream.ID)
	if urls[a.ID] == "" {
		t.Fatal("expected started destination to keep its url")
	}
	if urls[b.ID] != "" || urls[c.ID] != "" {
		t.Fatalf("expected no url on failed or skipped destinations, got %v", urls)
	}
	if msgs := h.drain(); len(msgs) != 0 {
		t.Fatalf("expected no bus messages, got %v", topics(msgs))
	}
	if fired := h.hooks.events(); len(fired) != 0 {
		t.Fatalf("expected no webhooks, got %+v", fired)
	}

	// The operator can retry once the destination is fixed.
	delete(h.adapter.startErr, b.ID)
	if _, err := h.orch.GoLive(h.ctx, ownerID, stream.ID); err != nil {
		t.Fatalf("GoLive retry: %v", err)
	}
}

func TestConcurrentGoLiveStartsOneFanOut(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{PreviewRequired: true})
	main := h.destination(stream, "main", destOpts{})
	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Fatalf("IngestStart: %v", err)
	}
	h.drain()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.adapter.beforeURL = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.GoLive(h.ctx, ownerID, stream.ID)
		first <- err
	}()
	<-entered

	if _, err := h.orch.GoLive(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while a fan-out is running, got %v", err)
	}
	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Errorf("duplicate IngestStart: %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("GoLive: %v", err)
	}

	starts, stops, _ := h.adapter.calls()
	if !equalStrings(starts, []string{main.ID}) {
		t.Fatalf("expected a single push start, got %v", starts)
	}
	if len(stops) != 0 {
		t.Fatalf("expected no stops, got %v", stops)
	}
	record, ok := h.record(stream.ID)
	if !ok || !record.Incoming || !record.Pushing || record.Starting != "" {
		t.Fatalf("expected pushing with the claim released, got %+v", record)
	}
	if h.urls(stream.ID)[main.ID] == "" {
		t.Fatal("expected destination url to be recorded")
	}
	if want := []string{bus.TopicStartPush, bus.TopicStreamStart}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}
	if fired := h.hooks.events(); len(fired) != 1 {
		t.Fatalf("expected one stream:start webhook, got %+v", fired)
	}
}

func TestOperatorPermissions(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{})
	if err := h.repo.ShareStream(h.ctx, models.StreamShare{StreamID: stream.ID, UserID: "viewer", Level: models.LevelChat}); err != nil {
		t.Fatalf("ShareStream: %v", err)
	}
	if err := h.repo.ShareStream(h.ctx, models.StreamShare{StreamID: stream.ID, UserID: "manager", Level: models.LevelManage}); err != nil {
		t.Fatalf("ShareStream: %v", err)
	}

	tests := []struct {
		name   string
		user   string
		manage error
		view   error
	}{
		{name: "owner", user: ownerID},
		{name: "manager", user: "manager"},
		{name: "viewer", user: "viewer", manage: ErrForbidden},
		{name: "stranger", user: "stranger", manage: ErrForbidden, view: ErrForbidden},
		{name: "anonymous", user: "", manage: ErrForbidden, view: ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.PullStop(h.ctx, tt.user, stream.ID)
			if tt.manage != nil {
				if !errors.Is(err, tt.manage) {
					t.Fatalf("PullStop: expected %v, got %v", tt.manage, err)
				}
			} else if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("PullStop: expected permission to pass and ErrInvalidState, got %v", err)
			}
			if _, err := h.orch.Status(h.ctx, tt.user, stream.ID); !errors.Is(err, tt.view) {
				t.Fatalf("Status: expected %v, got %v", tt.view, err)
			}
		})
	}

	if _, err := h.orch.Status(h.ctx, ownerID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPullToggles(t *testing.T) {
	h := newHarness(t)
	bare := h.stream(storage.CreateStreamParams{Name: "bare"})
	if _, err := h.orch.PullStart(h.ctx, ownerID, bare.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState without pull source, got %v", err)
	}

	stream := h.stream(storage.CreateStreamParams{PullArgs: "-i srt://source.example:9000"})
	got, err := h.orch.PullStart(h.ctx, ownerID, stream.ID)
	if err != nil {
		t.Fatalf("PullStart: %v", err)
	}
	if !got.Pulling {
		t.Fatalf("expected pulling, got %+v", got)
	}
	envelopes := h.drain()
	if len(envelopes) != 1 || envelopes[0].Topic != bus.TopicStartPull || envelopes[0].Message.Pull != stream.PullArgs {
		t.Fatalf("unexpected pull messages %+v", envelopes)
	}
	if _, err := h.orch.PullStart(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a running pull, got %v", err)
	}

	playback, err := h.orch.Playback(h.ctx, ownerID, stream.ID)
	if err != nil {
		t.Fatalf("Playback while pulling: %v", err)
	}
	if !playback.Status.Pulling || playback.UUID != stream.UUID {
		t.Fatalf("unexpected playback %+v", playback)
	}

	if _, err := h.orch.PullStop(h.ctx, ownerID, stream.ID); err != nil {
		t.Fatalf("PullStop: %v", err)
	}
	if want := []string{bus.TopicEndPull}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}
	if _, ok := h.record(stream.ID); ok {
		t.Fatal("expected idle stream to have no record")
	}
	if _, err := h.orch.PullStop(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState when not pulling, got %v", err)
	}
}

func TestPlayback(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{})
	account := h.destination(stream, "main", destOpts{})

	if _, err := h.orch.Playback(h.ctx, ownerID, stream.ID); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive, got %v", err)
	}
	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Fatalf("IngestStart: %v", err)
	}
	playback, err := h.orch.Playback(h.ctx, ownerID, stream.ID)
	if err != nil {
		t.Fatalf("Playback: %v", err)
	}
	if len(playback.Destinations) != 1 || playback.Destinations[0].AccountID != account.ID {
		t.Fatalf("unexpected playback destinations %+v", playback.Destinations)
	}
}

func TestUpdateAndDeleteStream(t *testing.T) {
	h := newHarness(t)
	stream := h.stream(storage.CreateStreamParams{PullArgs: "-i rtmp://origin/live"})
	account := h.destination(stream, "main", destOpts{})

	updated, err := h.orch.UpdateStream(h.ctx, ownerID, stream.ID, map[string]string{"title": "New title"})
	if err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	if updated.Metadata["title"] != "New title" {
		t.Fatalf("expected metadata to be replaced, got %v", updated.Metadata)
	}
	if want := []string{bus.TopicStreamUpd}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}

	if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
		t.Fatalf("IngestStart: %v", err)
	}
	if _, err := h.orch.PullStart(h.ctx, ownerID, stream.ID); err != nil {
		t.Fatalf("PullStart: %v", err)
	}
	h.drain()

	if err := h.orch.DeleteStream(h.ctx, "stranger", stream.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.orch.DeleteStream(h.ctx, ownerID, stream.ID); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if want := []string{bus.TopicEndPush, bus.TopicEndPull, bus.TopicStreamDel}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}
	if _, stops, _ := h.adapter.calls(); !equalStrings(stops, []string{account.ID}) {
		t.Fatalf("expected destination stopped before delete, got %v", stops)
	}
	if _, err := h.repo.StreamByID(h.ctx, stream.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stream removed, got %v", err)
	}
	if _, ok := h.record(stream.ID); ok {
		t.Fatal("expected status removed")
	}
}

func TestAccountChecksAndProvisioning(t *testing.T) {
	h := newHarness(t)
	account, err := h.repo.CreateAccount(h.ctx, storage.CreateAccountParams{
		Network:  fakeNet,
		Name:     "channel",
		OwnerID:  ownerID,
		Keystore: models.Keystore{"region": "eu"},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	problems, err := h.orch.CheckAccount(h.ctx, ownerID, account.ID)
	if err != nil {
		t.Fatalf("CheckAccount: %v", err)
	}
	if len(problems) != 1 || problems[0].Field != "key" {
		t.Fatalf("unexpected validation result %+v", problems)
	}
	if _, err := h.orch.CheckAccount(h.ctx, "stranger", account.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	var adapterErr *AdapterError
	if _, err := h.orch.ProvisionAccount(h.ctx, ownerID, account.ID); !errors.As(err, &adapterErr) || adapterErr.Op != OpProvision {
		t.Fatalf("expected provision AdapterError, got %v", err)
	}
	h.adapter.provisions = models.Keystore{"key": "issued"}
	provisioned, err := h.orch.ProvisionAccount(h.ctx, ownerID, account.ID)
	if err != nil {
		t.Fatalf("ProvisionAccount: %v", err)
	}
	if provisioned.Keystore.Get("key") != "issued" || provisioned.Keystore.Get("region") != "eu" {
		t.Fatalf("expected merged keystore, got %v", provisioned.Keystore)
	}
	if problems, _ := h.orch.CheckAccount(h.ctx, ownerID, account.ID); len(problems) != 0 {
		t.Fatalf("expected provisioned account to validate, got %+v", problems)
	}
}

func TestProvisionUnsupportedNetwork(t *testing.T) {
	h := newHarness(t)
	registry, err := networks.NewRegistry(networks.NewRTMPAdapter("rtmp", false, nil))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.orch.networks = registry
	account, err := h.repo.CreateAccount(h.ctx, storage.CreateAccountParams{Network: "rtmp", Name: "custom", OwnerID: ownerID})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := h.orch.ProvisionAccount(h.ctx, ownerID, account.ID); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestReconcileExpiresStaleIngest(t *testing.T) {
	h := newHarness(t)
	stale := h.stream(storage.CreateStreamParams{Name: "stale", PullArgs: "-i srt://origin"})
	staleAccount := h.destination(stale, "stale-dest", destOpts{})
	fresh := h.stream(storage.CreateStreamParams{Name: "fresh"})
	h.destination(fresh, "fresh-dest", destOpts{})
	pullOnly := h.stream(storage.CreateStreamParams{Name: "pull", PullArgs: "-i srt://origin"})

	for _, stream := range []models.Stream{stale, fresh} {
		if _, err := h.orch.IngestStart(h.ctx, stream.UUID); err != nil {
			t.Fatalf("IngestStart: %v", err)
		}
	}
	if _, err := h.orch.PullStart(h.ctx, ownerID, stale.ID); err != nil {
		t.Fatalf("PullStart: %v", err)
	}
	if _, err := h.orch.PullStart(h.ctx, ownerID, pullOnly.ID); err != nil {
		t.Fatalf("PullStart: %v", err)
	}
	h.clock.Advance(45 * time.Second)
	if err := h.orch.IngestHeartbeat(h.ctx, fresh.UUID, "update_publish"); err != nil {
		t.Fatalf("IngestHeartbeat: %v", err)
	}
	h.clock.Advance(45 * time.Second)
	h.drain()

	report, err := h.orch.Reconcile(h.ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Checked != 3 || len(report.Expired) != 1 || report.Expired[0] != stale.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	record, ok := h.record(stale.ID)
	if !ok || record.Incoming || record.Pushing || !record.Pulling {
		t.Fatalf("expected only the pull to survive, got %+v (exists=%v)", record, ok)
	}
	if url := h.urls(stale.ID)[staleAccount.ID]; url != "" {
		t.Fatalf("expected stale destination torn down, got %q", url)
	}
	if want := []string{bus.TopicEndPush, bus.TopicStreamEnd}; !equalStrings(topics(h.drain()), want) {
		t.Fatalf("expected %v", want)
	}
	if record, _ := h.record(fresh.ID); !record.Pushing {
		t.Fatalf("expected refreshed stream to keep pushing, got %+v", record)
	}
	if record, _ := h.record(pullOnly.ID); !record.Pulling {
		t.Fatalf("expected pull-only stream untouched, got %+v", record)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}
