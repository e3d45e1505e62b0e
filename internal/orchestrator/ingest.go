package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"relaycast/internal/bus"
	"relaycast/internal/models"
	"relaycast/internal/networks"
	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

// Heartbeat calls that carry no ingest state and are acknowledged without
// any lookup.
const (
	CallPlay       = "play"
	CallUpdatePlay = "update_play"
)

// IngestStart handles the ingest server's "publish started" callback. name is
// the stream's public UUID. A reconnect while the stream is already pushing
// publishes a repush request instead of fanning out again. The fan-out is
// claimed in the same write that marks the ingest incoming, so a duplicate
// callback never starts a second one.
func (o *Orchestrator) IngestStart(ctx context.Context, name string) (models.StreamStatus, error) {
	stream, err := o.streamByName(ctx, name)
	if err != nil {
		return models.StreamStatus{}, err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()
	logger := o.log(ctx, stream)
	o.metrics.ObserveStreamEvent("ingest_start")

	claim := uuid.NewString()
	previous, committed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		current.Incoming = true
		if !current.Pushing && current.Starting == "" && !stream.PreviewRequired {
			current.Starting = claim
		}
		return current, nil
	})
	if err != nil {
		return models.StreamStatus{}, fmt.Errorf("mark ingest incoming: %w", err)
	}

	if previous.Pushing {
		msg := bus.Message{ID: stream.ID, Worker: o.worker, Delay: int(o.repushDelay.Seconds()), Status: &committed}
		o.publish(ctx, bus.TopicStartRepush, msg)
		logger.Info("ingest reconnected, repush requested")
		return committed, nil
	}
	if stream.PreviewRequired {
		logger.Info("ingest waiting for manual go-live")
		return committed, nil
	}
	if committed.Starting != claim {
		logger.Info("fan-out already in progress")
		return committed, nil
	}

	dests, err := o.destinations(ctx, stream.ID, func(d models.Destination) bool {
		return d.Link.Enabled && !d.Link.Preview
	})
	if err != nil {
		return o.releaseClaim(ctx, stream, claim), err
	}
	if len(dests) == 0 {
		return o.releaseClaim(ctx, stream, claim), nil
	}

	started, err := o.fanOut(ctx, stream, dests)
	if err != nil {
		_, reset, resetErr := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
			if current.Starting != claim {
				return current, nil
			}
			current.Starting = ""
			current.Incoming = false
			return current, nil
		})
		if resetErr != nil {
			logger.Error("reset ingest after failed fan-out", "error", resetErr)
		}
		logger.Warn("fan-out failed", "started", len(started), "error", err)
		return reset, err
	}
	return o.commitPushing(ctx, stream, claim, started)
}

// IngestHeartbeat relays a periodic ingest callback to every live
// destination and refreshes the stream's status lease. Adapter failures are
// joined and returned, but they never change the stream's status.
func (o *Orchestrator) IngestHeartbeat(ctx context.Context, name, call string) error {
	if call == CallPlay || call == CallUpdatePlay {
		return nil
	}
	stream, err := o.streamByName(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()

	_, committed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("refresh status lease: %w", err)
	}
	if !committed.Pushing {
		return nil
	}

	dests, err := o.destinations(ctx, stream.ID, func(d models.Destination) bool {
		return d.Link.Live()
	})
	if err != nil {
		return err
	}
	var errs []error
	for _, dest := range dests {
		adapter, err := o.networks.Lookup(dest.Account.Network)
		if err == nil {
			err = adapter.NotifyUpdate(ctx, dest.Account, target(stream, dest))
		}
		if err != nil {
			logging.WithDestination(o.log(ctx, stream), dest.Account.Network, dest.Account.ID, dest.Account.Name).
				Warn("heartbeat relay failed", "error", err)
			errs = append(errs, adapterError(OpNotifyUpdate, dest, err))
		}
	}
	return errors.Join(errs...)
}

// IngestStop handles the ingest server's "publish stopped" callback: every
// live destination is stopped and the status record is removed.
func (o *Orchestrator) IngestStop(ctx context.Context, name string) error {
	stream, err := o.streamByName(ctx, name)
	if err != nil {
		return err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()
	o.metrics.ObserveStreamEvent("ingest_stop")

	stopped, err := o.stopDestinations(ctx, stream)
	if err != nil {
		return err
	}
	previous, _, err := o.update(ctx, stream.ID, func(models.StreamStatus, bool) (models.StreamStatus, error) {
		return models.StreamStatus{}, nil
	})
	if err != nil {
		return fmt.Errorf("clear stream status: %w", err)
	}
	o.announceEnd(ctx, stream, previous, models.StreamStatus{}, stopped)
	o.log(ctx, stream).Info("ingest stopped", "destinations", len(stopped))
	return nil
}

func (o *Orchestrator) streamByName(ctx context.Context, name string) (models.Stream, error) {
	id, ok := storage.NormalizeUUID(name)
	if !ok {
		return models.Stream{}, fmt.Errorf("stream %q: %w", name, ErrNotFound)
	}
	return o.repo.StreamByUUID(ctx, id)
}

func (o *Orchestrator) destinations(ctx context.Context, streamID string, keep func(models.Destination) bool) ([]models.Destination, error) {
	all, err := o.repo.Destinations(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	models.SortDestinations(all)
	out := all[:0]
	for _, dest := range all {
		if keep(dest) {
			out = append(out, dest)
		}
	}
	return out, nil
}

// fanOut starts pushes in destination order and stops at the first failure.
// Destinations started before the failure keep their transport URL.
func (o *Orchestrator) fanOut(ctx context.Context, stream models.Stream, dests []models.Destination) ([]models.Destination, error) {
	started := make([]models.Destination, 0, len(dests))
	for _, dest := range dests {
		logger := logging.WithDestination(o.log(ctx, stream), dest.Account.Network, dest.Account.ID, dest.Account.Name)
		adapter, err := o.networks.Lookup(dest.Account.Network)
		if err != nil {
			o.metrics.ObserveFanout(dest.Account.Network, err)
			return started, adapterError(OpPushStart, dest, err)
		}
		url, err := adapter.PushStart(ctx, dest.Account, target(stream, dest))
		o.metrics.ObserveFanout(dest.Account.Network, err)
		if err != nil {
			logger.Warn("push start failed", "error", err)
			return started, adapterError(OpPushStart, dest, err)
		}
		if err := o.repo.SetDestinationURL(ctx, stream.ID, dest.Account.ID, url); err != nil {
			adapter.PushStop(ctx, dest.Account, target(stream, dest))
			return started, fmt.Errorf("record transport url for %s: %w", dest.Account.ID, err)
		}
		dest.Link.RTMPURL = url
		started = append(started, dest)
		logger.Info("push started")
	}
	return started, nil
}

// releaseClaim drops a fan-out claim that never reached the adapters, or
// whose adapters all failed, and returns the resulting status.
func (o *Orchestrator) releaseClaim(ctx context.Context, stream models.Stream, claim string) models.StreamStatus {
	_, committed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		if current.Starting == claim {
			current.Starting = ""
		}
		return current, nil
	})
	if err != nil {
		o.log(ctx, stream).Error("release fan-out claim", "error", err)
	}
	return committed
}

// commitPushing flips the pushing flag after a successful fan-out. The
// started destinations are stopped again if the ingest disappeared while
// adapters were being called or the claim was dropped by a teardown.
func (o *Orchestrator) commitPushing(ctx context.Context, stream models.Stream, claim string, started []models.Destination) (models.StreamStatus, error) {
	errIngestGone := invalidState("ingest ended during fan-out")
	errClaimLost := invalidState("fan-out for stream %s was superseded", stream.ID)
	_, committed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		if !current.Incoming {
			return current, errIngestGone
		}
		if current.Starting != claim {
			return current, errClaimLost
		}
		current.Starting = ""
		current.Pushing = true
		return current, nil
	})
	switch {
	case errors.Is(err, errIngestGone), errors.Is(err, errClaimLost):
		o.stopStarted(ctx, stream, started)
		return committed, err
	case err != nil:
		o.stopStarted(ctx, stream, started)
		return models.StreamStatus{}, fmt.Errorf("mark stream pushing: %w", err)
	}
	o.metrics.PushStarted()
	o.publish(ctx, bus.TopicStartPush, o.processMessage(stream.ID, committed, started))
	o.publish(ctx, bus.TopicStreamStart, bus.Message{ID: stream.ID, Status: &committed})
	o.webhooks.Fire(ctx, stream, models.EventStreamStart, accountsOf(started))
	o.log(ctx, stream).Info("stream pushing", "destinations", len(started))
	return committed, nil
}

func (o *Orchestrator) stopStarted(ctx context.Context, stream models.Stream, started []models.Destination) {
	for _, dest := range started {
		o.stopDestination(ctx, stream, dest)
	}
}

// stopDestinations stops every destination that currently holds a transport
// URL and returns them.
func (o *Orchestrator) stopDestinations(ctx context.Context, stream models.Stream) ([]models.Destination, error) {
	live, err := o.destinations(ctx, stream.ID, func(d models.Destination) bool {
		return d.Link.Live()
	})
	if err != nil {
		return nil, err
	}
	for _, dest := range live {
		o.stopDestination(ctx, stream, dest)
	}
	return live, nil
}

func (o *Orchestrator) stopDestination(ctx context.Context, stream models.Stream, dest models.Destination) {
	logger := logging.WithDestination(o.log(ctx, stream), dest.Account.Network, dest.Account.ID, dest.Account.Name)
	if err := o.repo.SetDestinationURL(ctx, stream.ID, dest.Account.ID, ""); err != nil {
		logger.Error("clear transport url", "error", err)
	}
	adapter, err := o.networks.Lookup(dest.Account.Network)
	if err != nil {
		logger.Error("push stop skipped", "error", err)
		return
	}
	adapter.PushStop(ctx, dest.Account, target(stream, dest))
}

// announceEnd publishes end-of-push messages for the flags cleared between
// previous and next and fires the stream:end webhook.
func (o *Orchestrator) announceEnd(ctx context.Context, stream models.Stream, previous, next models.StreamStatus, stopped []models.Destination) {
	if previous.Pushing && !next.Pushing {
		o.metrics.PushStopped()
		o.publish(ctx, bus.TopicEndPush, o.processMessage(stream.ID, next, stopped))
	}
	if previous.Pulling && !next.Pulling {
		o.publish(ctx, bus.TopicEndPull, bus.Message{ID: stream.ID, Worker: o.worker, Status: &next})
	}
	o.publish(ctx, bus.TopicStreamEnd, bus.Message{ID: stream.ID, Status: &next})
	o.webhooks.Fire(ctx, stream, models.EventStreamEnd, accountsOf(stopped))
}

func adapterError(op string, dest models.Destination, err error) *AdapterError {
	return &AdapterError{
		Op:        op,
		Network:   dest.Account.Network,
		Account:   dest.Account.Name,
		AccountID: dest.Account.ID,
		Err:       err,
	}
}

var _ AdapterLookup = (*networks.Registry)(nil)
