package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"relaycast/internal/bus"
	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
)

// GoLive starts pushing an incoming stream to all enabled destinations,
// including preview destinations. It is the manual trigger for streams that
// require preview. Only one fan-out per stream runs at a time; a concurrent
// call fails with ErrInvalidState before touching any adapter.
func (o *Orchestrator) GoLive(ctx context.Context, userID, streamID string) (models.StreamStatus, error) {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelManage)
	if err != nil {
		return models.StreamStatus{}, err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()
	o.metrics.ObserveStreamEvent("go_live")

	claim := uuid.NewString()
	_, claimed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		switch {
		case !current.Incoming:
			return current, invalidState("stream %s has no incoming ingest", stream.ID)
		case current.Pushing:
			return current, invalidState("stream %s is already pushing", stream.ID)
		case current.Starting != "":
			return current, invalidState("stream %s is already starting", stream.ID)
		}
		current.Starting = claim
		return current, nil
	})
	if err != nil {
		return claimed, err
	}
	dests, err := o.destinations(ctx, stream.ID, func(d models.Destination) bool {
		return d.Link.Enabled
	})
	if err != nil {
		return o.releaseClaim(ctx, stream, claim), err
	}
	if len(dests) == 0 {
		return o.releaseClaim(ctx, stream, claim), invalidState("stream %s has no enabled destinations", stream.ID)
	}
	started, err := o.fanOut(ctx, stream, dests)
	if err != nil {
		o.log(ctx, stream).Warn("go-live fan-out failed", "started", len(started), "error", err)
		return o.releaseClaim(ctx, stream, claim), err
	}
	return o.commitPushing(ctx, stream, claim, started)
}

// StopLive stops pushing while leaving the ingest connected.
func (o *Orchestrator) StopLive(ctx context.Context, userID, streamID string) (models.StreamStatus, error) {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelManage)
	if err != nil {
		return models.StreamStatus{}, err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()
	o.metrics.ObserveStreamEvent("stop_live")

	current, err := o.current(ctx, stream.ID)
	if err != nil {
		return models.StreamStatus{}, err
	}
	if !current.Pushing {
		return current, invalidState("stream %s is not pushing", stream.ID)
	}
	stopped, err := o.stopDestinations(ctx, stream)
	if err != nil {
		return current, err
	}
	previous, committed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		current.Pushing = false
		return current, nil
	})
	if err != nil {
		return models.StreamStatus{}, fmt.Errorf("clear pushing flag: %w", err)
	}
	o.announceEnd(ctx, stream, previous, committed, stopped)
	o.log(ctx, stream).Info("stream stopped", "destinations", len(stopped))
	return committed, nil
}

// PullStart asks a media worker to pull the stream's source from
// Stream.PullArgs.
func (o *Orchestrator) PullStart(ctx context.Context, userID, streamID string) (models.StreamStatus, error) {
	return o.setPulling(ctx, userID, streamID, true)
}

// PullStop cancels a running pull.
func (o *Orchestrator) PullStop(ctx context.Context, userID, streamID string) (models.StreamStatus, error) {
	return o.setPulling(ctx, userID, streamID, false)
}

func (o *Orchestrator) setPulling(ctx context.Context, userID, streamID string, pulling bool) (models.StreamStatus, error) {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelManage)
	if err != nil {
		return models.StreamStatus{}, err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()

	topic, event := bus.TopicStartPull, "pull_start"
	if !pulling {
		topic, event = bus.TopicEndPull, "pull_stop"
	}
	o.metrics.ObserveStreamEvent(event)
	if pulling && stream.PullArgs == "" {
		return models.StreamStatus{}, invalidState("stream %s has no pull source", stream.ID)
	}

	_, committed, err := o.update(ctx, stream.ID, func(current models.StreamStatus, _ bool) (models.StreamStatus, error) {
		if current.Pulling == pulling {
			if pulling {
				return current, invalidState("stream %s is already pulling", stream.ID)
			}
			return current, invalidState("stream %s is not pulling", stream.ID)
		}
		current.Pulling = pulling
		return current, nil
	})
	if err != nil {
		return committed, err
	}
	msg := bus.Message{ID: stream.ID, Worker: o.worker, Status: &committed}
	if pulling {
		msg.Pull = stream.PullArgs
	}
	o.publish(ctx, topic, msg)
	return committed, nil
}

// Status returns the stream's current flags. Idle streams report the zero
// status.
func (o *Orchestrator) Status(ctx context.Context, userID, streamID string) (models.StreamStatus, error) {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelChat)
	if err != nil {
		return models.StreamStatus{}, err
	}
	return o.current(ctx, stream.ID)
}

// PlaybackDestination is a destination currently receiving the stream.
// Transport URLs embed stream keys and are never exposed.
type PlaybackDestination struct {
	AccountID string `json:"accountId"`
	Network   string `json:"network"`
	Name      string `json:"name"`
}

// Playback describes where a live stream can be watched.
type Playback struct {
	StreamID     string                `json:"streamId"`
	UUID         string                `json:"uuid"`
	Name         string                `json:"name"`
	Slug         string                `json:"slug"`
	Status       models.StreamStatus   `json:"status"`
	Destinations []PlaybackDestination `json:"destinations"`
}

// Playback returns playback information for a live stream, or ErrNotLive if
// the stream has neither an ingest nor a pull running.
func (o *Orchestrator) Playback(ctx context.Context, userID, streamID string) (Playback, error) {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelChat)
	if err != nil {
		return Playback{}, err
	}
	current, err := o.current(ctx, stream.ID)
	if err != nil {
		return Playback{}, err
	}
	if !current.Incoming && !current.Pulling {
		return Playback{}, ErrNotLive
	}
	live, err := o.destinations(ctx, stream.ID, func(d models.Destination) bool {
		return d.Link.Live()
	})
	if err != nil {
		return Playback{}, err
	}
	out := Playback{
		StreamID:     stream.ID,
		UUID:         stream.UUID,
		Name:         stream.Name,
		Slug:         stream.Slug,
		Status:       current,
		Destinations: make([]PlaybackDestination, 0, len(live)),
	}
	for _, dest := range live {
		out.Destinations = append(out.Destinations, PlaybackDestination{
			AccountID: dest.Account.ID,
			Network:   dest.Account.Network,
			Name:      dest.Account.Name,
		})
	}
	return out, nil
}

// UpdateStream replaces the stream's metadata and announces the change.
func (o *Orchestrator) UpdateStream(ctx context.Context, userID, streamID string, metadata map[string]string) (models.Stream, error) {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelManage)
	if err != nil {
		return models.Stream{}, err
	}
	updated, err := o.repo.UpdateStreamMetadata(ctx, stream.ID, metadata)
	if err != nil {
		return models.Stream{}, err
	}
	current, err := o.current(ctx, stream.ID)
	if err != nil {
		return updated, err
	}
	o.publish(ctx, bus.TopicStreamUpd, bus.Message{ID: stream.ID, Status: &current})
	return updated, nil
}

// DeleteStream tears down any running push or pull and removes the stream.
func (o *Orchestrator) DeleteStream(ctx context.Context, userID, streamID string) error {
	stream, err := o.loadStream(ctx, userID, streamID, models.LevelManage)
	if err != nil {
		return err
	}
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, stream.ID))
	defer cancel()
	o.metrics.ObserveStreamEvent("delete")

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
	if previous.Pushing {
		o.metrics.PushStopped()
		o.publish(ctx, bus.TopicEndPush, o.processMessage(stream.ID, models.StreamStatus{}, stopped))
	}
	if previous.Pulling {
		o.publish(ctx, bus.TopicEndPull, bus.Message{ID: stream.ID, Worker: o.worker})
	}
	if err := o.repo.DeleteStream(ctx, stream.ID); err != nil {
		return err
	}
	o.publish(ctx, bus.TopicStreamDel, bus.Message{ID: stream.ID})
	o.log(ctx, stream).Info("stream deleted")
	return nil
}
