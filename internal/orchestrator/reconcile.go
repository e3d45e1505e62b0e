package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/status"
)

// ReconcileReport summarises one sweep over the status store.
type ReconcileReport struct {
	Checked int
	Expired []string
	Skipped int
}

// Reconcile tears down ingests whose status record has not been refreshed
// within the stale lease, covering ingest servers that died without sending
// a stop callback. A record refreshed between the scan and the teardown is
// left alone. Pull state is never expired because pulls have no heartbeat.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	records, err := o.status.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list status records: %w", err)
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cutoff := o.now().Add(-o.staleAfter)
	for _, id := range ids {
		record := records[id]
		report.Checked++
		if !record.Incoming || !record.UpdatedAt.Before(cutoff) {
			continue
		}
		expired, err := o.expire(ctx, id, record)
		if err != nil {
			return report, err
		}
		if expired {
			report.Expired = append(report.Expired, id)
		} else {
			report.Skipped++
		}
	}
	return report, nil
}

func (o *Orchestrator) expire(ctx context.Context, streamID string, record status.Record) (bool, error) {
	ctx, cancel := o.detach(logging.ContextWithStreamID(ctx, streamID))
	defer cancel()
	logger := logging.WithContext(ctx, o.logger).With("stream_id", streamID)

	next := models.StreamStatus{Pulling: record.Pulling}
	var err error
	if next.Idle() {
		err = o.status.CompareAndDelete(ctx, streamID, record.Generation)
	} else {
		_, err = o.status.CompareAndSwap(ctx, streamID, record.Generation, next)
	}
	if errors.Is(err, status.ErrConflict) {
		o.metrics.ObserveStatusConflict()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire status for %s: %w", streamID, err)
	}
	o.metrics.ObserveStreamEvent("expired")

	stream, err := o.repo.StreamByID(ctx, streamID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("expired status for unknown stream")
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("load expired stream %s: %w", streamID, err)
	}
	stopped, err := o.stopDestinations(ctx, stream)
	if err != nil {
		return true, err
	}
	o.announceEnd(ctx, stream, record.StreamStatus, next, stopped)
	logger.Warn("stale ingest expired", "last_seen", record.UpdatedAt, "destinations", len(stopped))
	return true, nil
}
