// Package status stores the ephemeral liveness flags of each stream.
//
// Every record carries a generation drawn from a store-wide sequence, so a
// record deleted and recreated never reuses a generation. Writers read a record, compute
// the next flags and commit them with CompareAndSwap against the generation
// they read; a concurrent writer makes the swap fail with ErrConflict and the
// caller retries on fresh state. Update wraps that loop.
//
// A missing record is equivalent to an idle stream. Writing an idle status
// removes the record.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycast/internal/models"
)

// ErrConflict is returned when the stored generation no longer matches the
// generation the caller read.
var ErrConflict = errors.New("status record changed concurrently")

// Record is the persisted form of a stream's status.
type Record struct {
	models.StreamStatus
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is a per-stream key-value record with compare-and-swap semantics.
// A generation of 0 means "the record must not exist".
type Store interface {
	Get(ctx context.Context, streamID string) (Record, bool, error)
	CompareAndSwap(ctx context.Context, streamID string, generation int64, next models.StreamStatus) (Record, error)
	CompareAndDelete(ctx context.Context, streamID string, generation int64) error
	List(ctx context.Context) (map[string]Record, error)
	Ping(ctx context.Context) error
}

// MutateFunc computes the next status from the current one. Returning an
// error aborts the update without writing.
type MutateFunc func(current models.StreamStatus, exists bool) (models.StreamStatus, error)

// ConflictObserver is notified each time Update retries after a conflict.
type ConflictObserver func()

const maxUpdateAttempts = 16

// Update applies fn atomically to the record for streamID, retrying on
// conflicting writes. It returns the previous and committed status.
func Update(ctx context.Context, store Store, streamID string, fn MutateFunc, onConflict ConflictObserver) (previous, committed models.StreamStatus, err error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		record, exists, err := store.Get(ctx, streamID)
		if err != nil {
			return models.StreamStatus{}, models.StreamStatus{}, err
		}
		next, err := fn(record.StreamStatus, exists)
		if err != nil {
			return record.StreamStatus, record.StreamStatus, err
		}
		generation := int64(0)
		if exists {
			generation = record.Generation
		}
		if next.Idle() {
			if !exists {
				return record.StreamStatus, next, nil
			}
			err = store.CompareAndDelete(ctx, streamID, generation)
		} else {
			_, err = store.CompareAndSwap(ctx, streamID, generation, next)
		}
		if err == nil {
			return record.StreamStatus, next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return record.StreamStatus, record.StreamStatus, err
		}
		if onConflict != nil {
			onConflict()
		}
	}
	return models.StreamStatus{}, models.StreamStatus{}, fmt.Errorf("update status for %s: %w", streamID, ErrConflict)
}
