package orchestrator

import (
	"errors"
	"fmt"

	"relaycast/internal/permissions"
	"relaycast/internal/storage"
)

var (
	// ErrNotFound is returned when a stream, account or destination does not
	// exist. Nothing is mutated.
	ErrNotFound = storage.ErrNotFound
	// ErrForbidden is returned when the requester lacks the required level.
	ErrForbidden = permissions.ErrForbidden
	// ErrInvalidState is returned when the stream's status does not satisfy
	// the operation's precondition.
	ErrInvalidState = errors.New("invalid stream state")
	// ErrNotLive is returned by playback lookups on idle streams.
	ErrNotLive = errors.New("stream is not live")
	// ErrUnsupported is returned when a network does not implement an
	// optional capability.
	ErrUnsupported = errors.New("operation not supported by network")
)

// Adapter operations named in AdapterError.
const (
	OpPushStart    = "push_start"
	OpNotifyUpdate = "notify_update"
	OpProvision    = "provision"
)

// AdapterError reports a failed network adapter call for one destination.
type AdapterError struct {
	Op        string
	Network   string
	Account   string
	AccountID string
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s on %s destination %q: %v", e.Op, e.Network, e.Account, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
