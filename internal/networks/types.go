package networks

import (
	"context"
	"net/http"

	"relaycast/internal/models"
)

// Adapter is implemented by every destination network. The orchestrator
// treats all adapters uniformly through this contract.
type Adapter interface {
	// Name returns the network identifier accounts reference.
	Name() string
	// PushStart begins forwarding the stream to the destination and returns
	// the transport URL the media worker should push to.
	PushStart(ctx context.Context, account models.Account, target Target) (string, error)
	// PushStop ends forwarding. Failures are the adapter's concern; callers do
	// not inspect a result.
	PushStop(ctx context.Context, account models.Account, target Target)
	// NotifyUpdate relays an ingest heartbeat to the destination.
	NotifyUpdate(ctx context.Context, account models.Account, target Target) error
	// CheckErrors validates account credentials for configuration screens.
	// Only the account is inspected; destination keystore overrides are not
	// visible here.
	CheckErrors(ctx context.Context, account models.Account) []ValidationError
	// MetadataFields describes per-destination metadata persisted verbatim.
	MetadataFields() []Field
	// AllowSharing reports whether accounts on this network may be shared.
	AllowSharing() bool
}

// Target is the destination side of an adapter call: the stream being pushed
// and the per-destination link state.
type Target struct {
	Stream models.Stream
	Link   models.StreamAccount
}

// Field describes one per-destination metadata entry.
type Field struct {
	Key   string `json:"key" yaml:"key"`
	Type  string `json:"type" yaml:"type"`
	Label string `json:"label" yaml:"label"`
}

// ValidationError reports a problem with an account's configuration.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Endpoint is an extra HTTP route contributed by an adapter. Path is relative
// to the network's mount point.
type Endpoint struct {
	Method  string
	Path    string
	Handler http.Handler
}

// EndpointProvider is implemented by adapters exposing extra HTTP routes.
type EndpointProvider interface {
	Endpoints() []Endpoint
}

// Provisioner is implemented by adapters that can register an account with
// the remote network. It returns the keystore to persist on the account.
type Provisioner interface {
	Provision(ctx context.Context, account models.Account) (models.Keystore, error)
}
