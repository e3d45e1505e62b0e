package storage

import (
	"context"
	"errors"

	"relaycast/internal/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPostgresUnavailable is returned when no Postgres DSN is configured.
	ErrPostgresUnavailable = errors.New("postgres repository unavailable")
)

// CreateStreamParams captures the attributes set when creating a stream.
type CreateStreamParams struct {
	Name            string
	OwnerID         string
	PreviewRequired bool
	PullArgs        string
	Metadata        map[string]string
}

// CreateAccountParams captures the attributes set when registering an account.
type CreateAccountParams struct {
	Network  string
	Name     string
	OwnerID  string
	Keystore models.Keystore
	Args     string
}

// LinkParams attaches an account to a stream as a destination.
type LinkParams struct {
	StreamID  string
	AccountID string
	Position  int
	Enabled   bool
	Preview   bool
	Args      string
	Metadata  map[string]string
	Keystore  models.Keystore
}

// CreateWebhookParams captures the attributes of a new webhook.
type CreateWebhookParams struct {
	StreamID string
	URL      string
	Type     string
	Events   []string
	Notes    string
	Secret   string
}

// Repository exposes the persistent entities the orchestrator reads and the
// few fields it writes back.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, error)
	StreamByID(ctx context.Context, id string) (models.Stream, error)
	StreamByUUID(ctx context.Context, uuid string) (models.Stream, error)
	ListStreams(ctx context.Context) ([]models.Stream, error)
	UpdateStreamMetadata(ctx context.Context, id string, metadata map[string]string) (models.Stream, error)
	DeleteStream(ctx context.Context, id string) error

	CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, error)
	AccountByID(ctx context.Context, id string) (models.Account, error)
	UpdateAccountKeystore(ctx context.Context, id string, keystore models.Keystore) (models.Account, error)

	LinkAccount(ctx context.Context, params LinkParams) (models.StreamAccount, error)
	Destinations(ctx context.Context, streamID string) ([]models.Destination, error)
	SetDestinationURL(ctx context.Context, streamID, accountID, url string) error

	CreateWebhook(ctx context.Context, params CreateWebhookParams) (models.Webhook, error)
	ListWebhooks(ctx context.Context, streamID string) ([]models.Webhook, error)

	ShareStream(ctx context.Context, share models.StreamShare) error
	ShareAccount(ctx context.Context, share models.AccountShare) error
	StreamShares(ctx context.Context, streamID string) ([]models.StreamShare, error)
	AccountShares(ctx context.Context, accountID string) ([]models.AccountShare, error)
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
