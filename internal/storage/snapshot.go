package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaycast/internal/models"
)

// Snapshot is the JSON store's document, used to move a deployment from the
// JSON datastore to Postgres. Keystores are carried in their stored (possibly
// sealed) form, so both datastores must share the same keystore secret.
type Snapshot struct {
	Streams        map[string]models.Stream        `json:"streams"`
	Accounts       map[string]models.Account       `json:"accounts"`
	StreamAccounts map[string]models.StreamAccount `json:"streamAccounts"`
	Webhooks       map[string]models.Webhook       `json:"webhooks"`
	StreamShares   map[string]models.StreamShare   `json:"streamShares"`
	AccountShares  map[string]models.AccountShare  `json:"accountShares"`
}

// SnapshotCounts summarises the size of each collection in a Snapshot.
type SnapshotCounts struct {
	Streams        int
	Accounts       int
	StreamAccounts int
	Webhooks       int
	StreamShares   int
	AccountShares  int
}

// Counts returns the number of entities per collection.
func (s *Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Streams:        len(s.Streams),
		Accounts:       len(s.Accounts),
		StreamAccounts: len(s.StreamAccounts),
		Webhooks:       len(s.Webhooks),
		StreamShares:   len(s.StreamShares),
		AccountShares:  len(s.AccountShares),
	}
}

// LoadSnapshotFromJSON reads a JSON store file from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot := Snapshot(cloneDataset(data))
	return &snapshot, nil
}

// ImportSnapshot writes every entity of snapshot into Postgres in a single
// transaction. Existing rows with the same keys are left untouched.
func ImportSnapshot(ctx context.Context, pool *pgxpool.Pool, snapshot *Snapshot) error {
	if pool == nil {
		return ErrPostgresUnavailable
	}
	if snapshot == nil {
		return errors.New("snapshot is required")
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	batch := &pgx.Batch{}
	for _, stream := range snapshot.Streams {
		batch.Queue(`INSERT INTO streams (`+streamColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING`,
			stream.ID, stream.UUID, stream.Name, stream.Slug, stream.OwnerID, stream.PreviewRequired,
			stream.PullArgs, jsonObject(stream.Metadata), stream.CreatedAt, stream.UpdatedAt)
	}
	for _, account := range snapshot.Accounts {
		batch.Queue(`INSERT INTO accounts (id, network, name, owner_id, keystore, args, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			account.ID, account.Network, account.Name, account.OwnerID, jsonObject(account.Keystore), account.Args, account.CreatedAt)
	}
	for _, link := range snapshot.StreamAccounts {
		batch.Queue(`INSERT INTO stream_accounts (stream_id, account_id, position, enabled, preview, args, metadata, keystore, rtmp_url, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (stream_id, account_id) DO NOTHING`,
			link.StreamID, link.AccountID, link.Position, link.Enabled, link.Preview, link.Args,
			jsonObject(link.Metadata), jsonObject(link.Keystore), link.RTMPURL, link.CreatedAt)
	}
	for _, hook := range snapshot.Webhooks {
		events := append([]string{}, hook.Events...)
		batch.Queue(`INSERT INTO webhooks (id, stream_id, url, type, events, notes, secret, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			hook.ID, hook.StreamID, hook.URL, normalizeWebhookType(hook.Type), events, hook.Notes, hook.Secret, hook.CreatedAt)
	}
	for _, share := range snapshot.StreamShares {
		batch.Queue(`INSERT INTO stream_shares (stream_id, user_id, level) VALUES ($1, $2, $3) ON CONFLICT (stream_id, user_id) DO NOTHING`,
			share.StreamID, share.UserID, share.Level)
	}
	for _, share := range snapshot.AccountShares {
		batch.Queue(`INSERT INTO account_shares (account_id, user_id, level) VALUES ($1, $2, $3) ON CONFLICT (account_id, user_id) DO NOTHING`,
			share.AccountID, share.UserID, share.Level)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}
