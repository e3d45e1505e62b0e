package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaycast/internal/keystore"
	"relaycast/internal/models"
)

type postgresRepository struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	sealer *keystore.Sealer
	now    func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure database migrations have been applied prior to invoking this
// constructor.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	return newPostgresRepository(dsn, opts...)
}

func newPostgresRepository(dsn string, opts ...Option) (*postgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required: %w", ErrPostgresUnavailable)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg, sealer: cfg.Sealer, now: cfg.Clock}, nil
}

// Pool exposes the underlying pool for migrations and snapshot imports.
func (r *postgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a pooled connection bounded by the acquire timeout and
// hands it to fn. The same deadline bounds fn.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

const streamColumns = `id, uuid, name, slug, owner_id, preview_required, pull_args, metadata, created_at, updated_at`

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	err := row.Scan(
		&stream.ID,
		&stream.UUID,
		&stream.Name,
		&stream.Slug,
		&stream.OwnerID,
		&stream.PreviewRequired,
		&stream.PullArgs,
		&stream.Metadata,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if len(stream.Metadata) == 0 {
		stream.Metadata = nil
	}
	return stream, err
}

func (r *postgresRepository) CreateStream(ctx context.Context, params CreateStreamParams) (models.Stream, error) {
	if err := validateStreamParams(params); err != nil {
		return models.Stream{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Stream{}, err
	}
	streamUUID, err := generateStreamUUID()
	if err != nil {
		return models.Stream{}, err
	}
	now := r.now()
	stream := models.Stream{
		ID:              id,
		UUID:            streamUUID,
		Name:            strings.TrimSpace(params.Name),
		Slug:            Slugify(params.Name),
		OwnerID:         strings.TrimSpace(params.OwnerID),
		PreviewRequired: params.PreviewRequired,
		PullArgs:        params.PullArgs,
		Metadata:        cloneMetadata(params.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `INSERT INTO streams (`+streamColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			stream.ID, stream.UUID, stream.Name, stream.Slug, stream.OwnerID, stream.PreviewRequired,
			stream.PullArgs, jsonObject(stream.Metadata), stream.CreatedAt, stream.UpdatedAt)
		return err
	})
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) StreamByID(ctx context.Context, id string) (models.Stream, error) {
	var stream models.Stream
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		stream, err = scanStream(conn.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("load stream %s: %w", id, err)
	}
	return stream, nil
}

func (r *postgresRepository) StreamByUUID(ctx context.Context, value string) (models.Stream, error) {
	canonical, ok := NormalizeUUID(value)
	if !ok {
		return models.Stream{}, fmt.Errorf("stream uuid %q: %w", value, ErrNotFound)
	}
	var stream models.Stream
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		stream, err = scanStream(conn.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE uuid = $1`, canonical))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream uuid %s: %w", canonical, ErrNotFound)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("load stream uuid %s: %w", canonical, err)
	}
	return stream, nil
}

func (r *postgresRepository) ListStreams(ctx context.Context) ([]models.Stream, error) {
	var streams []models.Stream
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+streamColumns+` FROM streams ORDER BY created_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			stream, err := scanStream(rows)
			if err != nil {
				return err
			}
			streams = append(streams, stream)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return streams, nil
}

func (r *postgresRepository) UpdateStreamMetadata(ctx context.Context, id string, metadata map[string]string) (models.Stream, error) {
	var stream models.Stream
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		stream, err = scanStream(conn.QueryRow(ctx,
			`UPDATE streams SET metadata = $2, updated_at = $3 WHERE id = $1 RETURNING `+streamColumns,
			id, jsonObject(metadata), r.now()))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("update stream %s: %w", id, err)
	}
	return stream, nil
}

func (r *postgresRepository) DeleteStream(ctx context.Context, id string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete stream %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stream %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (r *postgresRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, error) {
	if err := validateAccountParams(params); err != nil {
		return models.Account{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}
	sealed, err := r.sealer.Seal(params.Keystore)
	if err != nil {
		return models.Account{}, err
	}
	account := models.Account{
		ID:        id,
		Network:   strings.ToLower(strings.TrimSpace(params.Network)),
		Name:      strings.TrimSpace(params.Name),
		OwnerID:   strings.TrimSpace(params.OwnerID),
		Args:      params.Args,
		CreatedAt: r.now(),
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO accounts (id, network, name, owner_id, keystore, args, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			account.ID, account.Network, account.Name, account.OwnerID, jsonObject(sealed), account.Args, account.CreatedAt)
		return err
	})
	if err != nil {
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	account.Keystore = params.Keystore.Clone()
	return account, nil
}

func (r *postgresRepository) AccountByID(ctx context.Context, id string) (models.Account, error) {
	var account models.Account
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT id, network, name, owner_id, keystore, args, created_at FROM accounts WHERE id = $1`, id,
		).Scan(&account.ID, &account.Network, &account.Name, &account.OwnerID, &account.Keystore, &account.Args, &account.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}
	return r.openAccount(account)
}

func (r *postgresRepository) UpdateAccountKeystore(ctx context.Context, id string, ks models.Keystore) (models.Account, error) {
	sealed, err := r.sealer.Seal(ks)
	if err != nil {
		return models.Account{}, err
	}
	var account models.Account
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`UPDATE accounts SET keystore = $2 WHERE id = $1 RETURNING id, network, name, owner_id, args, created_at`,
			id, jsonObject(sealed),
		).Scan(&account.ID, &account.Network, &account.Name, &account.OwnerID, &account.Args, &account.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("update account %s: %w", id, err)
	}
	account.Keystore = ks.Clone()
	return account, nil
}

func (r *postgresRepository) openAccount(account models.Account) (models.Account, error) {
	opened, err := r.sealer.Open(account.Keystore)
	if err != nil {
		return models.Account{}, fmt.Errorf("account %s keystore: %w", account.ID, err)
	}
	account.Keystore = opened
	return account, nil
}

func (r *postgresRepository) LinkAccount(ctx context.Context, params LinkParams) (models.StreamAccount, error) {
	if err := validateLinkParams(params); err != nil {
		return models.StreamAccount{}, err
	}
	sealed, err := r.sealer.Seal(params.Keystore)
	if err != nil {
		return models.StreamAccount{}, err
	}
	link := models.StreamAccount{
		StreamID:  params.StreamID,
		AccountID: params.AccountID,
		Position:  params.Position,
		Enabled:   params.Enabled,
		Preview:   params.Preview,
		Args:      params.Args,
		Metadata:  cloneMetadata(params.Metadata),
		CreatedAt: r.now(),
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			INSERT INTO stream_accounts (stream_id, account_id, position, enabled, preview, args, metadata, keystore, created_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
			WHERE EXISTS (SELECT 1 FROM streams WHERE id = $1) AND EXISTS (SELECT 1 FROM accounts WHERE id = $2)
			ON CONFLICT (stream_id, account_id) DO UPDATE SET
				position = EXCLUDED.position,
				enabled = EXCLUDED.enabled,
				preview = EXCLUDED.preview,
				args = EXCLUDED.args,
				metadata = EXCLUDED.metadata,
				keystore = EXCLUDED.keystore
			RETURNING rtmp_url, created_at`,
			link.StreamID, link.AccountID, link.Position, link.Enabled, link.Preview, link.Args,
			jsonObject(link.Metadata), jsonObject(sealed), link.CreatedAt,
		).Scan(&link.RTMPURL, &link.CreatedAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamAccount{}, fmt.Errorf("link %s to %s: %w", params.AccountID, params.StreamID, ErrNotFound)
	}
	if err != nil {
		return models.StreamAccount{}, fmt.Errorf("link account: %w", err)
	}
	link.Keystore = params.Keystore.Clone()
	return link, nil
}

func (r *postgresRepository) Destinations(ctx context.Context, streamID string) ([]models.Destination, error) {
	var dests []models.Destination
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM streams WHERE id = $1)`, streamID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
		}
		rows, err := conn.Query(ctx, `
			SELECT a.id, a.network, a.name, a.owner_id, a.keystore, a.args, a.created_at,
			       sa.position, sa.enabled, sa.preview, sa.args, sa.metadata, sa.keystore, sa.rtmp_url, sa.created_at
			FROM stream_accounts sa
			JOIN accounts a ON a.id = sa.account_id
			WHERE sa.stream_id = $1
			ORDER BY sa.position, a.id`, streamID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var dest models.Destination
			if err := rows.Scan(
				&dest.Account.ID, &dest.Account.Network, &dest.Account.Name, &dest.Account.OwnerID,
				&dest.Account.Keystore, &dest.Account.Args, &dest.Account.CreatedAt,
				&dest.Link.Position, &dest.Link.Enabled, &dest.Link.Preview, &dest.Link.Args,
				&dest.Link.Metadata, &dest.Link.Keystore, &dest.Link.RTMPURL, &dest.Link.CreatedAt,
			); err != nil {
				return err
			}
			dest.Link.StreamID = streamID
			dest.Link.AccountID = dest.Account.ID
			dests = append(dests, dest)
		}
		return rows.Err()
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("list destinations for %s: %w", streamID, err)
	}
	for i := range dests {
		account, err := r.openAccount(dests[i].Account)
		if err != nil {
			return nil, err
		}
		linkKeystore, err := r.sealer.Open(dests[i].Link.Keystore)
		if err != nil {
			return nil, fmt.Errorf("destination %s keystore: %w", dests[i].Link.AccountID, err)
		}
		dests[i].Account = account
		dests[i].Link.Keystore = linkKeystore
	}
	models.SortDestinations(dests)
	return dests, nil
}

func (r *postgresRepository) SetDestinationURL(ctx context.Context, streamID, accountID, url string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `UPDATE stream_accounts SET rtmp_url = $3 WHERE stream_id = $1 AND account_id = $2`, streamID, accountID, url)
		if err != nil {
			return fmt.Errorf("set destination url: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("destination %s on stream %s: %w", accountID, streamID, ErrNotFound)
		}
		return nil
	})
}

func (r *postgresRepository) CreateWebhook(ctx context.Context, params CreateWebhookParams) (models.Webhook, error) {
	if err := validateWebhookParams(params); err != nil {
		return models.Webhook{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Webhook{}, err
	}
	hook := models.Webhook{
		ID:        id,
		StreamID:  params.StreamID,
		URL:       strings.TrimSpace(params.URL),
		Type:      normalizeWebhookType(params.Type),
		Events:    append([]string{}, params.Events...),
		Notes:     params.Notes,
		Secret:    params.Secret,
		CreatedAt: r.now(),
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			INSERT INTO webhooks (id, stream_id, url, type, events, notes, secret, created_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8
			WHERE EXISTS (SELECT 1 FROM streams WHERE id = $2)`,
			hook.ID, hook.StreamID, hook.URL, hook.Type, hook.Events, hook.Notes, hook.Secret, hook.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stream %s: %w", hook.StreamID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return models.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	return hook, nil
}

func (r *postgresRepository) ListWebhooks(ctx context.Context, streamID string) ([]models.Webhook, error) {
	var hooks []models.Webhook
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, stream_id, url, type, events, notes, secret, created_at
			FROM webhooks WHERE stream_id = $1 ORDER BY created_at, id`, streamID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var hook models.Webhook
			if err := rows.Scan(&hook.ID, &hook.StreamID, &hook.URL, &hook.Type, &hook.Events, &hook.Notes, &hook.Secret, &hook.CreatedAt); err != nil {
				return err
			}
			hooks = append(hooks, hook)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list webhooks for %s: %w", streamID, err)
	}
	return hooks, nil
}

func (r *postgresRepository) ShareStream(ctx context.Context, share models.StreamShare) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			INSERT INTO stream_shares (stream_id, user_id, level)
			SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM streams WHERE id = $1)
			ON CONFLICT (stream_id, user_id) DO UPDATE SET level = EXCLUDED.level`,
			share.StreamID, share.UserID, share.Level)
		if err != nil {
			return fmt.Errorf("share stream: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stream %s: %w", share.StreamID, ErrNotFound)
		}
		return nil
	})
}

func (r *postgresRepository) ShareAccount(ctx context.Context, share models.AccountShare) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			INSERT INTO account_shares (account_id, user_id, level)
			SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM accounts WHERE id = $1)
			ON CONFLICT (account_id, user_id) DO UPDATE SET level = EXCLUDED.level`,
			share.AccountID, share.UserID, share.Level)
		if err != nil {
			return fmt.Errorf("share account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s: %w", share.AccountID, ErrNotFound)
		}
		return nil
	})
}

func (r *postgresRepository) StreamShares(ctx context.Context, streamID string) ([]models.StreamShare, error) {
	var shares []models.StreamShare
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT stream_id, user_id, level FROM stream_shares WHERE stream_id = $1 ORDER BY user_id`, streamID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var share models.StreamShare
			if err := rows.Scan(&share.StreamID, &share.UserID, &share.Level); err != nil {
				return err
			}
			shares = append(shares, share)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list stream shares: %w", err)
	}
	return shares, nil
}

func (r *postgresRepository) AccountShares(ctx context.Context, accountID string) ([]models.AccountShare, error) {
	var shares []models.AccountShare
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT account_id, user_id, level FROM account_shares WHERE account_id = $1 ORDER BY user_id`, accountID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var share models.AccountShare
			if err := rows.Scan(&share.AccountID, &share.UserID, &share.Level); err != nil {
				return err
			}
			shares = append(shares, share)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list account shares: %w", err)
	}
	return shares, nil
}

// jsonObject substitutes an empty map for nil so JSONB columns never receive
// SQL NULL.
func jsonObject[M ~map[string]string](m M) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return map[string]string(m)
}
