// Package postgres is the PostgreSQL-backed account store.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"crosspost/pkg/platform"
	"crosspost/pkg/store"
)

//go:embed schema.sql
var schema string

const (
	selectColumns = `account_id, platform, external_id, handle, access_token, refresh_token, secondary_token, secondary_token_secret, token_expires_at, connected_at`

	queryAccount = `SELECT ` + selectColumns + ` FROM accounts WHERE account_id = $1`
	queryList    = `SELECT ` + selectColumns + ` FROM accounts ORDER BY account_id`

	querySave = `INSERT INTO accounts (account_id, platform, external_id, handle, access_token, refresh_token, secondary_token, secondary_token_secret, token_expires_at, connected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (account_id) DO UPDATE SET
    platform = EXCLUDED.platform,
    external_id = EXCLUDED.external_id,
    handle = EXCLUDED.handle,
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    secondary_token = EXCLUDED.secondary_token,
    secondary_token_secret = EXCLUDED.secondary_token_secret,
    token_expires_at = EXCLUDED.token_expires_at,
    updated_at = now()`

	queryUpdateCredentials = `UPDATE accounts SET access_token = $2, refresh_token = $3, secondary_token = $4, secondary_token_secret = $5, token_expires_at = $6, updated_at = now() WHERE account_id = $1`
)

type accountRow struct {
	AccountID            string       `db:"account_id"`
	Platform             string       `db:"platform"`
	ExternalID           string       `db:"external_id"`
	Handle               string       `db:"handle"`
	AccessToken          string       `db:"access_token"`
	RefreshToken         string       `db:"refresh_token"`
	SecondaryToken       string       `db:"secondary_token"`
	SecondaryTokenSecret string       `db:"secondary_token_secret"`
	TokenExpiresAt       sql.NullTime `db:"token_expires_at"`
	ConnectedAt          time.Time    `db:"connected_at"`
}

func (r accountRow) account() platform.Account {
	creds := platform.Credentials{
		AccessToken:          r.AccessToken,
		RefreshToken:         r.RefreshToken,
		SecondaryToken:       r.SecondaryToken,
		SecondaryTokenSecret: r.SecondaryTokenSecret,
	}
	if r.TokenExpiresAt.Valid {
		creds.ExpiresAt = r.TokenExpiresAt.Time
	}
	return platform.Account{
		ID:          r.AccountID,
		Platform:    platform.Platform(r.Platform),
		ExternalID:  r.ExternalID,
		Handle:      r.Handle,
		Credentials: creds,
		ConnectedAt: r.ConnectedAt,
	}
}

// Store implements store.TokenStore on PostgreSQL.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to databaseURL.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Account(ctx context.Context, accountID string) (platform.Account, error) {
	var row accountRow
	if err := s.db.GetContext(ctx, &row, queryAccount, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return platform.Account{}, fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
		}
		return platform.Account{}, fmt.Errorf("select account: %w", err)
	}
	return row.account(), nil
}

func (s *Store) Save(ctx context.Context, account platform.Account) error {
	if err := store.Validate(account); err != nil {
		return err
	}
	connectedAt := account.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = s.now().UTC()
	}

	creds := account.Credentials
	_, err := s.db.ExecContext(ctx, querySave,
		account.ID,
		string(account.Platform),
		account.ExternalID,
		account.Handle,
		creds.AccessToken,
		creds.RefreshToken,
		creds.SecondaryToken,
		creds.SecondaryTokenSecret,
		nullTime(creds.ExpiresAt),
		connectedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *Store) UpdateCredentials(ctx context.Context, accountID string, creds platform.Credentials) error {
	res, err := s.db.ExecContext(ctx, queryUpdateCredentials,
		accountID,
		creds.AccessToken,
		creds.RefreshToken,
		creds.SecondaryToken,
		creds.SecondaryTokenSecret,
		nullTime(creds.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, accountID)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]platform.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, queryList); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]platform.Account, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.account())
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
