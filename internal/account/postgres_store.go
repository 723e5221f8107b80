package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/maragf/claude-relay/internal/crypto"
	"github.com/maragf/claude-relay/internal/domain"
)

// PostgresStore is the durable credential store. Cookies and refresh
// tokens are encrypted at rest when an Encryptor is supplied.
type PostgresStore struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

func NewPostgresStore(db *sql.DB, enc *crypto.Encryptor) *PostgresStore {
	return &PostgresStore{db: db, enc: enc}
}

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
    id             TEXT PRIMARY KEY,
    label          TEXT NOT NULL DEFAULT '',
    org_uuid       TEXT NOT NULL DEFAULT '',
    cookie         TEXT NOT NULL DEFAULT '',
    access_token   TEXT NOT NULL DEFAULT '',
    refresh_token  TEXT NOT NULL DEFAULT '',
    token_expires  TIMESTAMPTZ,
    capabilities   TEXT[] NOT NULL DEFAULT '{}',
    health         TEXT NOT NULL DEFAULT 'active',
    resets_at      TIMESTAMPTZ,
    cooling_until  TIMESTAMPTZ,
    last_used      TIMESTAMPTZ NOT NULL DEFAULT now(),
    request_count  BIGINT NOT NULL DEFAULT 0
)`

// Migrate creates the accounts table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createAccountsTable); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	query := `
		SELECT id, label, org_uuid, cookie, access_token, refresh_token, token_expires,
		       capabilities, health, resets_at, cooling_until, last_used, request_count
		FROM accounts
		ORDER BY last_used ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) scanAccount(rows *sql.Rows) (*Account, error) {
	var (
		a            Account
		cookie       string
		access       string
		refresh      string
		tokenExpires sql.NullTime
		capabilities pq.StringArray
		resetsAt     sql.NullTime
		coolingUntil sql.NullTime
	)

	err := rows.Scan(
		&a.ID,
		&a.Label,
		&a.OrgUUID,
		&cookie,
		&access,
		&refresh,
		&tokenExpires,
		&capabilities,
		&a.Health,
		&resetsAt,
		&coolingUntil,
		&a.LastUsed,
		&a.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if cookie != "" {
		if a.Cookie, err = s.open(cookie); err != nil {
			return nil, fmt.Errorf("decrypt cookie for %s: %w", a.ID, err)
		}
	}
	if access != "" || refresh != "" {
		tok := &OAuthToken{AccessToken: access}
		if refresh != "" {
			if tok.RefreshToken, err = s.open(refresh); err != nil {
				return nil, fmt.Errorf("decrypt refresh token for %s: %w", a.ID, err)
			}
		}
		if tokenExpires.Valid {
			tok.ExpiresAt = tokenExpires.Time
		}
		a.OAuth = tok
	}
	a.Capabilities = []string(capabilities)
	if resetsAt.Valid {
		a.ResetsAt = resetsAt.Time
	}
	if coolingUntil.Valid {
		a.CoolingUntil = coolingUntil.Time
	}
	return &a, nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *Account) error {
	query := `
		INSERT INTO accounts (id, label, org_uuid, cookie, access_token, refresh_token, token_expires,
		                      capabilities, health, resets_at, cooling_until, last_used, request_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET label = EXCLUDED.label, org_uuid = EXCLUDED.org_uuid, cookie = EXCLUDED.cookie,
		    access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
		    token_expires = EXCLUDED.token_expires, capabilities = EXCLUDED.capabilities,
		    health = EXCLUDED.health, resets_at = EXCLUDED.resets_at,
		    cooling_until = EXCLUDED.cooling_until
	`

	var access, refresh string
	var tokenExpires sql.NullTime
	if a.OAuth != nil {
		access = a.OAuth.AccessToken
		var err error
		if refresh, err = s.seal(a.OAuth.RefreshToken); err != nil {
			return err
		}
		if !a.OAuth.ExpiresAt.IsZero() {
			tokenExpires = sql.NullTime{Time: a.OAuth.ExpiresAt, Valid: true}
		}
	}
	cookie, err := s.seal(a.Cookie)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.Label,
		a.OrgUUID,
		cookie,
		access,
		refresh,
		tokenExpires,
		pq.Array(a.Capabilities),
		string(a.Health),
		nullTime(a.ResetsAt),
		nullTime(a.CoolingUntil),
		a.LastUsed,
		a.RequestCount,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateHealth(ctx context.Context, id string, health HealthState, resetsAt, coolingUntil time.Time) error {
	query := `
		UPDATE accounts
		SET health = $2, resets_at = $3, cooling_until = $4
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, string(health), nullTime(resetsAt), nullTime(coolingUntil))
	if err != nil {
		return fmt.Errorf("update account health: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateCredentials(ctx context.Context, id string, oauth *OAuthToken, cookie string) error {
	if oauth != nil {
		refresh, err := s.seal(oauth.RefreshToken)
		if err != nil {
			return err
		}
		query := `
			UPDATE accounts
			SET access_token = $2, refresh_token = $3, token_expires = $4
			WHERE id = $1
		`
		if _, err := s.db.ExecContext(ctx, query, id, oauth.AccessToken, refresh, nullTime(oauth.ExpiresAt)); err != nil {
			return fmt.Errorf("update account tokens: %w", err)
		}
	}
	if cookie != "" {
		sealed, err := s.seal(cookie)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET cookie = $2 WHERE id = $1`, id, sealed); err != nil {
			return fmt.Errorf("update account cookie: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) seal(plaintext string) (string, error) {
	if s.enc == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.enc.Encrypt(plaintext)
}

func (s *PostgresStore) open(ciphertext string) (string, error) {
	if s.enc == nil || ciphertext == "" {
		return ciphertext, nil
	}
	return s.enc.Decrypt(ciphertext)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
