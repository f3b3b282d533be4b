package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/n3health/pix/internal/platform/db"
)

// PGTokenStore is a PostgreSQL-backed implementation of TokenStore.
type PGTokenStore struct {
	pool *pgxpool.Pool
}

// NewPGTokenStore creates a token store backed by the given pool.
func NewPGTokenStore(pool *pgxpool.Pool) *PGTokenStore {
	return &PGTokenStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn returns the transaction bound to ctx if one exists, else the pool.
func (s *PGTokenStore) conn(ctx context.Context) querier {
	if tx, ok := db.TxFromContext(ctx); ok {
		return tx
	}
	return s.pool
}

const tokenColumns = `id, name, token_hash, org_scopes, status, expires_at, created_at, revoked_at, last_used_at`

func scanToken(row pgx.Row) (*AccessToken, error) {
	var t AccessToken
	err := row.Scan(
		&t.ID, &t.Name, &t.TokenHash, &t.OrgScopes, &t.Status,
		&t.ExpiresAt, &t.CreatedAt, &t.RevokedAt, &t.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("scan access token: %w", err)
	}
	return &t, nil
}

// Create implements TokenStore.
func (s *PGTokenStore) Create(ctx context.Context, token *AccessToken) error {
	_, err := s.conn(ctx).Exec(ctx, `
        INSERT INTO access_token (id, name, token_hash, org_scopes, status, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		token.ID, token.Name, token.TokenHash, token.OrgScopes,
		token.Status, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

// GetByID implements TokenStore.
func (s *PGTokenStore) GetByID(ctx context.Context, id string) (*AccessToken, error) {
	row := s.conn(ctx).QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM access_token WHERE id = $1`, id)
	return scanToken(row)
}

// GetByHash implements TokenStore.
func (s *PGTokenStore) GetByHash(ctx context.Context, hash string) (*AccessToken, error) {
	row := s.conn(ctx).QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM access_token WHERE token_hash = $1`, hash)
	return scanToken(row)
}

// List implements TokenStore.
func (s *PGTokenStore) List(ctx context.Context, limit, offset int) ([]*AccessToken, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_token`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count access tokens: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+tokenColumns+` FROM access_token ORDER BY created_at LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list access tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, 0, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate access tokens: %w", err)
	}
	return tokens, total, nil
}

// Update implements TokenStore.
func (s *PGTokenStore) Update(ctx context.Context, token *AccessToken) error {
	tag, err := s.conn(ctx).Exec(ctx, `
        UPDATE access_token
        SET name = $2, token_hash = $3, org_scopes = $4, status = $5,
            expires_at = $6, revoked_at = $7, last_used_at = $8
        WHERE id = $1`,
		token.ID, token.Name, token.TokenHash, token.OrgScopes,
		token.Status, token.ExpiresAt, token.RevokedAt, token.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// Delete implements TokenStore.
func (s *PGTokenStore) Delete(ctx context.Context, id string) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM access_token WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}
