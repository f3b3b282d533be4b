package pix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/n3health/pix/internal/platform/db"
	"github.com/n3health/pix/internal/platform/fault"
	"github.com/n3health/pix/pkg/pagination"
)

// PGRepository is the PostgreSQL-backed identity store.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a repository backed by the given pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn returns the transaction bound to ctx if one exists, else the pool.
func (r *PGRepository) conn(ctx context.Context) querier {
	if tx, ok := db.TxFromContext(ctx); ok {
		return tx
	}
	return r.pool
}

// inTx runs fn inside the ambient transaction if one is present, otherwise
// inside a fresh one.
func (r *PGRepository) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := db.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return db.RunInTx(ctx, r.pool, fn)
}

const identityColumns = `id, family_name, given_name, middle_name, birth_date, sex, death_time, active, merged_into, created_at, updated_at`

const aliasColumns = `id, identity_id, org_id, source_id, family_name, given_name, middle_name, birth_date, sex, death_time, created_at, updated_at`

func scanIdentity(row pgx.Row) (*Identity, error) {
	var i Identity
	err := row.Scan(
		&i.ID, &i.FamilyName, &i.GivenName, &i.MiddleName, &i.BirthDate,
		&i.Sex, &i.DeathTime, &i.Active, &i.MergedInto, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.ErrNotFound
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return &i, nil
}

func scanAlias(row pgx.Row) (*Alias, error) {
	var a Alias
	err := row.Scan(
		&a.ID, &a.IdentityID, &a.OrgID, &a.SourceID, &a.FamilyName,
		&a.GivenName, &a.MiddleName, &a.BirthDate, &a.Sex, &a.DeathTime,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.ErrNotFound
		}
		return nil, fmt.Errorf("scan alias: %w", err)
	}
	return &a, nil
}

// CreateIdentity implements Repository. Identity and first alias land in one
// transaction.
func (r *PGRepository) CreateIdentity(ctx context.Context, identity *Identity, alias *Alias) error {
	return r.inTx(ctx, func(ctx context.Context) error {
		if err := r.insertIdentity(ctx, identity); err != nil {
			return err
		}
		return r.insertAlias(ctx, alias)
	})
}

func (r *PGRepository) insertIdentity(ctx context.Context, i *Identity) error {
	_, err := r.conn(ctx).Exec(ctx, `
        INSERT INTO identity (id, family_name, given_name, middle_name, family_norm, given_norm,
                              birth_date, sex, death_time, active, merged_into, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		i.ID, i.FamilyName, i.GivenName, i.MiddleName,
		NormalizeName(i.FamilyName), NormalizeName(i.GivenName),
		i.BirthDate, i.Sex, i.DeathTime, i.Active, i.MergedInto, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (r *PGRepository) insertAlias(ctx context.Context, a *Alias) error {
	_, err := r.conn(ctx).Exec(ctx, `
        INSERT INTO alias (id, identity_id, org_id, source_id, family_name, given_name, middle_name,
                           family_norm, given_norm, birth_date, sex, death_time, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.IdentityID, a.OrgID, a.SourceID, a.FamilyName, a.GivenName, a.MiddleName,
		NormalizeName(a.FamilyName), NormalizeName(a.GivenName),
		a.BirthDate, a.Sex, a.DeathTime, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alias: %w", err)
	}
	return nil
}

// AttachAlias implements Repository.
func (r *PGRepository) AttachAlias(ctx context.Context, alias *Alias) error {
	return r.insertAlias(ctx, alias)
}

// FindByAlias implements Repository.
func (r *PGRepository) FindByAlias(ctx context.Context, orgID, sourceID string) (*Alias, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+aliasColumns+` FROM alias WHERE org_id = $1 AND source_id = $2`,
		orgID, sourceID)
	return scanAlias(row)
}

// FindByFingerprint implements Repository.
func (r *PGRepository) FindByFingerprint(ctx context.Context, familyNorm, givenNorm string, birthDate time.Time) ([]*Identity, error) {
	rows, err := r.conn(ctx).Query(ctx, `
        SELECT `+identityColumns+` FROM identity
        WHERE active AND family_norm = $1 AND given_norm = $2 AND birth_date = $3::date
        ORDER BY id`,
		familyNorm, givenNorm, birthDate)
	if err != nil {
		return nil, fmt.Errorf("fingerprint query: %w", err)
	}
	defer rows.Close()

	var result []*Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return result, nil
}

// GetIdentity implements Repository.
func (r *PGRepository) GetIdentity(ctx context.Context, id uuid.UUID) (*Identity, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identity WHERE id = $1`, id)
	return scanIdentity(row)
}

// UpdateIdentity implements Repository.
func (r *PGRepository) UpdateIdentity(ctx context.Context, i *Identity) error {
	tag, err := r.conn(ctx).Exec(ctx, `
        UPDATE identity
        SET family_name = $2, given_name = $3, middle_name = $4,
            family_norm = $5, given_norm = $6, birth_date = $7, sex = $8,
            death_time = $9, active = $10, merged_into = $11, updated_at = $12
        WHERE id = $1`,
		i.ID, i.FamilyName, i.GivenName, i.MiddleName,
		NormalizeName(i.FamilyName), NormalizeName(i.GivenName),
		i.BirthDate, i.Sex, i.DeathTime, i.Active, i.MergedInto, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// UpdateAlias implements Repository.
func (r *PGRepository) UpdateAlias(ctx context.Context, a *Alias) error {
	tag, err := r.conn(ctx).Exec(ctx, `
        UPDATE alias
        SET family_name = $2, given_name = $3, middle_name = $4,
            family_norm = $5, given_norm = $6, birth_date = $7, sex = $8,
            death_time = $9, updated_at = $10
        WHERE id = $1`,
		a.ID, a.FamilyName, a.GivenName, a.MiddleName,
		NormalizeName(a.FamilyName), NormalizeName(a.GivenName),
		a.BirthDate, a.Sex, a.DeathTime, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// AliasesForIdentity implements Repository.
func (r *PGRepository) AliasesForIdentity(ctx context.Context, identityID uuid.UUID) ([]*Alias, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+aliasColumns+` FROM alias WHERE identity_id = $1 ORDER BY org_id, source_id`,
		identityID)
	if err != nil {
		return nil, fmt.Errorf("aliases query: %w", err)
	}
	defer rows.Close()

	var result []*Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aliases: %w", err)
	}
	return result, nil
}

// Search implements Repository.
func (r *PGRepository) Search(ctx context.Context, q SearchQuery) ([]*PatientView, int, error) {
	if q.SourceType == SourceTypeRegistry {
		return r.searchRegistry(ctx, q)
	}
	return r.searchMIS(ctx, q)
}

func (r *PGRepository) searchRegistry(ctx context.Context, q SearchQuery) ([]*PatientView, int, error) {
	where := []string{"i.active", "v.org_id = $1"}
	args := []any{q.OrgID}

	addCriterion := func(clause string, value any) {
		args = append(args, value)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	c := q.Criteria
	if c.FamilyName != "" {
		addCriterion("i.family_norm = ?", NormalizeName(c.FamilyName))
	}
	if c.GivenName != "" {
		addCriterion("i.given_norm = ?", NormalizeName(c.GivenName))
	}
	if c.BirthDate != nil {
		addCriterion("i.birth_date = ?::date", *c.BirthDate)
	}
	if c.Sex != 0 {
		addCriterion("i.sex = ?", c.Sex)
	}
	if c.SourceID != "" {
		addCriterion("v.source_id = ?", c.SourceID)
	}

	base := ` FROM identity i JOIN alias v ON v.identity_id = i.id WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count registry search: %w", err)
	}

	// One row per org alias: golden demographics, the caller's own ids.
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT i.id, v.org_id, v.source_id, i.family_name, i.given_name, i.middle_name, i.birth_date, i.sex, i.death_time`+
			base+` ORDER BY i.id, v.org_id, v.source_id `+pageParams(q.Limit, q.Offset).SQL(),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("registry search: %w", err)
	}
	defer rows.Close()

	var views []*PatientView
	for rows.Next() {
		var v PatientView
		if err := rows.Scan(&v.IdentityID, &v.OrgID, &v.SourceID, &v.FamilyName, &v.GivenName,
			&v.MiddleName, &v.BirthDate, &v.Sex, &v.DeathTime); err != nil {
			return nil, 0, fmt.Errorf("scan registry view: %w", err)
		}
		views = append(views, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate registry views: %w", err)
	}
	return views, total, nil
}

func (r *PGRepository) searchMIS(ctx context.Context, q SearchQuery) ([]*PatientView, int, error) {
	where := []string{"a.identity_id IN (SELECT identity_id FROM alias WHERE org_id = $1)"}
	args := []any{q.OrgID}

	addCriterion := func(clause string, value any) {
		args = append(args, value)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	c := q.Criteria
	if c.SourceID != "" {
		addCriterion("a.source_id = ?", c.SourceID)
	}
	if c.FamilyName != "" {
		addCriterion("a.family_norm = ?", NormalizeName(c.FamilyName))
	}
	if c.GivenName != "" {
		addCriterion("a.given_norm = ?", NormalizeName(c.GivenName))
	}
	if c.BirthDate != nil {
		addCriterion("a.birth_date = ?::date", *c.BirthDate)
	}
	if c.Sex != 0 {
		addCriterion("a.sex = ?", c.Sex)
	}

	base := ` FROM alias a WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count mis search: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT a.identity_id, a.org_id, a.source_id, a.family_name, a.given_name, a.middle_name, a.birth_date, a.sex, a.death_time`+
			base+` ORDER BY a.identity_id, a.org_id, a.source_id `+pageParams(q.Limit, q.Offset).SQL(),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("mis search: %w", err)
	}
	defer rows.Close()

	var views []*PatientView
	for rows.Next() {
		var v PatientView
		if err := rows.Scan(&v.IdentityID, &v.OrgID, &v.SourceID, &v.FamilyName, &v.GivenName,
			&v.MiddleName, &v.BirthDate, &v.Sex, &v.DeathTime); err != nil {
			return nil, 0, fmt.Errorf("scan mis view: %w", err)
		}
		views = append(views, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate mis views: %w", err)
	}
	return views, total, nil
}

// pageParams clamps the page to the shared pagination bounds. The clause is
// rendered with pagination.Params.SQL; limit and offset are integers, never
// caller strings.
func pageParams(limit, offset int) pagination.Params {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	if limit > pagination.MaxLimit {
		limit = pagination.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return pagination.Params{Limit: limit, Offset: offset}
}

// Merge implements Repository. Alias repointing and source retirement happen
// in one transaction.
func (r *PGRepository) Merge(ctx context.Context, sourceID, targetID uuid.UUID) error {
	return r.inTx(ctx, func(ctx context.Context) error {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM identity WHERE id = $1)`, targetID).Scan(&exists); err != nil {
			return fmt.Errorf("check target identity: %w", err)
		}
		if !exists {
			return fault.ErrNotFound
		}

		if _, err := r.conn(ctx).Exec(ctx,
			`UPDATE alias SET identity_id = $2, updated_at = NOW() WHERE identity_id = $1`,
			sourceID, targetID); err != nil {
			return fmt.Errorf("repoint aliases: %w", err)
		}

		tag, err := r.conn(ctx).Exec(ctx,
			`UPDATE identity SET active = FALSE, merged_into = $2, updated_at = NOW() WHERE id = $1`,
			sourceID, targetID)
		if err != nil {
			return fmt.Errorf("retire source identity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fault.ErrNotFound
		}
		return nil
	})
}
