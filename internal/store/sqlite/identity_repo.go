package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zpulse/internal/domain"
)

const identityColumns = `identity_key, platform_user_id, username, first_name, last_name, full_name`

// IdentityRepo implements domain.IdentityRepository for SQLite.
type IdentityRepo struct {
	db *sql.DB
}

func NewIdentityRepo(db *sql.DB) *IdentityRepo {
	return &IdentityRepo{db: db}
}

var _ domain.IdentityRepository = (*IdentityRepo)(nil)

func (r *IdentityRepo) ListByKeys(ctx context.Context, keys []string) ([]*domain.IdentityRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return r.query(ctx, "list identities by key",
		`SELECT `+identityColumns+` FROM identities WHERE identity_key IN (`+placeholders(len(keys))+`)`,
		anyArgs(keys)...)
}

func (r *IdentityRepo) ListByPlatformIDs(ctx context.Context, ids []int64) ([]*domain.IdentityRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, "list identities by platform id",
		`SELECT `+identityColumns+` FROM identities WHERE platform_user_id IN (`+placeholders(len(ids))+`)`,
		anyArgs(ids)...)
}

// Upsert stores rec, keeping existing non-empty fields the record leaves blank.
func (r *IdentityRepo) Upsert(ctx context.Context, rec *domain.IdentityRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity_key) DO UPDATE SET
		   platform_user_id = COALESCE(excluded.platform_user_id, identities.platform_user_id),
		   username = COALESCE(excluded.username, identities.username),
		   first_name = COALESCE(excluded.first_name, identities.first_name),
		   last_name = COALESCE(excluded.last_name, identities.last_name),
		   full_name = COALESCE(excluded.full_name, identities.full_name),
		   updated_at = excluded.updated_at`,
		rec.IdentityKey, opt(rec.PlatformUserID), opt(rec.Username), opt(rec.FirstName), opt(rec.LastName),
		opt(rec.FullName), ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", mapError(err))
	}
	return nil
}

func (r *IdentityRepo) query(ctx context.Context, op, q string, args ...any) ([]*domain.IdentityRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*domain.IdentityRecord
	for rows.Next() {
		var (
			rec                             domain.IdentityRecord
			pid                             sql.NullInt64
			username, first, last, fullName sql.NullString
		)
		if err := rows.Scan(&rec.IdentityKey, &pid, &username, &first, &last, &fullName); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		rec.PlatformUserID = int64Ptr(pid)
		rec.Username = strPtr(username)
		rec.FirstName = strPtr(first)
		rec.LastName = strPtr(last)
		rec.FullName = strPtr(fullName)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
