package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zpulse/internal/domain"
)

const participantColumns = `id, org_id, identity_key, platform_user_id, username, full_name, phone, email,
	last_activity_at, activity_score, risk_score, merged_into, source, created_at, updated_at`

// ParticipantRepo implements domain.ParticipantRepository for SQLite.
type ParticipantRepo struct {
	db *sql.DB
}

func NewParticipantRepo(db *sql.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

func (r *ParticipantRepo) ListByOrg(ctx context.Context, orgID string) ([]*domain.Participant, error) {
	return queryParticipants(ctx, r.db, "list participants",
		`SELECT `+participantColumns+` FROM participants WHERE org_id = ? ORDER BY created_at, id`, orgID)
}

func (r *ParticipantRepo) ListDuplicates(ctx context.Context, orgID string) ([]*domain.Participant, error) {
	return queryParticipants(ctx, r.db, "list duplicates",
		`SELECT `+participantColumns+` FROM participants
		 WHERE org_id = ? AND merged_into IS NOT NULL ORDER BY updated_at DESC, id`, orgID)
}

func (r *ParticipantRepo) GetByID(ctx context.Context, id string) (*domain.Participant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (r *ParticipantRepo) FindByKeys(ctx context.Context, orgID string, identityKeys []string, platformUserIDs []int64) ([]*domain.Participant, error) {
	if len(identityKeys) == 0 && len(platformUserIDs) == 0 {
		return nil, nil
	}
	// An empty IN () list is valid SQLite and matches nothing.
	args := []any{orgID}
	args = append(args, anyArgs(identityKeys)...)
	args = append(args, anyArgs(platformUserIDs)...)
	return queryParticipants(ctx, r.db, "find participants by keys",
		`SELECT `+participantColumns+` FROM participants
		 WHERE org_id = ? AND merged_into IS NULL
		   AND (identity_key IN (`+placeholders(len(identityKeys))+`)
		        OR platform_user_id IN (`+placeholders(len(platformUserIDs))+`))
		 ORDER BY created_at, id`, args...)
}

func (r *ParticipantRepo) InsertIfAbsent(ctx context.Context, p *domain.Participant) (bool, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Source == "" {
		p.Source = domain.SourceManual
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (`+participantColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		p.ID, p.OrgID, opt(p.IdentityKey), opt(p.PlatformUserID), opt(p.Username), opt(p.FullName),
		opt(p.Phone), opt(p.Email), nullTS(p.LastActivityAt), p.ActivityScore, opt(p.RiskScore),
		opt(p.MergedInto), p.Source, ts(p.CreatedAt), ts(p.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert participant: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert participant: %w", err)
	}
	return n > 0, nil
}

func (r *ParticipantRepo) UpdateDerived(ctx context.Context, p *domain.Participant) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE participants
		 SET username = ?, full_name = ?, last_activity_at = ?, activity_score = ?, risk_score = ?, updated_at = ?
		 WHERE id = ?`,
		opt(p.Username), opt(p.FullName), nullTS(p.LastActivityAt), p.ActivityScore, opt(p.RiskScore),
		ts(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetMergedInto marks a canonical row as a duplicate of targetID. A row that
// is already merged yields domain.ErrConflict.
func (r *ParticipantRepo) SetMergedInto(ctx context.Context, id, targetID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE participants SET merged_into = ?, updated_at = ? WHERE id = ? AND merged_into IS NULL`,
		targetID, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set merged_into: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM participants WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("set merged_into: %w", err)
	}
	return domain.ErrConflict
}

func queryParticipants(ctx context.Context, db *sql.DB, op, q string, args ...any) ([]*domain.Participant, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanParticipant(s scanner) (*domain.Participant, error) {
	var (
		p                                      domain.Participant
		identityKey, username, fullName, phone sql.NullString
		email, mergedInto                      sql.NullString
		platformUserID, riskScore              sql.NullInt64
		lastActivity, createdAt, updatedAt     timeValue
	)
	err := s.Scan(&p.ID, &p.OrgID, &identityKey, &platformUserID, &username, &fullName, &phone, &email,
		&lastActivity, &p.ActivityScore, &riskScore, &mergedInto, &p.Source, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.IdentityKey = strPtr(identityKey)
	p.PlatformUserID = int64Ptr(platformUserID)
	p.Username = strPtr(username)
	p.FullName = strPtr(fullName)
	p.Phone = strPtr(phone)
	p.Email = strPtr(email)
	p.LastActivityAt = lastActivity.ptr()
	p.RiskScore = intPtr(riskScore)
	p.MergedInto = strPtr(mergedInto)
	p.CreatedAt = createdAt.t
	p.UpdatedAt = updatedAt.t
	return &p, nil
}
