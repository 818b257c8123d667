package postgres

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

// ParticipantRepo implements domain.ParticipantRepository for PostgreSQL.
type ParticipantRepo struct {
	db *sql.DB
}

func NewParticipantRepo(db *sql.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

func (r *ParticipantRepo) ListByOrg(ctx context.Context, orgID string) ([]*domain.Participant, error) {
	return r.query(ctx, "list participants",
		`SELECT `+participantColumns+` FROM participants WHERE org_id = $1 ORDER BY created_at, id`, orgID)
}

func (r *ParticipantRepo) ListDuplicates(ctx context.Context, orgID string) ([]*domain.Participant, error) {
	return r.query(ctx, "list duplicates",
		`SELECT `+participantColumns+` FROM participants
		 WHERE org_id = $1 AND merged_into IS NOT NULL ORDER BY updated_at DESC, id`, orgID)
}

func (r *ParticipantRepo) GetByID(ctx context.Context, id string) (*domain.Participant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
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
	if identityKeys == nil {
		identityKeys = []string{}
	}
	if platformUserIDs == nil {
		platformUserIDs = []int64{}
	}
	return r.query(ctx, "find participants by keys",
		`SELECT `+participantColumns+` FROM participants
		 WHERE org_id = $1 AND merged_into IS NULL
		   AND (identity_key = ANY($2) OR platform_user_id = ANY($3))
		 ORDER BY created_at, id`,
		orgID, identityKeys, platformUserIDs)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT DO NOTHING`,
		p.ID, p.OrgID, p.IdentityKey, p.PlatformUserID, p.Username, p.FullName, p.Phone, p.Email,
		nullTime(p.LastActivityAt), p.ActivityScore, p.RiskScore, p.MergedInto, p.Source,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
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
		 SET username = $2, full_name = $3, last_activity_at = $4,
		     activity_score = $5, risk_score = $6, updated_at = $7
		 WHERE id = $1`,
		p.ID, p.Username, p.FullName, nullTime(p.LastActivityAt), p.ActivityScore, p.RiskScore, p.UpdatedAt.UTC(),
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
		`UPDATE participants SET merged_into = $2, updated_at = NOW()
		 WHERE id = $1 AND merged_into IS NULL`, id, targetID)
	if err != nil {
		return fmt.Errorf("set merged_into: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM participants WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("set merged_into: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (r *ParticipantRepo) query(ctx context.Context, op, q string, args ...any) ([]*domain.Participant, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
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
		lastActivity                           sql.NullTime
	)
	err := s.Scan(&p.ID, &p.OrgID, &identityKey, &platformUserID, &username, &fullName, &phone, &email,
		&lastActivity, &p.ActivityScore, &riskScore, &mergedInto, &p.Source, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.IdentityKey = strPtr(identityKey)
	p.PlatformUserID = int64Ptr(platformUserID)
	p.Username = strPtr(username)
	p.FullName = strPtr(fullName)
	p.Phone = strPtr(phone)
	p.Email = strPtr(email)
	p.LastActivityAt = timePtr(lastActivity)
	p.RiskScore = intPtr(riskScore)
	p.MergedInto = strPtr(mergedInto)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
