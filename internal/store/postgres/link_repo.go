package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zpulse/internal/domain"
)

// LinkRepo implements domain.LinkRepository for PostgreSQL.
type LinkRepo struct {
	db *sql.DB
}

func NewLinkRepo(db *sql.DB) *LinkRepo {
	return &LinkRepo{db: db}
}

var _ domain.LinkRepository = (*LinkRepo)(nil)

// Upsert records an active membership. Rejoining clears left_at; the
// original joined_at is kept.
func (r *LinkRepo) Upsert(ctx context.Context, link *domain.ParticipantGroupLink) error {
	if link.JoinedAt.IsZero() {
		link.JoinedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participant_groups (participant_id, chat_id, joined_at, left_at, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (participant_id, chat_id) DO UPDATE SET
		   is_active = EXCLUDED.is_active,
		   left_at   = EXCLUDED.left_at`,
		link.ParticipantID, link.ChatID, link.JoinedAt.UTC(), nullTime(link.LeftAt), link.IsActive)
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

func (r *LinkRepo) MarkLeft(ctx context.Context, participantID string, chatID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participant_groups (participant_id, chat_id, joined_at, left_at, is_active)
		 VALUES ($1, $2, $3, $3, FALSE)
		 ON CONFLICT (participant_id, chat_id) DO UPDATE SET
		   is_active = FALSE,
		   left_at   = EXCLUDED.left_at`,
		participantID, chatID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark left: %w", err)
	}
	return nil
}

func (r *LinkRepo) CountActiveMembers(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participant_groups g
		 JOIN participants p ON p.id = g.participant_id
		 WHERE g.chat_id = $1 AND g.is_active AND p.merged_into IS NULL`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (r *LinkRepo) ListCrossOrgParticipants(ctx context.Context, orgID string, chatIDs []int64) ([]*domain.Participant, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants p
		 WHERE p.org_id <> $1 AND p.merged_into IS NULL
		   AND EXISTS (SELECT 1 FROM participant_groups g
		               WHERE g.participant_id = p.id AND g.chat_id = ANY($2))
		 ORDER BY p.created_at, p.id`, orgID, chatIDs)
	if err != nil {
		return nil, fmt.Errorf("list cross-org participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("list cross-org participants scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
