package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zpulse/internal/domain"
)

// LinkRepo implements domain.LinkRepository for SQLite.
type LinkRepo struct {
	db *sql.DB
}

func NewLinkRepo(db *sql.DB) *LinkRepo {
	return &LinkRepo{db: db}
}

var _ domain.LinkRepository = (*LinkRepo)(nil)

// Upsert records a membership. Rejoining clears left_at; the original
// joined_at is kept.
func (r *LinkRepo) Upsert(ctx context.Context, link *domain.ParticipantGroupLink) error {
	if link.JoinedAt.IsZero() {
		link.JoinedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participant_groups (participant_id, chat_id, joined_at, left_at, is_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (participant_id, chat_id) DO UPDATE SET
		   is_active = excluded.is_active,
		   left_at = excluded.left_at`,
		link.ParticipantID, link.ChatID, ts(link.JoinedAt), nullTS(link.LeftAt), link.IsActive)
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

func (r *LinkRepo) MarkLeft(ctx context.Context, participantID string, chatID int64, at time.Time) error {
	stamp := ts(at)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participant_groups (participant_id, chat_id, joined_at, left_at, is_active)
		 VALUES (?, ?, ?, ?, FALSE)
		 ON CONFLICT (participant_id, chat_id) DO UPDATE SET
		   is_active = FALSE,
		   left_at = excluded.left_at`,
		participantID, chatID, stamp, stamp)
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
		 WHERE g.chat_id = ? AND g.is_active AND p.merged_into IS NULL`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (r *LinkRepo) ListCrossOrgParticipants(ctx context.Context, orgID string, chatIDs []int64) ([]*domain.Participant, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	args := append([]any{orgID}, anyArgs(chatIDs)...)
	return queryParticipants(ctx, r.db, "list cross-org participants",
		`SELECT `+participantColumns+` FROM participants p
		 WHERE p.org_id <> ? AND p.merged_into IS NULL
		   AND EXISTS (SELECT 1 FROM participant_groups g
		               WHERE g.participant_id = p.id AND g.chat_id IN (`+placeholders(len(chatIDs))+`))
		 ORDER BY p.created_at, p.id`, args...)
}
