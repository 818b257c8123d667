package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zpulse/internal/domain"
)

// ChatRepo implements domain.ChatRepository for PostgreSQL.
type ChatRepo struct {
	db *sql.DB
}

func NewChatRepo(db *sql.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

var _ domain.ChatRepository = (*ChatRepo)(nil)

func (r *ChatRepo) ListChatIDs(ctx context.Context, orgID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT chat_id FROM org_chats WHERE org_id = $1 ORDER BY connected_at, chat_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list chats scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ChatRepo) Connect(ctx context.Context, chat *domain.OrgChat) error {
	if chat.ConnectedAt.IsZero() {
		chat.ConnectedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO org_chats (org_id, chat_id, title, connected_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id, chat_id) DO UPDATE SET title = EXCLUDED.title`,
		chat.OrgID, chat.ChatID, chat.Title, chat.ConnectedAt.UTC())
	if err != nil {
		return fmt.Errorf("connect chat: %w", err)
	}
	return nil
}
