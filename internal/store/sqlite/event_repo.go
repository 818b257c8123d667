package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"zpulse/internal/domain"
)

const eventColumns = `id, org_id, event_type, chat_id, platform_user_id, identity_key, participant_id,
	created_at, message_id, reply_to_message_id, dedup_key, import_source, import_job_id, meta`

const eventInsertColumns = `org_id, event_type, chat_id, platform_user_id, identity_key, participant_id,
	created_at, message_id, reply_to_message_id, dedup_key, import_source, import_job_id, meta`

const eventInsertArity = 13

// EventRepo implements domain.EventRepository for SQLite.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

var _ domain.EventRepository = (*EventRepo)(nil)

func (r *EventRepo) ListForChats(ctx context.Context, orgID string, chatIDs []int64, limit int) ([]*domain.ActivityEvent, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	args := append([]any{orgID}, anyArgs(chatIDs)...)
	args = append(args, limit)
	return r.query(ctx, "list events",
		`SELECT `+eventColumns+` FROM activity_events
		 WHERE org_id = ? AND chat_id IN (`+placeholders(len(chatIDs))+`)
		 ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
}

func (r *EventRepo) ListWindow(ctx context.Context, chatID int64, since, until time.Time, limit int) ([]*domain.ActivityEvent, error) {
	events, err := r.query(ctx, "list window",
		`SELECT `+eventColumns+` FROM activity_events
		 WHERE chat_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, ts(since), ts(until), limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

func (r *EventRepo) AggregateBySender(ctx context.Context, chatIDs []int64) ([]domain.ActivityAggregate, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT identity_key,
		        CASE WHEN identity_key IS NULL THEN platform_user_id END AS sender_id,
		        COUNT(*), MAX(created_at)
		 FROM activity_events
		 WHERE chat_id IN (`+placeholders(len(chatIDs))+`)
		   AND (identity_key IS NOT NULL OR platform_user_id IS NOT NULL)
		 GROUP BY 1, 2`, anyArgs(chatIDs)...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by sender: %w", err)
	}
	defer rows.Close()

	var out []domain.ActivityAggregate
	for rows.Next() {
		var (
			key  sql.NullString
			pid  sql.NullInt64
			last timeValue
			agg  domain.ActivityAggregate
		)
		if err := rows.Scan(&key, &pid, &agg.EventCount, &last); err != nil {
			return nil, fmt.Errorf("aggregate by sender scan: %w", err)
		}
		agg.IdentityKey = strPtr(key)
		agg.PlatformUserID = int64Ptr(pid)
		agg.LastActivity = last.ptr()
		out = append(out, agg)
	}
	return out, rows.Err()
}

func (r *EventRepo) AggregateByParticipant(ctx context.Context, participantIDs []string) ([]domain.ActivityAggregate, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT participant_id, COUNT(*), MAX(created_at)
		 FROM activity_events WHERE participant_id IN (`+placeholders(len(participantIDs))+`)
		 GROUP BY participant_id`, anyArgs(participantIDs)...)
	if err != nil {
		return nil, fmt.Errorf("aggregate by participant: %w", err)
	}
	defer rows.Close()

	var out []domain.ActivityAggregate
	for rows.Next() {
		var (
			id   string
			last timeValue
			agg  domain.ActivityAggregate
		)
		if err := rows.Scan(&id, &agg.EventCount, &last); err != nil {
			return nil, fmt.Errorf("aggregate by participant scan: %w", err)
		}
		agg.ParticipantID = &id
		agg.LastActivity = last.ptr()
		out = append(out, agg)
	}
	return out, rows.Err()
}

// InsertBatch writes all events in one statement. On success each event's ID is set.
func (r *EventRepo) InsertBatch(ctx context.Context, events []*domain.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	q, args, err := buildEventInsert(events, "")
	if err != nil {
		return err
	}
	ids, err := r.insertReturning(ctx, q, args)
	if err != nil {
		return err
	}
	assignIDs(events, ids)
	return nil
}

func (r *EventRepo) InsertIgnoringConflicts(ctx context.Context, events []*domain.ActivityEvent) (map[string]int64, error) {
	if len(events) == 0 {
		return map[string]int64{}, nil
	}
	q, args, err := buildEventInsert(events, " ON CONFLICT (chat_id, dedup_key) DO NOTHING")
	if err != nil {
		return nil, err
	}
	ids, err := r.insertReturning(ctx, q, args)
	if err != nil {
		return nil, err
	}
	assignIDs(events, ids)
	return ids, nil
}

func (r *EventRepo) FindByDedupKeys(ctx context.Context, chatID int64, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := append([]any{chatID}, anyArgs(keys)...)
	rows, err := r.db.QueryContext(ctx,
		`SELECT dedup_key, id FROM activity_events
		 WHERE chat_id = ? AND dedup_key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("find by dedup keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			id  int64
		)
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("find by dedup keys scan: %w", err)
		}
		out[key] = id
	}
	return out, rows.Err()
}

func (r *EventRepo) UpsertDetails(ctx context.Context, details []*domain.MessageDetail) (int, error) {
	if len(details) == 0 {
		return 0, nil
	}
	const arity = 10
	row := "(" + placeholders(arity) + ")"
	var sb strings.Builder
	sb.WriteString(`INSERT INTO message_details
		(org_id, chat_id, event_id, dedup_key, participant_id, platform_user_id, text, char_count, word_count, sent_at)
		VALUES `)
	args := make([]any, 0, len(details)*arity)
	for i, d := range details {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		args = append(args, d.OrgID, d.ChatID, d.EventID, d.DedupKey, opt(d.ParticipantID), opt(d.PlatformUserID),
			d.Text, d.CharCount, d.WordCount, ts(d.SentAt))
	}
	sb.WriteString(" ON CONFLICT (chat_id, dedup_key) DO NOTHING")

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("upsert details: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("upsert details: %w", err)
	}
	return int(n), nil
}

func (r *EventRepo) insertReturning(ctx context.Context, q string, args []any) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("insert events: %w", mapError(err))
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var (
			id  int64
			key string
		)
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("insert events scan: %w", mapError(err))
		}
		ids[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insert events: %w", mapError(err))
	}
	return ids, nil
}

func (r *EventRepo) query(ctx context.Context, op, q string, args ...any) ([]*domain.ActivityEvent, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*domain.ActivityEvent
	for rows.Next() {
		var (
			e                              domain.ActivityEvent
			platformUserID, msgID, replyTo sql.NullInt64
			identityKey, participantID     sql.NullString
			jobID, meta                    sql.NullString
			createdAt                      timeValue
		)
		err := rows.Scan(&e.ID, &e.OrgID, &e.EventType, &e.ChatID, &platformUserID, &identityKey, &participantID,
			&createdAt, &msgID, &replyTo, &e.DedupKey, &e.ImportSource, &jobID, &meta)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		e.PlatformUserID = int64Ptr(platformUserID)
		e.IdentityKey = strPtr(identityKey)
		e.ParticipantID = strPtr(participantID)
		e.MessageID = int64Ptr(msgID)
		e.ReplyToMessageID = int64Ptr(replyTo)
		e.ImportJobID = strPtr(jobID)
		e.CreatedAt = createdAt.t
		if e.Meta, err = domain.DecodeMeta([]byte(meta.String)); err != nil {
			return nil, fmt.Errorf("%s event %d: %w", op, e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func buildEventInsert(events []*domain.ActivityEvent, conflict string) (string, []any, error) {
	row := "(" + placeholders(eventInsertArity) + ")"
	var sb strings.Builder
	sb.WriteString("INSERT INTO activity_events (" + eventInsertColumns + ") VALUES ")
	args := make([]any, 0, len(events)*eventInsertArity)
	for i, e := range events {
		meta, err := domain.EncodeMeta(e.Meta)
		if err != nil {
			return "", nil, err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(row)
		var metaArg any
		if meta != nil {
			metaArg = string(meta)
		}
		args = append(args, e.OrgID, string(e.EventType), e.ChatID, opt(e.PlatformUserID), opt(e.IdentityKey),
			opt(e.ParticipantID), ts(e.CreatedAt), opt(e.MessageID), opt(e.ReplyToMessageID), e.DedupKey,
			e.ImportSource, opt(e.ImportJobID), metaArg)
	}
	sb.WriteString(conflict)
	sb.WriteString(" RETURNING id, dedup_key")
	return sb.String(), args, nil
}

func assignIDs(events []*domain.ActivityEvent, ids map[string]int64) {
	for _, e := range events {
		if id, ok := ids[e.DedupKey]; ok {
			e.ID = id
		}
	}
}
