package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"zpulse/internal/domain"
)

const uniqueViolation = "23505"

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", domain.ErrDatabaseConnection, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate runs idempotent DDL migrations for the zpulse schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id               TEXT        PRIMARY KEY,
			org_id           TEXT        NOT NULL,
			identity_key     TEXT,
			platform_user_id BIGINT,
			username         TEXT,
			full_name        TEXT,
			phone            TEXT,
			email            TEXT,
			last_activity_at TIMESTAMPTZ,
			activity_score   INTEGER     NOT NULL DEFAULT 0,
			risk_score       INTEGER,
			merged_into      TEXT        REFERENCES participants(id),
			source           TEXT        NOT NULL DEFAULT 'manual',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT participants_risk_range CHECK (risk_score IS NULL OR risk_score BETWEEN 0 AND 100),
			CONSTRAINT participants_score_nonneg CHECK (activity_score >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS org_chats (
			org_id       TEXT        NOT NULL,
			chat_id      BIGINT      NOT NULL,
			title        TEXT        NOT NULL DEFAULT '',
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (org_id, chat_id)
		)`,

		`CREATE TABLE IF NOT EXISTS identities (
			identity_key     TEXT        PRIMARY KEY,
			platform_user_id BIGINT      UNIQUE,
			username         TEXT,
			first_name       TEXT,
			last_name        TEXT,
			full_name        TEXT,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS activity_events (
			id                  BIGSERIAL   PRIMARY KEY,
			org_id              TEXT        NOT NULL,
			event_type          TEXT        NOT NULL,
			chat_id             BIGINT      NOT NULL,
			platform_user_id    BIGINT,
			identity_key        TEXT,
			participant_id      TEXT,
			created_at          TIMESTAMPTZ NOT NULL,
			message_id          BIGINT,
			reply_to_message_id BIGINT,
			dedup_key           TEXT        NOT NULL,
			import_source       TEXT        NOT NULL DEFAULT 'webhook',
			import_job_id       TEXT,
			meta                JSONB
		)`,

		`CREATE TABLE IF NOT EXISTS message_details (
			id               BIGSERIAL   PRIMARY KEY,
			org_id           TEXT        NOT NULL,
			chat_id          BIGINT      NOT NULL,
			event_id         BIGINT      NOT NULL REFERENCES activity_events(id),
			dedup_key        TEXT        NOT NULL,
			participant_id   TEXT,
			platform_user_id BIGINT,
			text             TEXT        NOT NULL DEFAULT '',
			char_count       INTEGER     NOT NULL DEFAULT 0,
			word_count       INTEGER     NOT NULL DEFAULT 0,
			sent_at          TIMESTAMPTZ NOT NULL,
			UNIQUE (chat_id, dedup_key)
		)`,

		`CREATE TABLE IF NOT EXISTS participant_groups (
			participant_id TEXT        NOT NULL REFERENCES participants(id),
			chat_id        BIGINT      NOT NULL,
			joined_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			left_at        TIMESTAMPTZ,
			is_active      BOOLEAN     NOT NULL DEFAULT TRUE,
			PRIMARY KEY (participant_id, chat_id)
		)`,

		`CREATE TABLE IF NOT EXISTS import_jobs (
			id                   TEXT        PRIMARY KEY,
			org_id               TEXT        NOT NULL,
			chat_id              BIGINT      NOT NULL,
			source               TEXT        NOT NULL DEFAULT '',
			status               TEXT        NOT NULL DEFAULT 'pending',
			total_events         INTEGER     NOT NULL DEFAULT 0,
			processed_offset     INTEGER     NOT NULL DEFAULT 0,
			imported             INTEGER     NOT NULL DEFAULT 0,
			skipped              INTEGER     NOT NULL DEFAULT 0,
			duplicates           INTEGER     NOT NULL DEFAULT 0,
			new_participants     INTEGER     NOT NULL DEFAULT 0,
			matched_participants INTEGER     NOT NULL DEFAULT 0,
			details_saved        INTEGER     NOT NULL DEFAULT 0,
			error_message        TEXT,
			payload              BYTEA,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at         TIMESTAMPTZ
		)`,

		// At most one canonical record per key within an org.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_participants_identity
			ON participants(org_id, identity_key)
			WHERE merged_into IS NULL AND identity_key IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_participants_platform
			ON participants(org_id, platform_user_id)
			WHERE merged_into IS NULL AND platform_user_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_activity_events_dedup ON activity_events(chat_id, dedup_key)`,

		`CREATE INDEX IF NOT EXISTS idx_participants_org ON participants(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_merged_into ON participants(merged_into)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_chat_created ON activity_events(chat_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_org_created ON activity_events(org_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_participant ON activity_events(participant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_participant_groups_chat ON participant_groups(chat_id) WHERE is_active`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_org ON import_jobs(org_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// mapError translates unique violations into domain.ErrDuplicate.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}
