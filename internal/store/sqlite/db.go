package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
)

// timeLayout is fixed width so that text comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps pragmas and in-memory databases shared.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w: %w", domain.ErrDatabaseConnection, err)
	}
	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA busy_timeout = 5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the zpulse schema on SQLite.
// Timestamps are stored as fixed-width UTC text.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			identity_key TEXT,
			platform_user_id INTEGER,
			username TEXT,
			full_name TEXT,
			phone TEXT,
			email TEXT,
			last_activity_at TEXT,
			activity_score INTEGER NOT NULL DEFAULT 0 CHECK (activity_score >= 0),
			risk_score INTEGER CHECK (risk_score IS NULL OR risk_score BETWEEN 0 AND 100),
			merged_into TEXT REFERENCES participants(id),
			source TEXT NOT NULL DEFAULT 'manual',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS org_chats (
			org_id TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			connected_at TEXT NOT NULL,
			PRIMARY KEY (org_id, chat_id)
		);`,
		`CREATE TABLE IF NOT EXISTS identities (
			identity_key TEXT PRIMARY KEY,
			platform_user_id INTEGER UNIQUE,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			full_name TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			org_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			platform_user_id INTEGER,
			identity_key TEXT,
			participant_id TEXT,
			created_at TEXT NOT NULL,
			message_id INTEGER,
			reply_to_message_id INTEGER,
			dedup_key TEXT NOT NULL,
			import_source TEXT NOT NULL DEFAULT 'webhook',
			import_job_id TEXT,
			meta TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS message_details (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			org_id TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL REFERENCES activity_events(id),
			dedup_key TEXT NOT NULL,
			participant_id TEXT,
			platform_user_id INTEGER,
			text TEXT NOT NULL DEFAULT '',
			char_count INTEGER NOT NULL DEFAULT 0,
			word_count INTEGER NOT NULL DEFAULT 0,
			sent_at TEXT NOT NULL,
			UNIQUE (chat_id, dedup_key)
		);`,
		`CREATE TABLE IF NOT EXISTS participant_groups (
			participant_id TEXT NOT NULL REFERENCES participants(id),
			chat_id INTEGER NOT NULL,
			joined_at TEXT NOT NULL,
			left_at TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (participant_id, chat_id)
		);`,
		`CREATE TABLE IF NOT EXISTS import_jobs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			chat_id INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			total_events INTEGER NOT NULL DEFAULT 0,
			processed_offset INTEGER NOT NULL DEFAULT 0,
			imported INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			duplicates INTEGER NOT NULL DEFAULT 0,
			new_participants INTEGER NOT NULL DEFAULT 0,
			matched_participants INTEGER NOT NULL DEFAULT 0,
			details_saved INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			payload BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_participants_identity
			ON participants(org_id, identity_key)
			WHERE merged_into IS NULL AND identity_key IS NOT NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_participants_platform
			ON participants(org_id, platform_user_id)
			WHERE merged_into IS NULL AND platform_user_id IS NOT NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_activity_events_dedup ON activity_events(chat_id, dedup_key);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_org ON participants(org_id);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_chat_created ON activity_events(chat_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_events_participant ON activity_events(participant_id);`,
		`CREATE INDEX IF NOT EXISTS idx_participant_groups_chat ON participant_groups(chat_id);`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_org ON import_jobs(org_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

// mapError translates unique and primary key violations into domain.ErrDuplicate.
func mapError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, se.Error())
		case code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"):
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, se.Error())
		}
	}
	return err
}

func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return ts(*t)
}

// timeValue scans stored text timestamps, including aggregate results.
type timeValue struct {
	t     time.Time
	valid bool
}

func (v *timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		v.t, v.valid = time.Time{}, false
		return nil
	case time.Time:
		v.t, v.valid = x.UTC(), true
		return nil
	case int64:
		v.t, v.valid = time.Unix(x, 0).UTC(), true
		return nil
	case string:
		return v.parse(x)
	case []byte:
		return v.parse(string(x))
	}
	return fmt.Errorf("scan timestamp: unsupported type %T", src)
}

func (v *timeValue) parse(s string) error {
	t, ok := engagement.ParseTimestamp(s)
	if !ok {
		return fmt.Errorf("scan timestamp: unparsable %q", s)
	}
	v.t, v.valid = t, true
	return nil
}

func (v timeValue) ptr() *time.Time {
	if !v.valid {
		return nil
	}
	t := v.t
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anyArgs[T any](xs []T) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
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

// opt dereferences optional values for the driver.
func opt[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
