package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zpulse/internal/domain"
)

const importJobColumns = `id, org_id, chat_id, source, status, total_events, processed_offset,
	imported, skipped, duplicates, new_participants, matched_participants, details_saved,
	error_message, payload, created_at, updated_at, completed_at`

// ImportJobRepo implements domain.ImportJobRepository for PostgreSQL.
type ImportJobRepo struct {
	db *sql.DB
}

func NewImportJobRepo(db *sql.DB) *ImportJobRepo {
	return &ImportJobRepo{db: db}
}

var _ domain.ImportJobRepository = (*ImportJobRepo)(nil)

func (r *ImportJobRepo) Create(ctx context.Context, job *domain.ImportJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = domain.ImportPending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_jobs (`+importJobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.OrgID, job.ChatID, job.Source, job.Status, job.TotalEvents, job.ProcessedOffset,
		job.Imported, job.Skipped, job.Duplicates, job.NewParticipants, job.MatchedParticipants, job.DetailsSaved,
		job.ErrorMessage, job.Payload, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create import job: %w", mapError(err))
	}
	return nil
}

func (r *ImportJobRepo) GetByID(ctx context.Context, id string) (*domain.ImportJob, error) {
	var (
		job       domain.ImportJob
		errMsg    sql.NullString
		completed sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+importJobColumns+` FROM import_jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.OrgID, &job.ChatID, &job.Source, &job.Status, &job.TotalEvents, &job.ProcessedOffset,
		&job.Imported, &job.Skipped, &job.Duplicates, &job.NewParticipants, &job.MatchedParticipants, &job.DetailsSaved,
		&errMsg, &job.Payload, &job.CreatedAt, &job.UpdatedAt, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	job.ErrorMessage = strPtr(errMsg)
	job.CompletedAt = timePtr(completed)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// Checkpoint persists progress counters and the processed offset.
func (r *ImportJobRepo) Checkpoint(ctx context.Context, job *domain.ImportJob) error {
	return r.update(ctx, "checkpoint import job", job)
}

// Finish persists the terminal status and completion time.
func (r *ImportJobRepo) Finish(ctx context.Context, job *domain.ImportJob) error {
	if job.CompletedAt == nil {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return r.update(ctx, "finish import job", job)
}

func (r *ImportJobRepo) update(ctx context.Context, op string, job *domain.ImportJob) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE import_jobs SET
		   status = $2, total_events = $3, processed_offset = $4, imported = $5, skipped = $6,
		   duplicates = $7, new_participants = $8, matched_participants = $9, details_saved = $10,
		   error_message = $11, updated_at = $12, completed_at = $13
		 WHERE id = $1`,
		job.ID, job.Status, job.TotalEvents, job.ProcessedOffset, job.Imported, job.Skipped,
		job.Duplicates, job.NewParticipants, job.MatchedParticipants, job.DetailsSaved,
		job.ErrorMessage, job.UpdatedAt.UTC(), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
