package sqlite

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

// ImportJobRepo implements domain.ImportJobRepository for SQLite.
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgID, job.ChatID, job.Source, job.Status, job.TotalEvents, job.ProcessedOffset,
		job.Imported, job.Skipped, job.Duplicates, job.NewParticipants, job.MatchedParticipants, job.DetailsSaved,
		opt(job.ErrorMessage), job.Payload, ts(job.CreatedAt), ts(job.UpdatedAt), nullTS(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create import job: %w", mapError(err))
	}
	return nil
}

func (r *ImportJobRepo) GetByID(ctx context.Context, id string) (*domain.ImportJob, error) {
	var (
		job                             domain.ImportJob
		errMsg                          sql.NullString
		createdAt, updatedAt, completed timeValue
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+importJobColumns+` FROM import_jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.OrgID, &job.ChatID, &job.Source, &job.Status, &job.TotalEvents, &job.ProcessedOffset,
		&job.Imported, &job.Skipped, &job.Duplicates, &job.NewParticipants, &job.MatchedParticipants, &job.DetailsSaved,
		&errMsg, &job.Payload, &createdAt, &updatedAt, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	job.ErrorMessage = strPtr(errMsg)
	job.CreatedAt = createdAt.t
	job.UpdatedAt = updatedAt.t
	job.CompletedAt = completed.ptr()
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
		   status = ?, total_events = ?, processed_offset = ?, imported = ?, skipped = ?,
		   duplicates = ?, new_participants = ?, matched_participants = ?, details_saved = ?,
		   error_message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		job.Status, job.TotalEvents, job.ProcessedOffset, job.Imported, job.Skipped,
		job.Duplicates, job.NewParticipants, job.MatchedParticipants, job.DetailsSaved,
		opt(job.ErrorMessage), ts(job.UpdatedAt), nullTS(job.CompletedAt), job.ID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
