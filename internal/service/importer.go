package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
	"zpulse/internal/telemetry"
)

// DefaultImportBatchSize is the number of events inserted per batch.
const DefaultImportBatchSize = 500

// Author decisions of an import payload.
const (
	DecisionCreate = "create"
	DecisionMerge  = "merge"
	DecisionSkip   = "skip"
)

// ImportAuthor is an author as produced by an export parser, with an
// optional operator decision.
type ImportAuthor struct {
	Ref            string `json:"ref" validate:"required"`
	PlatformUserID *int64 `json:"platform_user_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	Decision       string `json:"decision,omitempty" validate:"omitempty,oneof=create merge skip"`
	MergeInto      string `json:"merge_into,omitempty" validate:"required_if=Decision merge"`
}

// ImportMessage is one parsed history record.
type ImportMessage struct {
	AuthorRef        string           `json:"author_ref" validate:"required"`
	EventType        domain.EventType `json:"event_type,omitempty" validate:"omitempty,oneof=message join leave"`
	MessageID        *int64           `json:"message_id,omitempty"`
	ReplyToMessageID *int64           `json:"reply_to_message_id,omitempty"`
	CreatedAt        string           `json:"created_at" validate:"required"`
	Text             string           `json:"text,omitempty"`
	HasMedia         bool             `json:"has_media,omitempty"`
}

// ImportPayload is the parsed content of an export file.
type ImportPayload struct {
	Source   string          `json:"source" validate:"required"`
	Authors  []ImportAuthor  `json:"authors" validate:"dive"`
	Messages []ImportMessage `json:"messages" validate:"required,dive"`
}

// ImportProgress is published after every batch and at completion.
type ImportProgress struct {
	ImportID  string               `json:"import_id"`
	Status    string               `json:"status"`
	Processed int                  `json:"processed"`
	Total     int                  `json:"total"`
	Summary   domain.ImportSummary `json:"summary"`
	Error     string               `json:"error,omitempty"`
}

// ProgressPublisher fans import progress out to listeners.
type ProgressPublisher interface {
	PublishProgress(p ImportProgress)
}

// ImportScheduler hands a created job to a background worker.
type ImportScheduler interface {
	EnqueueImport(ctx context.Context, jobID string) error
}

// TextSealer encrypts detail text bound to its row identity.
type TextSealer interface {
	Seal(plain string, aad string) (string, error)
}

// BatchOutcome is the result of reconciling one insert batch.
type BatchOutcome struct {
	Imported       int
	Duplicates     int
	Skipped        int
	DetailsWritten int
	DetailsSaved   int
}

// ImportService runs bulk history imports.
type ImportService struct {
	jobs         domain.ImportJobRepository
	events       domain.EventRepository
	participants domain.ParticipantRepository
	identities   domain.IdentityRepository
	sealer       TextSealer
	progress     ProgressPublisher
	scheduler    ImportScheduler
	logger       *slog.Logger

	BatchSize int
	Now       func() time.Time
}

func NewImportService(
	jobs domain.ImportJobRepository,
	events domain.EventRepository,
	participants domain.ParticipantRepository,
	identities domain.IdentityRepository,
	sealer TextSealer,
	progress ProgressPublisher,
	logger *slog.Logger,
	batchSize int,
) *ImportService {
	if batchSize <= 0 {
		batchSize = DefaultImportBatchSize
	}
	return &ImportService{
		jobs:         jobs,
		events:       events,
		participants: participants,
		identities:   identities,
		sealer:       sealer,
		progress:     progress,
		logger:       logger,
		BatchSize:    batchSize,
		Now:          time.Now,
	}
}

// SetScheduler enables background execution of submitted jobs.
func (s *ImportService) SetScheduler(sch ImportScheduler) {
	s.scheduler = sch
}

// Submit creates a pending job for payload. With async set and a scheduler
// configured the job is queued; otherwise it runs inline.
func (s *ImportService) Submit(ctx context.Context, orgID string, chatID int64, payload ImportPayload, async bool) (*domain.ImportJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := s.Now()
	job := &domain.ImportJob{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		ChatID:      chatID,
		Source:      payload.Source,
		Status:      domain.ImportPending,
		TotalEvents: len(payload.Messages),
		Payload:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	if async && s.scheduler != nil {
		if err := s.scheduler.EnqueueImport(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("enqueue import %s: %w", job.ID, err)
		}
		return job, nil
	}
	return s.Run(ctx, job.ID)
}

// Get returns a job of orgID.
func (s *ImportService) Get(ctx context.Context, orgID, jobID string) (*domain.ImportJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

type resolvedAuthor struct {
	skip           bool
	participantID  *string
	identityKey    *string
	platformUserID *int64
	name           string
	username       string
}

// Run processes a job from its checkpoint to the end. Batches run
// sequentially and a checkpoint is written after each one. A hard store
// failure marks the job failed; committed batches stay.
func (s *ImportService) Run(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load import %s: %w", jobID, err)
	}
	if job.Status == domain.ImportCompleted {
		return job, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "import",
		attribute.String("import_id", job.ID), attribute.Int64("chat_id", job.ChatID))
	defer span.End()

	var payload ImportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return s.fail(ctx, job, fmt.Errorf("decode payload: %w", err))
	}

	job.Status = domain.ImportRunning
	job.ErrorMessage = nil
	job.TotalEvents = len(payload.Messages)
	if err := s.jobs.Checkpoint(ctx, job); err != nil {
		return nil, fmt.Errorf("mark import running: %w", err)
	}

	fresh := job.ProcessedOffset == 0
	authors, err := s.resolveAuthors(ctx, job, payload.Authors, fresh)
	if err != nil {
		return s.fail(ctx, job, err)
	}

	for job.ProcessedOffset < len(payload.Messages) {
		end := min(job.ProcessedOffset+s.BatchSize, len(payload.Messages))
		chunk := payload.Messages[job.ProcessedOffset:end]

		batch, texts, skipped := s.buildBatch(job, payload.Source, chunk, authors)
		out, err := s.ReconcileBatch(ctx, job.OrgID, job.ChatID, batch, texts)
		if err != nil {
			return s.fail(ctx, job, err)
		}

		job.Imported += out.Imported
		job.Duplicates += out.Duplicates
		job.Skipped += out.Skipped + skipped
		job.DetailsSaved += out.DetailsSaved
		job.ProcessedOffset = end
		job.UpdatedAt = s.Now()
		if err := s.jobs.Checkpoint(ctx, job); err != nil {
			return s.fail(ctx, job, fmt.Errorf("checkpoint: %w", err))
		}
		s.publish(job, "")
		s.logger.Debug("import batch done", "import_id", job.ID, "offset", end,
			"imported", out.Imported, "duplicates", out.Duplicates, "skipped", out.Skipped+skipped)
	}

	now := s.Now()
	job.Status = domain.ImportCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := s.jobs.Finish(ctx, job); err != nil {
		return nil, fmt.Errorf("finish import: %w", err)
	}
	telemetry.ImportJobs.WithLabelValues(domain.ImportCompleted).Inc()
	s.publish(job, "")
	s.logger.Info("import completed", "import_id", job.ID, "imported", job.Imported,
		"duplicates", job.Duplicates, "skipped", job.Skipped)
	return job, nil
}

func (s *ImportService) fail(ctx context.Context, job *domain.ImportJob, cause error) (*domain.ImportJob, error) {
	msg := cause.Error()
	now := s.Now()
	job.Status = domain.ImportFailed
	job.ErrorMessage = &msg
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := s.jobs.Finish(ctx, job); err != nil {
		s.logger.Error("mark import failed", "import_id", job.ID, "error", err)
	}
	telemetry.ImportJobs.WithLabelValues(domain.ImportFailed).Inc()
	s.publish(job, msg)
	s.logger.Error("import failed", "import_id", job.ID, "offset", job.ProcessedOffset, "error", cause)
	return job, cause
}

func (s *ImportService) publish(job *domain.ImportJob, errMsg string) {
	if s.progress == nil {
		return
	}
	s.progress.PublishProgress(ImportProgress{
		ImportID:  job.ID,
		Status:    job.Status,
		Processed: job.ProcessedOffset,
		Total:     job.TotalEvents,
		Summary:   job.Summary(),
		Error:     errMsg,
	})
}

// resolveAuthors maps every author to a participant: explicit decisions
// first, then an existing canonical participant, else a new one. Counters are
// only recorded on a fresh run so a resumed job does not count twice.
func (s *ImportService) resolveAuthors(ctx context.Context, job *domain.ImportJob, authors []ImportAuthor, fresh bool) (map[string]*resolvedAuthor, error) {
	out := make(map[string]*resolvedAuthor, len(authors))

	var pids []int64
	for _, a := range authors {
		if a.PlatformUserID != nil {
			pids = append(pids, *a.PlatformUserID)
		}
	}
	identityByPID := map[int64]string{}
	if len(pids) > 0 {
		recs, err := s.identities.ListByPlatformIDs(ctx, pids)
		if err != nil {
			return nil, fmt.Errorf("resolve author identities: %w", err)
		}
		for _, r := range recs {
			if r.PlatformUserID != nil {
				identityByPID[*r.PlatformUserID] = r.IdentityKey
			}
		}
	}

	for _, a := range authors {
		ra := &resolvedAuthor{
			platformUserID: a.PlatformUserID,
			name:           strings.TrimSpace(a.Name),
			username:       domain.NormalizeUsername(a.Username),
		}
		out[a.Ref] = ra
		if a.PlatformUserID != nil {
			if key, ok := identityByPID[*a.PlatformUserID]; ok {
				ra.identityKey = &key
			}
		}

		switch a.Decision {
		case DecisionSkip:
			ra.skip = true
			continue
		case DecisionMerge:
			target, err := resolveParticipant(ctx, s.participants, a.MergeInto)
			if err != nil {
				return nil, fmt.Errorf("author %s: merge target %s: %w", a.Ref, a.MergeInto, err)
			}
			if target.OrgID != job.OrgID {
				return nil, fmt.Errorf("author %s: merge target %s: %w", a.Ref, a.MergeInto, domain.ErrForbidden)
			}
			ra.bind(target)
			if fresh {
				job.MatchedParticipants++
			}
			continue
		}

		if ra.identityKey == nil && ra.platformUserID == nil && a.Decision != DecisionCreate {
			continue
		}

		if p, err := s.findAuthor(ctx, job.OrgID, ra); err != nil {
			return nil, err
		} else if p != nil {
			ra.bind(p)
			if fresh {
				job.MatchedParticipants++
			}
			continue
		}

		now := s.Now()
		p := &domain.Participant{
			ID:             uuid.NewString(),
			OrgID:          job.OrgID,
			IdentityKey:    ra.identityKey,
			PlatformUserID: ra.platformUserID,
			Source:         domain.SourceImport,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if ra.name != "" {
			p.FullName = &ra.name
		}
		if ra.username != "" {
			p.Username = &ra.username
		}
		inserted, err := s.participants.InsertIfAbsent(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("create participant for author %s: %w", a.Ref, err)
		}
		if !inserted {
			existing, err := s.findAuthor(ctx, job.OrgID, ra)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				p = existing
			}
			if fresh {
				job.MatchedParticipants++
			}
		} else if fresh {
			job.NewParticipants++
		}
		ra.bind(p)
	}
	return out, nil
}

func (s *ImportService) findAuthor(ctx context.Context, orgID string, ra *resolvedAuthor) (*domain.Participant, error) {
	var keys []string
	var pids []int64
	if ra.identityKey != nil {
		keys = append(keys, *ra.identityKey)
	}
	if ra.platformUserID != nil {
		pids = append(pids, *ra.platformUserID)
	}
	if len(keys) == 0 && len(pids) == 0 {
		return nil, nil
	}
	found, err := s.participants.FindByKeys(ctx, orgID, keys, pids)
	if err != nil {
		return nil, fmt.Errorf("find participant: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	// Prefer the identity-keyed row.
	for _, p := range found {
		if ra.identityKey != nil && p.IdentityKey != nil && *p.IdentityKey == *ra.identityKey {
			return p, nil
		}
	}
	return found[0], nil
}

func (ra *resolvedAuthor) bind(p *domain.Participant) {
	id := p.ID
	ra.participantID = &id
	if ra.identityKey == nil {
		ra.identityKey = p.IdentityKey
	}
	if ra.platformUserID == nil {
		ra.platformUserID = p.PlatformUserID
	}
}

// buildBatch turns parsed messages into events. Messages with unusable
// timestamps or skipped authors are counted, as are in-batch repeats.
func (s *ImportService) buildBatch(job *domain.ImportJob, source string, chunk []ImportMessage, authors map[string]*resolvedAuthor) ([]*domain.ActivityEvent, map[string]string, int) {
	events := make([]*domain.ActivityEvent, 0, len(chunk))
	texts := make(map[string]string, len(chunk))
	seen := make(map[string]struct{}, len(chunk))
	skipped := 0
	jobID := job.ID

	for _, m := range chunk {
		ra := authors[m.AuthorRef]
		if ra != nil && ra.skip {
			skipped++
			continue
		}
		at, ok := engagement.ParseTimestamp(m.CreatedAt)
		if !ok {
			skipped++
			continue
		}
		if ra == nil {
			ra = &resolvedAuthor{name: m.AuthorRef}
		}
		et := m.EventType
		if et == "" {
			et = domain.EventMessage
		}
		raw := domain.RawMeta{
			SenderName:     ra.name,
			SenderUsername: ra.username,
			Source:         source,
			HasMedia:       m.HasMedia,
		}
		e := &domain.ActivityEvent{
			OrgID:            job.OrgID,
			EventType:        et,
			ChatID:           job.ChatID,
			PlatformUserID:   ra.platformUserID,
			IdentityKey:      ra.identityKey,
			ParticipantID:    ra.participantID,
			CreatedAt:        at,
			MessageID:        m.MessageID,
			ReplyToMessageID: m.ReplyToMessageID,
			ImportSource:     domain.SourceImport,
			ImportJobID:      &jobID,
			Meta:             raw.Typed(et, ra.platformUserID, m.Text),
		}
		domain.AssignDedupKey(e, m.Text)
		if _, dup := seen[e.DedupKey]; dup {
			skipped++
			continue
		}
		seen[e.DedupKey] = struct{}{}
		events = append(events, e)
		if et == domain.EventMessage {
			texts[e.DedupKey] = m.Text
		}
	}
	return events, texts, skipped
}

// ReconcileBatch inserts one batch. On a uniqueness collision the batch's
// dedup keys are mapped to stored event ids (counted as duplicates), the
// remaining events are inserted ignoring conflicts, and events neither
// matched nor written are counted as skipped. Detail records are then written
// for every message event with an id. Only non-uniqueness errors are returned.
func (s *ImportService) ReconcileBatch(ctx context.Context, orgID string, chatID int64, batch []*domain.ActivityEvent, texts map[string]string) (BatchOutcome, error) {
	var out BatchOutcome
	if len(batch) == 0 {
		return out, nil
	}

	err := s.events.InsertBatch(ctx, batch)
	switch {
	case err == nil:
		out.Imported = len(batch)
	case errors.Is(err, domain.ErrDuplicate):
		telemetry.ImportCollisions.Inc()
		if err := s.reconcileCollision(ctx, chatID, batch, &out); err != nil {
			return out, err
		}
	default:
		return out, fmt.Errorf("insert batch: %w", err)
	}

	details := make([]*domain.MessageDetail, 0, len(batch))
	for _, e := range batch {
		if e.ID == 0 || e.EventType != domain.EventMessage {
			continue
		}
		d, err := s.detailFor(orgID, e, texts[e.DedupKey])
		if err != nil {
			return out, err
		}
		details = append(details, d)
	}
	if len(details) > 0 {
		n, err := s.events.UpsertDetails(ctx, details)
		if err != nil {
			return out, fmt.Errorf("write details: %w", err)
		}
		out.DetailsWritten = len(details)
		out.DetailsSaved = n
	}

	telemetry.ImportEvents.WithLabelValues("imported").Add(float64(out.Imported))
	telemetry.ImportEvents.WithLabelValues("duplicate").Add(float64(out.Duplicates))
	telemetry.ImportEvents.WithLabelValues("skipped").Add(float64(out.Skipped))
	return out, nil
}

func (s *ImportService) reconcileCollision(ctx context.Context, chatID int64, batch []*domain.ActivityEvent, out *BatchOutcome) error {
	keys := make([]string, len(batch))
	for i, e := range batch {
		e.ID = 0
		keys[i] = e.DedupKey
	}
	existing, err := s.events.FindByDedupKeys(ctx, chatID, keys)
	if err != nil {
		return fmt.Errorf("look up colliding events: %w", err)
	}

	var remaining []*domain.ActivityEvent
	for _, e := range batch {
		if id, ok := existing[e.DedupKey]; ok {
			e.ID = id
			out.Duplicates++
			continue
		}
		remaining = append(remaining, e)
	}
	if len(remaining) == 0 {
		return nil
	}

	written, err := s.events.InsertIgnoringConflicts(ctx, remaining)
	if err != nil {
		return fmt.Errorf("insert remaining events: %w", err)
	}
	for _, e := range remaining {
		if id, ok := written[e.DedupKey]; ok {
			e.ID = id
			out.Imported++
			continue
		}
		out.Skipped++
		s.logger.Warn("import event neither stored nor matched", "chat_id", chatID, "dedup_key", e.DedupKey)
	}
	return nil
}

func (s *ImportService) detailFor(orgID string, e *domain.ActivityEvent, text string) (*domain.MessageDetail, error) {
	stored := text
	if s.sealer != nil && text != "" {
		sealed, err := s.sealer.Seal(text, DetailAAD(e.ChatID, e.DedupKey))
		if err != nil {
			return nil, fmt.Errorf("seal detail text: %w", err)
		}
		stored = sealed
	}
	return &domain.MessageDetail{
		OrgID:          orgID,
		ChatID:         e.ChatID,
		EventID:        e.ID,
		DedupKey:       e.DedupKey,
		ParticipantID:  e.ParticipantID,
		PlatformUserID: e.PlatformUserID,
		Text:           stored,
		CharCount:      utf8.RuneCountInString(text),
		WordCount:      len(strings.Fields(text)),
		SentAt:         e.CreatedAt,
	}, nil
}

// DetailAAD binds sealed detail text to its row.
func DetailAAD(chatID int64, dedupKey string) string {
	return strconv.FormatInt(chatID, 10) + ":" + dedupKey
}
