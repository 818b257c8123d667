package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
	"zpulse/internal/telemetry"
)

// ParticipantList is the outcome of listing an organization's participants.
type ParticipantList struct {
	Participants []*domain.Participant `json:"participants"`
	Backfill     *BackfillResult       `json:"backfill,omitempty"`
	Written      int                   `json:"written"`
	Degraded     []string              `json:"degraded"`
}

// ParticipantService answers "participants of an organization" and manages merges.
type ParticipantService struct {
	participants domain.ParticipantRepository
	backfill     *BackfillService
	metrics      *MetricsService
	logger       *slog.Logger
}

func NewParticipantService(
	participants domain.ParticipantRepository,
	backfill *BackfillService,
	metrics *MetricsService,
	logger *slog.Logger,
) *ParticipantService {
	return &ParticipantService{
		participants: participants,
		backfill:     backfill,
		metrics:      metrics,
		logger:       logger,
	}
}

// List normalizes the stored rows; an empty result triggers a backfill and a
// re-query. Non-empty results are recomputed before they are returned.
func (s *ParticipantService) List(ctx context.Context, orgID string, computeOnly bool) (*ParticipantList, error) {
	ctx, span := telemetry.StartSpan(ctx, "list_participants", attribute.String("org_id", orgID))
	defer span.End()

	rows, err := s.participants.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := &ParticipantList{Degraded: []string{}}
	canonical := NormalizeParticipants(rows)

	if len(canonical) == 0 && !computeOnly {
		res, err := s.backfill.Backfill(ctx, orgID)
		if err != nil {
			s.logger.Warn("backfill failed", "org_id", orgID, "error", err)
			telemetry.DegradedQueries.WithLabelValues("backfill").Inc()
			out.Degraded = append(out.Degraded, "backfill")
		} else {
			out.Backfill = res
			if res.Inserted > 0 {
				rows, err = s.participants.ListByOrg(ctx, orgID)
				if err != nil {
					return nil, fmt.Errorf("re-list participants: %w", err)
				}
				canonical = NormalizeParticipants(rows)
			}
		}
	}

	if len(canonical) == 0 {
		out.Participants = []*domain.Participant{}
		return out, nil
	}

	rec, err := s.metrics.Recompute(ctx, orgID, canonical, computeOnly)
	if err != nil {
		return nil, err
	}
	out.Participants = rec.Participants
	out.Written = rec.Written
	out.Degraded = append(out.Degraded, rec.Degraded...)
	return out, nil
}

// ListDuplicates returns the organization's merged-away records.
func (s *ParticipantService) ListDuplicates(ctx context.Context, orgID string) ([]*domain.Participant, error) {
	dups, err := s.participants.ListDuplicates(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list duplicates: %w", err)
	}
	if dups == nil {
		dups = []*domain.Participant{}
	}
	return dups, nil
}

// Resolve returns the canonical record reached from id.
func (s *ParticipantService) Resolve(ctx context.Context, id string) (*domain.Participant, error) {
	return resolveParticipant(ctx, s.participants, id)
}

// resolveParticipant loads the canonical record at the end of id's merge chain.
func resolveParticipant(ctx context.Context, participants domain.ParticipantRepository, id string) (*domain.Participant, error) {
	parentOf := func(ctx context.Context, id string) (string, error) {
		p, err := participants.GetByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get participant %s: %w", id, err)
		}
		if p.MergedInto == nil {
			return "", nil
		}
		return *p.MergedInto, nil
	}
	canonicalID, err := engagement.ResolveCanonical(ctx, id, parentOf)
	if err != nil {
		return nil, err
	}
	return participants.GetByID(ctx, canonicalID)
}

// Merge marks duplicateID as merged into the canonical record of targetID.
// Both must belong to orgID and the merge must not close a cycle.
func (s *ParticipantService) Merge(ctx context.Context, orgID, duplicateID, targetID string) (*domain.Participant, error) {
	if duplicateID == "" || targetID == "" || duplicateID == targetID {
		return nil, fmt.Errorf("merge %s into %s: %w", duplicateID, targetID, domain.ErrInvalidInput)
	}
	dup, err := s.participants.GetByID(ctx, duplicateID)
	if err != nil {
		return nil, fmt.Errorf("get duplicate: %w", err)
	}
	if dup.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	if dup.IsDuplicate() {
		return nil, fmt.Errorf("participant %s is already merged into %s: %w", dup.ID, *dup.MergedInto, domain.ErrConflict)
	}

	target, err := s.Resolve(ctx, targetID)
	if err != nil {
		if errors.Is(err, domain.ErrMergeCycle) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	if target.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	if target.ID == dup.ID {
		return nil, fmt.Errorf("merge %s into %s: %w", duplicateID, targetID, domain.ErrMergeCycle)
	}

	if err := s.participants.SetMergedInto(ctx, dup.ID, target.ID); err != nil {
		return nil, fmt.Errorf("merge participant: %w", err)
	}
	s.logger.Info("participant merged", "org_id", orgID, "duplicate_id", dup.ID, "target_id", target.ID)
	merged := dup.Clone()
	merged.MergedInto = &target.ID
	return merged, nil
}

// ChatService manages an organization's connected chats.
type ChatService struct {
	chats domain.ChatRepository
}

func NewChatService(chats domain.ChatRepository) *ChatService {
	return &ChatService{chats: chats}
}

func (s *ChatService) Connect(ctx context.Context, chat *domain.OrgChat) error {
	if chat.OrgID == "" || chat.ChatID == 0 {
		return domain.ErrInvalidInput
	}
	if err := s.chats.Connect(ctx, chat); err != nil {
		return fmt.Errorf("connect chat: %w", err)
	}
	return nil
}

func (s *ChatService) List(ctx context.Context, orgID string) ([]int64, error) {
	return s.chats.ListChatIDs(ctx, orgID)
}
