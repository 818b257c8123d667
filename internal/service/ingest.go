package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
	"zpulse/internal/telemetry"
)

// Ingestion transports.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// IngestResult describes what one live event changed.
type IngestResult struct {
	EventID            int64   `json:"event_id"`
	DedupKey           string  `json:"dedup_key"`
	Duplicate          bool    `json:"duplicate"`
	ParticipantID      *string `json:"participant_id,omitempty"`
	CreatedParticipant bool    `json:"created_participant"`
}

// IngestService normalizes live activity records into stored events.
// Re-delivery of the same record is detected by its dedup key.
type IngestService struct {
	events       domain.EventRepository
	participants domain.ParticipantRepository
	identities   domain.IdentityRepository
	links        domain.LinkRepository
	chats        domain.ChatRepository
	sealer       TextSealer
	logger       *slog.Logger

	Now func() time.Time
}

func NewIngestService(
	events domain.EventRepository,
	participants domain.ParticipantRepository,
	identities domain.IdentityRepository,
	links domain.LinkRepository,
	chats domain.ChatRepository,
	sealer TextSealer,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		events:       events,
		participants: participants,
		identities:   identities,
		links:        links,
		chats:        chats,
		sealer:       sealer,
		logger:       logger,
		Now:          time.Now,
	}
}

// Ingest stores one raw event for orgID. transport labels the metrics
// ("http", "kafka").
func (s *IngestService) Ingest(ctx context.Context, orgID string, raw domain.RawEvent, transport string) (*IngestResult, error) {
	res, err := s.ingest(ctx, orgID, raw, transport)
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound):
		telemetry.IngestedEvents.WithLabelValues(transport, "invalid").Inc()
	case err != nil:
		telemetry.IngestedEvents.WithLabelValues(transport, "error").Inc()
	case res.Duplicate:
		telemetry.IngestedEvents.WithLabelValues(transport, "duplicate").Inc()
	default:
		telemetry.IngestedEvents.WithLabelValues(transport, "inserted").Inc()
	}
	return res, err
}

func (s *IngestService) ingest(ctx context.Context, orgID string, raw domain.RawEvent, transport string) (*IngestResult, error) {
	if !raw.EventType.Valid() {
		return nil, fmt.Errorf("event type %q: %w", raw.EventType, domain.ErrInvalidInput)
	}
	at, ok := engagement.ParseTimestamp(raw.CreatedAt)
	if !ok {
		return nil, fmt.Errorf("created_at %q: %w", raw.CreatedAt, domain.ErrInvalidInput)
	}
	chatIDs, err := s.chats.ListChatIDs(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if !slices.Contains(chatIDs, raw.ChatID) {
		return nil, fmt.Errorf("chat %d is not connected: %w", raw.ChatID, domain.ErrNotFound)
	}

	meta := raw.Meta.Typed(raw.EventType, raw.PlatformUserID, raw.Text)
	e := &domain.ActivityEvent{
		OrgID:            orgID,
		EventType:        raw.EventType,
		ChatID:           raw.ChatID,
		PlatformUserID:   raw.PlatformUserID,
		CreatedAt:        at,
		MessageID:        raw.MessageID,
		ReplyToMessageID: raw.ReplyToMessageID,
		ImportSource:     domain.SourceWebhook,
		Meta:             meta,
	}
	if transport == TransportKafka {
		e.ImportSource = TransportKafka
	}

	res := &IngestResult{}
	if raw.PlatformUserID != nil {
		p, created, err := s.ensureParticipant(ctx, orgID, *raw.PlatformUserID, domain.CommonOf(meta).Sender, at)
		if err != nil {
			return nil, err
		}
		id := p.ID
		e.ParticipantID = &id
		e.IdentityKey = p.IdentityKey
		res.ParticipantID = &id
		res.CreatedParticipant = created
	}

	domain.AssignDedupKey(e, raw.Text)
	res.DedupKey = e.DedupKey

	written, err := s.events.InsertIgnoringConflicts(ctx, []*domain.ActivityEvent{e})
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, inserted := written[e.DedupKey]
	if !inserted {
		existing, err := s.events.FindByDedupKeys(ctx, e.ChatID, []string{e.DedupKey})
		if err != nil {
			return nil, fmt.Errorf("look up existing event: %w", err)
		}
		res.EventID = existing[e.DedupKey]
		res.Duplicate = true
		return res, nil
	}
	e.ID = id
	res.EventID = id

	if e.EventType == domain.EventMessage && raw.Text != "" {
		if err := s.writeDetail(ctx, e, raw.Text); err != nil {
			return nil, err
		}
	}
	if e.ParticipantID != nil {
		if err := s.updateMembership(ctx, e); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ensureParticipant returns the canonical participant of the sender, creating it when absent.
func (s *IngestService) ensureParticipant(ctx context.Context, orgID string, platformUserID int64, sender domain.Sender, at time.Time) (*domain.Participant, bool, error) {
	var keys []string
	recs, err := s.identities.ListByPlatformIDs(ctx, []int64{platformUserID})
	if err != nil {
		return nil, false, fmt.Errorf("resolve identity: %w", err)
	}
	var identityKey *string
	if len(recs) > 0 {
		k := recs[0].IdentityKey
		identityKey = &k
		keys = append(keys, k)
	}

	find := func() (*domain.Participant, error) {
		found, err := s.participants.FindByKeys(ctx, orgID, keys, []int64{platformUserID})
		if err != nil {
			return nil, fmt.Errorf("find participant: %w", err)
		}
		if len(found) == 0 {
			return nil, nil
		}
		return found[0], nil
	}
	if p, err := find(); err != nil || p != nil {
		return p, false, err
	}

	now := s.Now()
	pid := platformUserID
	p := &domain.Participant{
		ID:             uuid.NewString(),
		OrgID:          orgID,
		IdentityKey:    identityKey,
		PlatformUserID: &pid,
		LastActivityAt: &at,
		Source:         domain.SourceWebhook,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if n := strings.TrimSpace(sender.Name); n != "" {
		p.FullName = &n
	}
	if sender.Username != "" {
		u := sender.Username
		p.Username = &u
	}
	inserted, err := s.participants.InsertIfAbsent(ctx, p)
	if err != nil {
		return nil, false, fmt.Errorf("create participant: %w", err)
	}
	if inserted {
		return p, true, nil
	}
	existing, err := find()
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("participant for %d vanished: %w", platformUserID, domain.ErrConflict)
	}
	return existing, false, nil
}

func (s *IngestService) writeDetail(ctx context.Context, e *domain.ActivityEvent, text string) error {
	stored := text
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(text, DetailAAD(e.ChatID, e.DedupKey))
		if err != nil {
			return fmt.Errorf("seal detail text: %w", err)
		}
		stored = sealed
	}
	_, err := s.events.UpsertDetails(ctx, []*domain.MessageDetail{{
		OrgID:          e.OrgID,
		ChatID:         e.ChatID,
		EventID:        e.ID,
		DedupKey:       e.DedupKey,
		ParticipantID:  e.ParticipantID,
		PlatformUserID: e.PlatformUserID,
		Text:           stored,
		CharCount:      utf8.RuneCountInString(text),
		WordCount:      len(strings.Fields(text)),
		SentAt:         e.CreatedAt,
	}})
	if err != nil {
		return fmt.Errorf("write detail: %w", err)
	}
	return nil
}

func (s *IngestService) updateMembership(ctx context.Context, e *domain.ActivityEvent) error {
	switch e.EventType {
	case domain.EventLeave:
		if err := s.links.MarkLeft(ctx, *e.ParticipantID, e.ChatID, e.CreatedAt); err != nil {
			return fmt.Errorf("mark left: %w", err)
		}
	default:
		link := &domain.ParticipantGroupLink{
			ParticipantID: *e.ParticipantID,
			ChatID:        e.ChatID,
			JoinedAt:      e.CreatedAt,
			IsActive:      true,
		}
		if err := s.links.Upsert(ctx, link); err != nil {
			return fmt.Errorf("upsert membership: %w", err)
		}
	}
	return nil
}
