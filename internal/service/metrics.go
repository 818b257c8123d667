package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
	"zpulse/internal/telemetry"
)

// UsernameLookup resolves a platform username for a chat member. Implementations are best-effort.
type UsernameLookup interface {
	LookupUsername(ctx context.Context, chatID, platformUserID int64) (string, error)
}

// RecomputeResult holds refreshed canonical participants.
type RecomputeResult struct {
	Participants []*domain.Participant
	Written      int
	Degraded     []string
}

// MetricsService recomputes recency, activity and risk for canonical participants.
type MetricsService struct {
	participants domain.ParticipantRepository
	events       domain.EventRepository
	identities   domain.IdentityRepository
	chats        domain.ChatRepository
	lookup       UsernameLookup
	logger       *slog.Logger

	SideQueryTimeout time.Duration
	Now              func() time.Time
}

func NewMetricsService(
	participants domain.ParticipantRepository,
	events domain.EventRepository,
	identities domain.IdentityRepository,
	chats domain.ChatRepository,
	lookup UsernameLookup,
	logger *slog.Logger,
	sideQueryTimeout time.Duration,
) *MetricsService {
	return &MetricsService{
		participants:     participants,
		events:           events,
		identities:       identities,
		chats:            chats,
		lookup:           lookup,
		logger:           logger,
		SideQueryTimeout: sideQueryTimeout,
		Now:              time.Now,
	}
}

// Recompute refreshes derived fields of rows, which must be canonical. Only
// changed rows are persisted, and nothing is persisted when computeOnly is set.
// The input rows are not modified.
func (s *MetricsService) Recompute(ctx context.Context, orgID string, rows []*domain.Participant, computeOnly bool) (*RecomputeResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "recompute_metrics",
		attribute.String("org_id", orgID), attribute.Int("participants", len(rows)))
	defer span.End()

	degraded := &Degraded{}
	refreshed := make([]*domain.Participant, len(rows))
	for i, p := range rows {
		refreshed[i] = p.Clone()
	}
	if len(refreshed) == 0 {
		return &RecomputeResult{Participants: refreshed, Degraded: degraded.List()}, nil
	}

	chatIDs := BestEffort(ctx, s.logger, degraded, "chats", s.SideQueryTimeout, func(ctx context.Context) ([]int64, error) {
		return s.chats.ListChatIDs(ctx, orgID)
	})

	s.fillNames(ctx, refreshed, chatIDs, degraded)

	var (
		byIdentity = map[string]*domain.Participant{}
		byPlatform = map[int64]*domain.Participant{}
		counts     = map[string]int{}
		lasts      = map[string]*time.Time{}
	)
	for _, p := range refreshed {
		if p.IdentityKey != nil && *p.IdentityKey != "" {
			byIdentity[*p.IdentityKey] = p
		}
		if p.PlatformUserID != nil {
			if _, ok := byPlatform[*p.PlatformUserID]; !ok {
				byPlatform[*p.PlatformUserID] = p
			}
		}
	}
	touch := func(p *domain.Participant, agg domain.ActivityAggregate) {
		counts[p.ID] += agg.EventCount
		lasts[p.ID] = engagement.Latest(lasts[p.ID], agg.LastActivity)
	}

	if len(chatIDs) > 0 {
		primary := BestEffort(ctx, s.logger, degraded, "sender_aggregate", s.SideQueryTimeout, func(ctx context.Context) ([]domain.ActivityAggregate, error) {
			return s.events.AggregateBySender(ctx, chatIDs)
		})
		for _, agg := range primary {
			if p := matchAggregate(agg, byIdentity, byPlatform); p != nil {
				touch(p, agg)
			}
		}
	}

	var untouched []string
	for _, p := range refreshed {
		if _, ok := counts[p.ID]; !ok {
			untouched = append(untouched, p.ID)
		}
	}
	if len(untouched) > 0 {
		byID := make(map[string]*domain.Participant, len(refreshed))
		for _, p := range refreshed {
			byID[p.ID] = p
		}
		legacy := BestEffort(ctx, s.logger, degraded, "legacy_aggregate", s.SideQueryTimeout, func(ctx context.Context) ([]domain.ActivityAggregate, error) {
			return s.events.AggregateByParticipant(ctx, untouched)
		})
		for _, agg := range legacy {
			if agg.ParticipantID == nil {
				continue
			}
			if p, ok := byID[*agg.ParticipantID]; ok {
				touch(p, agg)
			}
		}
	}

	now := s.Now()
	for _, p := range refreshed {
		if n, ok := counts[p.ID]; ok {
			p.ActivityScore = engagement.ActivityScore(float64(n))
		}
		p.LastActivityAt = engagement.Latest(p.LastActivityAt, lasts[p.ID])
		risk := engagement.RiskOf(p.LastActivityAt, now, p.RiskScore)
		p.RiskScore = &risk
	}

	res := &RecomputeResult{Participants: refreshed}
	if !computeOnly {
		for i, p := range refreshed {
			if !derivedChanged(rows[i], p) {
				continue
			}
			p.UpdatedAt = now
			if err := s.participants.UpdateDerived(ctx, p); err != nil {
				return nil, fmt.Errorf("update participant %s: %w", p.ID, err)
			}
			res.Written++
		}
		telemetry.RecomputeWrites.Add(float64(res.Written))
	}
	res.Degraded = degraded.List()
	return res, nil
}

// matchAggregate maps an aggregate onto a participant by identity key, falling back to platform id.
func matchAggregate(agg domain.ActivityAggregate, byIdentity map[string]*domain.Participant, byPlatform map[int64]*domain.Participant) *domain.Participant {
	if agg.IdentityKey != nil && *agg.IdentityKey != "" {
		if p, ok := byIdentity[*agg.IdentityKey]; ok {
			return p
		}
	}
	if agg.PlatformUserID != nil {
		if p, ok := byPlatform[*agg.PlatformUserID]; ok {
			return p
		}
	}
	return nil
}

// fillNames copies names from identity records into empty fields, then tries
// the platform lookup for usernames that are still missing.
func (s *MetricsService) fillNames(ctx context.Context, rows []*domain.Participant, chatIDs []int64, degraded *Degraded) {
	var keys []string
	var pids []int64
	for _, p := range rows {
		if !needsName(p) {
			continue
		}
		if p.IdentityKey != nil && *p.IdentityKey != "" {
			keys = append(keys, *p.IdentityKey)
		}
		if p.PlatformUserID != nil {
			pids = append(pids, *p.PlatformUserID)
		}
	}
	if len(keys) == 0 && len(pids) == 0 {
		return
	}

	var byKey, byPID []*domain.IdentityRecord
	g, gctx := errgroup.WithContext(ctx)
	if len(keys) > 0 {
		g.Go(func() error {
			byKey = BestEffort(gctx, s.logger, degraded, "identities_by_key", s.SideQueryTimeout, func(ctx context.Context) ([]*domain.IdentityRecord, error) {
				return s.identities.ListByKeys(ctx, keys)
			})
			return nil
		})
	}
	if len(pids) > 0 {
		g.Go(func() error {
			byPID = BestEffort(gctx, s.logger, degraded, "identities_by_platform_id", s.SideQueryTimeout, func(ctx context.Context) ([]*domain.IdentityRecord, error) {
				return s.identities.ListByPlatformIDs(ctx, pids)
			})
			return nil
		})
	}
	_ = g.Wait()

	keyIdx := make(map[string]*domain.IdentityRecord, len(byKey))
	for _, r := range byKey {
		keyIdx[r.IdentityKey] = r
	}
	pidIdx := make(map[int64]*domain.IdentityRecord, len(byPID))
	for _, r := range byPID {
		if r.PlatformUserID != nil {
			pidIdx[*r.PlatformUserID] = r
		}
	}

	for _, p := range rows {
		if !needsName(p) {
			continue
		}
		var rec *domain.IdentityRecord
		if p.IdentityKey != nil {
			rec = keyIdx[*p.IdentityKey]
		}
		if rec == nil && p.PlatformUserID != nil {
			rec = pidIdx[*p.PlatformUserID]
		}
		if rec != nil {
			applyIdentity(p, rec)
		}
		if isEmpty(p.Username) && p.PlatformUserID != nil && s.lookup != nil && len(chatIDs) > 0 {
			s.lookupUsername(ctx, p, chatIDs[0])
		}
	}
}

func (s *MetricsService) lookupUsername(ctx context.Context, p *domain.Participant, chatID int64) {
	username, err := s.lookup.LookupUsername(ctx, chatID, *p.PlatformUserID)
	if err != nil {
		s.logger.Debug("username lookup failed", "participant_id", p.ID, "error", err)
		return
	}
	if u := domain.NormalizeUsername(username); u != "" {
		p.Username = &u
	}
}

func applyIdentity(p *domain.Participant, rec *domain.IdentityRecord) {
	if isEmpty(p.Username) && !isEmpty(rec.Username) {
		u := domain.NormalizeUsername(*rec.Username)
		p.Username = &u
	}
	if isEmpty(p.FullName) {
		name := trimmed(rec.FullName)
		if name == "" {
			name = strings.TrimSpace(trimmed(rec.FirstName) + " " + trimmed(rec.LastName))
		}
		if name != "" {
			p.FullName = &name
		}
	}
}

func needsName(p *domain.Participant) bool {
	return isEmpty(p.Username) || isEmpty(p.FullName)
}

func isEmpty(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func derivedChanged(before, after *domain.Participant) bool {
	return before.ActivityScore != after.ActivityScore ||
		!sameInt(before.RiskScore, after.RiskScore) ||
		!engagement.SameInstant(before.LastActivityAt, after.LastActivityAt) ||
		!sameStr(before.Username, after.Username) ||
		!sameStr(before.FullName, after.FullName)
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
