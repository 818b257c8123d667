package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
	"zpulse/internal/telemetry"
)

// DefaultBackfillScanLimit bounds the activity scan of a backfill run.
const DefaultBackfillScanLimit = 5000

// BackfillResult reports what a backfill run synthesized.
type BackfillResult struct {
	Inserted int     `json:"inserted"`
	Source   string  `json:"source,omitempty"`
	ChatIDs  []int64 `json:"chat_ids"`
}

// BackfillService synthesizes participant records for organizations that
// have connected chats but no participant rows.
type BackfillService struct {
	participants domain.ParticipantRepository
	events       domain.EventRepository
	identities   domain.IdentityRepository
	chats        domain.ChatRepository
	links        domain.LinkRepository
	logger       *slog.Logger

	ScanLimit int
	Now       func() time.Time

	inflight singleflight.Group
}

func NewBackfillService(
	participants domain.ParticipantRepository,
	events domain.EventRepository,
	identities domain.IdentityRepository,
	chats domain.ChatRepository,
	links domain.LinkRepository,
	logger *slog.Logger,
	scanLimit int,
) *BackfillService {
	if scanLimit <= 0 {
		scanLimit = DefaultBackfillScanLimit
	}
	return &BackfillService{
		participants: participants,
		events:       events,
		identities:   identities,
		chats:        chats,
		links:        links,
		logger:       logger,
		ScanLimit:    scanLimit,
		Now:          time.Now,
	}
}

// Backfill runs the same-org activity step and, when that has nothing to
// offer, the cross-org step. Concurrent calls for one org share a run.
func (s *BackfillService) Backfill(ctx context.Context, orgID string) (*BackfillResult, error) {
	v, err, _ := s.inflight.Do(orgID, func() (any, error) {
		return s.backfill(ctx, orgID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*BackfillResult), nil
}

func (s *BackfillService) backfill(ctx context.Context, orgID string) (*BackfillResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "backfill", attribute.String("org_id", orgID))
	defer span.End()

	chatIDs, err := s.chats.ListChatIDs(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	res := &BackfillResult{ChatIDs: chatIDs}
	if len(chatIDs) == 0 {
		return res, nil
	}

	inserted, existing, err := s.fromActivity(ctx, orgID, chatIDs)
	if err != nil {
		return nil, err
	}
	if inserted > 0 {
		res.Inserted, res.Source = inserted, domain.SourceActivity
		telemetry.BackfillInserts.WithLabelValues(domain.SourceActivity).Add(float64(inserted))
		s.logger.Info("backfilled participants from activity", "org_id", orgID, "inserted", inserted)
		return res, nil
	}
	// Activity keys that already exist mean an earlier run did the work.
	if existing > 0 {
		return res, nil
	}

	inserted, err = s.fromCrossOrg(ctx, orgID, chatIDs)
	if err != nil {
		return nil, err
	}
	if inserted > 0 {
		res.Inserted, res.Source = inserted, domain.SourceCrossOrg
		telemetry.BackfillInserts.WithLabelValues(domain.SourceCrossOrg).Add(float64(inserted))
		s.logger.Info("backfilled participants from other organizations", "org_id", orgID, "inserted", inserted)
	}
	return res, nil
}

type senderAggregate struct {
	identityKey    *string
	platformUserID *int64
	count          int
	last           *time.Time
}

func (a *senderAggregate) add(count int, last *time.Time) {
	a.count += count
	a.last = engagement.Latest(a.last, last)
}

// fromActivity returns the number of inserted rows and the number of
// candidates that already existed as participants.
func (s *BackfillService) fromActivity(ctx context.Context, orgID string, chatIDs []int64) (int, int, error) {
	events, err := s.events.ListForChats(ctx, orgID, chatIDs, s.ScanLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("scan activity: %w", err)
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	var (
		byIdentity    = map[string]*senderAggregate{}
		identityOrder []string
		byPlatform    = map[int64]*senderAggregate{}
		platformOrder []int64
	)
	for _, e := range events {
		at := e.CreatedAt
		switch {
		case e.IdentityKey != nil && *e.IdentityKey != "":
			agg, ok := byIdentity[*e.IdentityKey]
			if !ok {
				agg = &senderAggregate{identityKey: e.IdentityKey, platformUserID: e.PlatformUserID}
				byIdentity[*e.IdentityKey] = agg
				identityOrder = append(identityOrder, *e.IdentityKey)
			}
			agg.add(1, &at)
		case e.PlatformUserID != nil:
			agg, ok := byPlatform[*e.PlatformUserID]
			if !ok {
				agg = &senderAggregate{platformUserID: e.PlatformUserID}
				byPlatform[*e.PlatformUserID] = agg
				platformOrder = append(platformOrder, *e.PlatformUserID)
			}
			agg.add(1, &at)
		}
	}

	records := map[string]*domain.IdentityRecord{}
	if len(platformOrder) > 0 {
		recs, err := s.identities.ListByPlatformIDs(ctx, platformOrder)
		if err != nil {
			return 0, 0, fmt.Errorf("resolve platform ids: %w", err)
		}
		byPID := make(map[int64]*domain.IdentityRecord, len(recs))
		for _, r := range recs {
			if r.PlatformUserID != nil {
				byPID[*r.PlatformUserID] = r
			}
			records[r.IdentityKey] = r
		}
		remaining := platformOrder[:0:0]
		for _, pid := range platformOrder {
			rec, ok := byPID[pid]
			if !ok {
				remaining = append(remaining, pid)
				continue
			}
			p := byPlatform[pid]
			agg, ok := byIdentity[rec.IdentityKey]
			if !ok {
				key := rec.IdentityKey
				agg = &senderAggregate{identityKey: &key, platformUserID: rec.PlatformUserID}
				byIdentity[key] = agg
				identityOrder = append(identityOrder, key)
			}
			agg.add(p.count, p.last)
			delete(byPlatform, pid)
		}
		platformOrder = remaining
	}
	if missing := missingKeys(identityOrder, records); len(missing) > 0 {
		recs, err := s.identities.ListByKeys(ctx, missing)
		if err != nil {
			return 0, 0, fmt.Errorf("load identities: %w", err)
		}
		for _, r := range recs {
			records[r.IdentityKey] = r
		}
	}

	existing, err := s.participants.FindByKeys(ctx, orgID, identityOrder, platformOrder)
	if err != nil {
		return 0, 0, fmt.Errorf("find existing participants: %w", err)
	}
	haveIdentity := map[string]struct{}{}
	havePlatform := map[int64]struct{}{}
	for _, p := range existing {
		if p.IdentityKey != nil {
			haveIdentity[*p.IdentityKey] = struct{}{}
		}
		if p.PlatformUserID != nil {
			havePlatform[*p.PlatformUserID] = struct{}{}
		}
	}

	now := s.Now()
	var candidates []*domain.Participant
	skipped := 0
	for _, key := range identityOrder {
		if _, ok := haveIdentity[key]; ok {
			skipped++
			continue
		}
		candidates = append(candidates, s.synthesize(orgID, byIdentity[key], records[key], now))
	}
	for _, pid := range platformOrder {
		if _, ok := havePlatform[pid]; ok {
			skipped++
			continue
		}
		candidates = append(candidates, s.synthesize(orgID, byPlatform[pid], nil, now))
	}

	inserted, err := s.insertAll(ctx, candidates)
	return inserted, skipped, err
}

func (s *BackfillService) synthesize(orgID string, agg *senderAggregate, rec *domain.IdentityRecord, now time.Time) *domain.Participant {
	risk := engagement.RiskOf(agg.last, now, nil)
	p := &domain.Participant{
		ID:             uuid.NewString(),
		OrgID:          orgID,
		IdentityKey:    agg.identityKey,
		PlatformUserID: agg.platformUserID,
		LastActivityAt: agg.last,
		ActivityScore:  engagement.ActivityScore(float64(agg.count)),
		RiskScore:      &risk,
		Source:         domain.SourceActivity,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if rec != nil {
		if p.PlatformUserID == nil {
			p.PlatformUserID = rec.PlatformUserID
		}
		if rec.Username != nil && *rec.Username != "" {
			u := domain.NormalizeUsername(*rec.Username)
			p.Username = &u
		}
	}
	name := DisplayName(rec, p.PlatformUserID)
	p.FullName = &name
	return p
}

// DisplayName picks a participant name: identity full name, first and last
// name, identity username, "User <platform id>", then "Participant".
func DisplayName(rec *domain.IdentityRecord, platformUserID *int64) string {
	if rec != nil {
		if v := trimmed(rec.FullName); v != "" {
			return v
		}
		if v := strings.TrimSpace(trimmed(rec.FirstName) + " " + trimmed(rec.LastName)); v != "" {
			return v
		}
		if v := trimmed(rec.Username); v != "" {
			return v
		}
	}
	if platformUserID != nil {
		return "User " + strconv.FormatInt(*platformUserID, 10)
	}
	return "Participant"
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func (s *BackfillService) fromCrossOrg(ctx context.Context, orgID string, chatIDs []int64) (int, error) {
	foreign, err := s.links.ListCrossOrgParticipants(ctx, orgID, chatIDs)
	if err != nil {
		return 0, fmt.Errorf("list cross-org participants: %w", err)
	}
	picked := NormalizeParticipants(foreign)
	if len(picked) == 0 {
		return 0, nil
	}

	now := s.Now()
	candidates := make([]*domain.Participant, 0, len(picked))
	for _, src := range picked {
		if src.IdentityKey == nil && src.PlatformUserID == nil {
			continue
		}
		c := src.Clone()
		candidates = append(candidates, &domain.Participant{
			ID:             uuid.NewString(),
			OrgID:          orgID,
			IdentityKey:    c.IdentityKey,
			PlatformUserID: c.PlatformUserID,
			Username:       c.Username,
			FullName:       c.FullName,
			LastActivityAt: c.LastActivityAt,
			ActivityScore:  c.ActivityScore,
			RiskScore:      c.RiskScore,
			Source:         domain.SourceCrossOrg,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return s.insertAll(ctx, candidates)
}

func (s *BackfillService) insertAll(ctx context.Context, candidates []*domain.Participant) (int, error) {
	inserted := 0
	for _, p := range candidates {
		ok, err := s.participants.InsertIfAbsent(ctx, p)
		if err != nil {
			return inserted, fmt.Errorf("insert participant: %w", err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func missingKeys(keys []string, have map[string]*domain.IdentityRecord) []string {
	var out []string
	for _, k := range keys {
		if _, ok := have[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
