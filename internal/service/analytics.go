package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"zpulse/internal/cache"
	"zpulse/internal/domain"
	"zpulse/internal/engagement"
	"zpulse/internal/telemetry"
)

// NewcomerActivationPlaceholder is reported until newcomer activation is measured.
const NewcomerActivationPlaceholder = 0

// Analytics defaults.
const (
	DefaultWindowDays = 7
	DefaultTopN       = 5
	DefaultEventLimit = 20000
)

// SenderStat is one sender's activity within the analytics window.
type SenderStat struct {
	Key            string     `json:"key"`
	IdentityKey    *string    `json:"identity_key,omitempty"`
	PlatformUserID *int64     `json:"platform_user_id,omitempty"`
	ParticipantID  *string    `json:"participant_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	Username       string     `json:"username,omitempty"`
	MessageCount   int        `json:"message_count"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	RiskScore      int        `json:"risk_score,omitempty"`

	storedRisk *int
}

// DailyPoint is the per-day series of a snapshot.
type DailyPoint struct {
	Date     string `json:"date"`
	Messages int    `json:"messages"`
	Replies  int    `json:"replies"`
	Joins    int    `json:"joins"`
	Leaves   int    `json:"leaves"`
	DAU      int    `json:"dau"`
}

// HourBucket is one hour of the prime-time histogram.
type HourBucket struct {
	Hour         int  `json:"hour"`
	MessageCount int  `json:"message_count"`
	IsPrimeTime  bool `json:"is_prime_time"`
}

// GroupMetricsSnapshot is the point-in-time engagement picture of one chat.
type GroupMetricsSnapshot struct {
	ChatID             int64        `json:"chat_id"`
	WindowStart        time.Time    `json:"window_start"`
	WindowEnd          time.Time    `json:"window_end"`
	Days               int          `json:"days"`
	MessageCount       int          `json:"message_count"`
	ReplyCount         int          `json:"reply_count"`
	JoinCount          int          `json:"join_count"`
	LeaveCount         int          `json:"leave_count"`
	DAUAvg             int          `json:"dau_avg"`
	ReplyRatio         int          `json:"reply_ratio"`
	MemberCount        int          `json:"member_count"`
	ActiveUserCount    int          `json:"active_user_count"`
	SilentRate         int          `json:"silent_rate"`
	ActivityGini       float64      `json:"activity_gini"`
	PrimeTime          []HourBucket `json:"prime_time"`
	RiskRadar          []SenderStat `json:"risk_radar"`
	TopContributors    []SenderStat `json:"top_contributors"`
	NewcomerActivation int          `json:"newcomer_activation"`
	Daily              []DailyPoint `json:"daily"`
	Degraded           []string     `json:"degraded"`
}

// AnalyticsService computes group-level engagement snapshots.
type AnalyticsService struct {
	events       domain.EventRepository
	links        domain.LinkRepository
	participants domain.ParticipantRepository
	cache        cache.Cache
	logger       *slog.Logger

	Denylist         domain.BotDenylist
	WindowDays       int
	TopN             int
	EventLimit       int
	SideQueryTimeout time.Duration
	CacheTTL         time.Duration
	Now              func() time.Time
}

func NewAnalyticsService(
	events domain.EventRepository,
	links domain.LinkRepository,
	participants domain.ParticipantRepository,
	c cache.Cache,
	logger *slog.Logger,
	denylist domain.BotDenylist,
) *AnalyticsService {
	return &AnalyticsService{
		events:       events,
		links:        links,
		participants: participants,
		cache:        c,
		logger:       logger,
		Denylist:     denylist,
		WindowDays:   DefaultWindowDays,
		TopN:         DefaultTopN,
		EventLimit:   DefaultEventLimit,
		Now:          time.Now,
	}
}

// Snapshot returns the engagement snapshot of chatID over the trailing window
// of days. Failing side-queries degrade the snapshot instead of failing it.
func (s *AnalyticsService) Snapshot(ctx context.Context, orgID string, chatID int64, days int) (*GroupMetricsSnapshot, error) {
	if days <= 0 {
		days = s.WindowDays
	}
	if days <= 0 {
		days = DefaultWindowDays
	}
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "group_analytics",
		attribute.String("org_id", orgID), attribute.Int64("chat_id", chatID), attribute.Int("days", days))
	defer span.End()

	key := fmt.Sprintf("analytics:%s:%d:%d", orgID, chatID, days)
	if snap, ok := s.cached(ctx, key); ok {
		telemetry.AnalyticsLatency.WithLabelValues("hit").Observe(time.Since(start).Seconds())
		return snap, nil
	}

	now := s.Now().UTC()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	degraded := &Degraded{}

	var (
		events      []*domain.ActivityEvent
		memberCount int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events = BestEffort(gctx, s.logger, degraded, "events", s.SideQueryTimeout, func(ctx context.Context) ([]*domain.ActivityEvent, error) {
			return s.events.ListWindow(ctx, chatID, since, now, s.EventLimit)
		})
		return nil
	})
	g.Go(func() error {
		memberCount = BestEffort(gctx, s.logger, degraded, "member_count", s.SideQueryTimeout, func(ctx context.Context) (int, error) {
			return s.links.CountActiveMembers(ctx, chatID)
		})
		return nil
	})
	_ = g.Wait()
	if s.EventLimit > 0 && len(events) >= s.EventLimit {
		s.logger.Warn("analytics window truncated", "chat_id", chatID, "limit", s.EventLimit)
		degraded.Add("events_truncated")
	}

	snap := ComputeSnapshot(SnapshotInput{
		ChatID:      chatID,
		WindowStart: since,
		WindowEnd:   now,
		Days:        days,
		Events:      events,
		MemberCount: memberCount,
		Denylist:    s.Denylist,
		TopN:        s.TopN,
		Now:         now,
		Enrich: func(senders []*SenderStat) {
			s.enrich(ctx, orgID, senders, degraded)
		},
	})
	snap.Degraded = degraded.List()

	if len(snap.Degraded) == 0 {
		s.store(ctx, key, snap)
	}
	telemetry.AnalyticsLatency.WithLabelValues("miss").Observe(time.Since(start).Seconds())
	return snap, nil
}

// enrich attaches participant ids, stored recency and names to senders.
func (s *AnalyticsService) enrich(ctx context.Context, orgID string, senders []*SenderStat, degraded *Degraded) {
	var keys []string
	var pids []int64
	for _, st := range senders {
		if st.IdentityKey != nil {
			keys = append(keys, *st.IdentityKey)
		} else if st.PlatformUserID != nil {
			pids = append(pids, *st.PlatformUserID)
		}
	}
	if len(keys) == 0 && len(pids) == 0 {
		return
	}
	found := BestEffort(ctx, s.logger, degraded, "sender_enrichment", s.SideQueryTimeout, func(ctx context.Context) ([]*domain.Participant, error) {
		return s.participants.FindByKeys(ctx, orgID, keys, pids)
	})
	byIdentity := map[string]*domain.Participant{}
	byPlatform := map[int64]*domain.Participant{}
	for _, p := range found {
		if p.IdentityKey != nil {
			byIdentity[*p.IdentityKey] = p
		}
		if p.PlatformUserID != nil {
			byPlatform[*p.PlatformUserID] = p
		}
	}
	for _, st := range senders {
		var p *domain.Participant
		if st.IdentityKey != nil {
			p = byIdentity[*st.IdentityKey]
		} else if st.PlatformUserID != nil {
			p = byPlatform[*st.PlatformUserID]
		}
		if p == nil {
			continue
		}
		id := p.ID
		st.ParticipantID = &id
		st.LastActivity = engagement.Latest(st.LastActivity, p.LastActivityAt)
		st.storedRisk = p.RiskScore
		if st.Name == "" && p.FullName != nil {
			st.Name = *p.FullName
		}
		if st.Username == "" && p.Username != nil {
			st.Username = *p.Username
		}
	}
}

func (s *AnalyticsService) cached(ctx context.Context, key string) (*GroupMetricsSnapshot, bool) {
	if s.cache == nil || s.CacheTTL <= 0 {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Debug("analytics cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var snap GroupMetricsSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func (s *AnalyticsService) store(ctx context.Context, key string, snap *GroupMetricsSnapshot) {
	if s.cache == nil || s.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(raw), s.CacheTTL); err != nil {
		s.logger.Debug("analytics cache write failed", "key", key, "error", err)
	}
}

// SnapshotInput is everything ComputeSnapshot needs. Events must be ordered oldest first.
type SnapshotInput struct {
	ChatID      int64
	WindowStart time.Time
	WindowEnd   time.Time
	Days        int
	Events      []*domain.ActivityEvent
	MemberCount int
	Denylist    domain.BotDenylist
	TopN        int
	Now         time.Time
	// Enrich, when set, is called once with every message sender before scoring.
	Enrich func([]*SenderStat)
}

// ComputeSnapshot aggregates the window's events in a single pass.
func ComputeSnapshot(in SnapshotInput) *GroupMetricsSnapshot {
	topN := in.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	snap := &GroupMetricsSnapshot{
		ChatID:             in.ChatID,
		WindowStart:        in.WindowStart,
		WindowEnd:          in.WindowEnd,
		Days:               in.Days,
		MemberCount:        in.MemberCount,
		NewcomerActivation: NewcomerActivationPlaceholder,
		RiskRadar:          []SenderStat{},
		TopContributors:    []SenderStat{},
		Daily:              []DailyPoint{},
	}

	var (
		daily    = map[string]*DailyPoint{}
		dayOrder []string
		dauSets  = map[string]map[string]struct{}{}
		seen     = map[string]struct{}{}
		senders  = map[string]*SenderStat{}
		order    []*SenderStat
		hourly   [24]int
	)
	dayOf := func(t time.Time) *DailyPoint {
		d := t.UTC().Format("2006-01-02")
		p, ok := daily[d]
		if !ok {
			p = &DailyPoint{Date: d}
			daily[d] = p
			dayOrder = append(dayOrder, d)
			dauSets[d] = map[string]struct{}{}
		}
		return p
	}

	for _, e := range in.Events {
		common := domain.CommonOf(e.Meta)
		if in.Denylist.IsBot(e.PlatformUserID, common.Sender.Username) {
			continue
		}
		day := dayOf(e.CreatedAt)
		switch e.EventType {
		case domain.EventJoin:
			snap.JoinCount++
			day.Joins++
			continue
		case domain.EventLeave:
			snap.LeaveCount++
			day.Leaves++
			continue
		case domain.EventMessage:
		default:
			continue
		}

		key := senderKey(e)
		if _, dup := seen[messageKey(key, e)]; dup {
			continue
		}
		seen[messageKey(key, e)] = struct{}{}

		snap.MessageCount++
		day.Messages++
		if e.ReplyToMessageID != nil {
			snap.ReplyCount++
			day.Replies++
		}
		hourly[e.CreatedAt.UTC().Hour()]++
		dauSets[day.Date][key] = struct{}{}

		st, ok := senders[key]
		if !ok {
			st = &SenderStat{
				Key:            key,
				IdentityKey:    e.IdentityKey,
				PlatformUserID: e.PlatformUserID,
				ParticipantID:  e.ParticipantID,
			}
			senders[key] = st
			order = append(order, st)
		}
		st.MessageCount++
		at := e.CreatedAt
		st.LastActivity = engagement.Latest(st.LastActivity, &at)
		if common.Sender.Name != "" {
			st.Name = common.Sender.Name
		}
		if common.Sender.Username != "" {
			st.Username = common.Sender.Username
		}
	}

	if in.Enrich != nil && len(order) > 0 {
		in.Enrich(order)
	}

	// Daily series and DAU, over days that saw any event.
	sort.Strings(dayOrder)
	dauTotal := 0
	for _, d := range dayOrder {
		p := daily[d]
		p.DAU = len(dauSets[d])
		dauTotal += p.DAU
		snap.Daily = append(snap.Daily, *p)
	}
	if len(dayOrder) > 0 {
		snap.DAUAvg = roundInt(float64(dauTotal) / float64(len(dayOrder)))
	}
	if snap.MessageCount > 0 && snap.DAUAvg < 1 {
		snap.DAUAvg = 1
	}

	if snap.MessageCount > 0 {
		snap.ReplyRatio = roundInt(100 * float64(snap.ReplyCount) / float64(snap.MessageCount))
	}

	snap.ActiveUserCount = len(order)
	snap.SilentRate = SilentRate(in.MemberCount, snap.ActiveUserCount)

	counts := make([]int, len(order))
	for i, st := range order {
		counts[i] = st.MessageCount
	}
	snap.ActivityGini = ActivitySkew(counts)
	snap.PrimeTime = PrimeTime(hourly)

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	for _, st := range order {
		fallback := engagement.VolumeRisk(st.MessageCount, maxCount)
		if st.storedRisk != nil {
			fallback = *st.storedRisk
		}
		st.RiskScore = engagement.RiskOf(st.LastActivity, in.Now, &fallback)
	}

	asc := append([]*SenderStat(nil), order...)
	sort.SliceStable(asc, func(i, j int) bool { return asc[i].MessageCount < asc[j].MessageCount })
	for i := 0; i < len(asc) && i < topN; i++ {
		snap.RiskRadar = append(snap.RiskRadar, *asc[i])
	}

	desc := append([]*SenderStat(nil), order...)
	sort.SliceStable(desc, func(i, j int) bool { return desc[i].MessageCount > desc[j].MessageCount })
	for i := 0; i < len(desc) && i < topN; i++ {
		snap.TopContributors = append(snap.TopContributors, *desc[i])
	}
	return snap
}

// senderKey identifies a message sender: identity key, else platform id,
// else a synthetic key unique to the event.
func senderKey(e *domain.ActivityEvent) string {
	switch {
	case e.IdentityKey != nil && *e.IdentityKey != "":
		return "i:" + *e.IdentityKey
	case e.PlatformUserID != nil:
		return "p:" + strconv.FormatInt(*e.PlatformUserID, 10)
	default:
		return "e:" + strconv.FormatInt(e.ID, 10)
	}
}

func messageKey(sender string, e *domain.ActivityEvent) string {
	ref := "e" + strconv.FormatInt(e.ID, 10)
	if e.MessageID != nil {
		ref = strconv.FormatInt(*e.MessageID, 10)
	}
	return sender + "|" + ref + "|" + strconv.FormatInt(e.CreatedAt.UnixMilli(), 10)
}

// SilentRate is the percentage of members without messages in the window.
func SilentRate(memberCount, activeUsers int) int {
	if memberCount <= 0 {
		return 0
	}
	r := roundInt(100 * float64(memberCount-activeUsers) / float64(memberCount))
	if r < 0 {
		return 0
	}
	return r
}

// ActivitySkew is the population coefficient of variation of per-sender
// message counts, clamped to [0, 1].
func ActivitySkew(counts []int) float64 {
	if len(counts) < 2 {
		return 0
	}
	sum := 0
	for _, c := range counts {
		sum += c
	}
	mean := float64(sum) / float64(len(counts))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, c := range counts {
		d := float64(c) - mean
		variance += d * d
	}
	variance /= float64(len(counts))
	v := math.Sqrt(variance) / mean
	return math.Max(0, math.Min(1, v))
}

// PrimeTime flags hours whose message count exceeds the mean over active hours.
func PrimeTime(hourly [24]int) []HourBucket {
	total, active := 0, 0
	for _, c := range hourly {
		if c > 0 {
			total += c
			active++
		}
	}
	mean := 0.0
	if active > 0 {
		mean = float64(total) / float64(active)
	}
	out := make([]HourBucket, 24)
	for h, c := range hourly {
		out[h] = HourBucket{Hour: h, MessageCount: c, IsPrimeTime: float64(c) > mean}
	}
	return out
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
