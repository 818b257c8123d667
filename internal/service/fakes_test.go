package service_test

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"zpulse/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// memParticipants is an in-memory ParticipantRepository.
type memParticipants struct {
	mu      sync.Mutex
	rows    []*domain.Participant
	updates int
}

func (m *memParticipants) ListByOrg(_ context.Context, orgID string) ([]*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Participant
	for _, p := range m.rows {
		if p.OrgID == orgID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *memParticipants) ListDuplicates(_ context.Context, orgID string) ([]*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Participant
	for _, p := range m.rows {
		if p.OrgID == orgID && p.IsDuplicate() {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *memParticipants) GetByID(_ context.Context, id string) (*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memParticipants) FindByKeys(_ context.Context, orgID string, keys []string, pids []int64) ([]*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Participant
	for _, p := range m.rows {
		if p.OrgID != orgID || p.IsDuplicate() {
			continue
		}
		if p.IdentityKey != nil && containsStr(keys, *p.IdentityKey) ||
			p.PlatformUserID != nil && containsInt(pids, *p.PlatformUserID) {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *memParticipants) InsertIfAbsent(_ context.Context, p *domain.Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.rows {
		if q.OrgID != p.OrgID || q.IsDuplicate() {
			continue
		}
		if p.IdentityKey != nil && q.IdentityKey != nil && *p.IdentityKey == *q.IdentityKey {
			return false, nil
		}
		if p.PlatformUserID != nil && q.PlatformUserID != nil && *p.PlatformUserID == *q.PlatformUserID {
			return false, nil
		}
	}
	m.rows = append(m.rows, p.Clone())
	return true, nil
}

func (m *memParticipants) UpdateDerived(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.rows {
		if q.ID == p.ID {
			m.rows[i] = p.Clone()
			m.updates++
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memParticipants) SetMergedInto(_ context.Context, id, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.rows {
		if q.ID == id {
			q.MergedInto = &target
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memParticipants) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// memEvents is an in-memory EventRepository with a unique (chat_id, dedup_key) index.
type memEvents struct {
	mu       sync.Mutex
	nextID   int64
	rows     []*domain.ActivityEvent
	details  map[string]*domain.MessageDetail
	detailsN int
	failWith error
	// Sender aggregates returned verbatim when set.
	bySender      []domain.ActivityAggregate
	byParticipant []domain.ActivityAggregate
}

func newMemEvents() *memEvents {
	return &memEvents{details: map[string]*domain.MessageDetail{}}
}

func ukey(chatID int64, dedup string) string {
	return strconv.FormatInt(chatID, 10) + "|" + dedup
}

func (m *memEvents) exists(chatID int64, key string) (int64, bool) {
	for _, e := range m.rows {
		if e.ChatID == chatID && e.DedupKey == key {
			return e.ID, true
		}
	}
	return 0, false
}

func (m *memEvents) ListForChats(_ context.Context, orgID string, chatIDs []int64, limit int) ([]*domain.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ActivityEvent
	for _, e := range m.rows {
		if e.OrgID == orgID && containsInt(chatIDs, e.ChatID) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEvents) ListWindow(_ context.Context, chatID int64, since, until time.Time, limit int) ([]*domain.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []*domain.ActivityEvent
	for _, e := range m.rows {
		if e.ChatID == chatID && !e.CreatedAt.Before(since) && e.CreatedAt.Before(until) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memEvents) AggregateBySender(context.Context, []int64) ([]domain.ActivityAggregate, error) {
	return m.bySender, nil
}

func (m *memEvents) AggregateByParticipant(_ context.Context, ids []string) ([]domain.ActivityAggregate, error) {
	var out []domain.ActivityAggregate
	for _, a := range m.byParticipant {
		if a.ParticipantID != nil && containsStr(ids, *a.ParticipantID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memEvents) InsertBatch(_ context.Context, events []*domain.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for _, e := range events {
		if _, ok := m.exists(e.ChatID, e.DedupKey); ok {
			return domain.ErrDuplicate
		}
	}
	for _, e := range events {
		m.nextID++
		e.ID = m.nextID
		cp := *e
		m.rows = append(m.rows, &cp)
	}
	return nil
}

func (m *memEvents) InsertIgnoringConflicts(_ context.Context, events []*domain.ActivityEvent) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, e := range events {
		if _, ok := m.exists(e.ChatID, e.DedupKey); ok {
			continue
		}
		m.nextID++
		cp := *e
		cp.ID = m.nextID
		m.rows = append(m.rows, &cp)
		out[e.DedupKey] = cp.ID
	}
	return out, nil
}

func (m *memEvents) FindByDedupKeys(_ context.Context, chatID int64, keys []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, k := range keys {
		if id, ok := m.exists(chatID, k); ok {
			out[k] = id
		}
	}
	return out, nil
}

func (m *memEvents) UpsertDetails(_ context.Context, details []*domain.MessageDetail) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range details {
		m.detailsN++
		k := ukey(d.ChatID, d.DedupKey)
		if _, ok := m.details[k]; ok {
			continue
		}
		m.details[k] = d
		n++
	}
	return n, nil
}

// preload stores events directly, bypassing the unique index check.
func (m *memEvents) preload(events ...*domain.ActivityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.nextID++
		e.ID = m.nextID
		m.rows = append(m.rows, e)
	}
}

type memIdentities struct {
	recs []*domain.IdentityRecord
}

func (m *memIdentities) ListByKeys(_ context.Context, keys []string) ([]*domain.IdentityRecord, error) {
	var out []*domain.IdentityRecord
	for _, r := range m.recs {
		if containsStr(keys, r.IdentityKey) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memIdentities) ListByPlatformIDs(_ context.Context, ids []int64) ([]*domain.IdentityRecord, error) {
	var out []*domain.IdentityRecord
	for _, r := range m.recs {
		if r.PlatformUserID != nil && containsInt(ids, *r.PlatformUserID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memIdentities) Upsert(_ context.Context, rec *domain.IdentityRecord) error {
	m.recs = append(m.recs, rec)
	return nil
}

type memChats struct {
	chats map[string][]int64
}

func (m *memChats) ListChatIDs(_ context.Context, orgID string) ([]int64, error) {
	return m.chats[orgID], nil
}

func (m *memChats) Connect(_ context.Context, c *domain.OrgChat) error {
	if m.chats == nil {
		m.chats = map[string][]int64{}
	}
	m.chats[c.OrgID] = append(m.chats[c.OrgID], c.ChatID)
	return nil
}

// MockLinkRepo is a testify mock of domain.LinkRepository.
type MockLinkRepo struct {
	mock.Mock
}

func (m *MockLinkRepo) Upsert(ctx context.Context, link *domain.ParticipantGroupLink) error {
	args := m.Called(ctx, link)
	return args.Error(0)
}

func (m *MockLinkRepo) MarkLeft(ctx context.Context, participantID string, chatID int64, at time.Time) error {
	args := m.Called(ctx, participantID, chatID, at)
	return args.Error(0)
}

func (m *MockLinkRepo) CountActiveMembers(ctx context.Context, chatID int64) (int, error) {
	args := m.Called(ctx, chatID)
	return args.Int(0), args.Error(1)
}

func (m *MockLinkRepo) ListCrossOrgParticipants(ctx context.Context, orgID string, chatIDs []int64) ([]*domain.Participant, error) {
	args := m.Called(ctx, orgID, chatIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Participant), args.Error(1)
}

// memJobs is an in-memory ImportJobRepository that records checkpoints.
type memJobs struct {
	mu          sync.Mutex
	jobs        map[string]*domain.ImportJob
	checkpoints []int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*domain.ImportJob{}}
}

func (m *memJobs) Create(_ context.Context, j *domain.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobs) GetByID(_ context.Context, id string) (*domain.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) Checkpoint(_ context.Context, j *domain.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	m.checkpoints = append(m.checkpoints, j.ProcessedOffset)
	return nil
}

func (m *memJobs) Finish(_ context.Context, j *domain.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func containsStr(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(xs []int64, v int64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
