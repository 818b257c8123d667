package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	parts      *memParticipants
	events     *memEvents
	identities *memIdentities
	chats      *memChats
	links      *MockLinkRepo
	backfill   *service.BackfillService
	metrics    *service.MetricsService
	svc        *service.ParticipantService
}

func newFixture() *fixture {
	f := &fixture{
		parts:      &memParticipants{},
		events:     newMemEvents(),
		identities: &memIdentities{},
		chats:      &memChats{chats: map[string][]int64{"org": {-100}}},
		links:      new(MockLinkRepo),
	}
	log := discardLogger()
	f.backfill = service.NewBackfillService(f.parts, f.events, f.identities, f.chats, f.links, log, 0)
	f.backfill.Now = func() time.Time { return now }
	f.metrics = service.NewMetricsService(f.parts, f.events, f.identities, f.chats, nil, log, time.Second)
	f.metrics.Now = func() time.Time { return now }
	f.svc = service.NewParticipantService(f.parts, f.backfill, f.metrics, log)
	return f
}

func TestBackfillFromActivity(t *testing.T) {
	f := newFixture()
	f.identities.recs = []*domain.IdentityRecord{
		{IdentityKey: "id-1", PlatformUserID: ptr(int64(1)), FirstName: ptr("Ann"), LastName: ptr("Lee")},
	}
	f.events.preload(
		&domain.ActivityEvent{OrgID: "org", ChatID: -100, EventType: domain.EventMessage, PlatformUserID: ptr(int64(1)), CreatedAt: now.Add(-10 * 24 * time.Hour)},
		&domain.ActivityEvent{OrgID: "org", ChatID: -100, EventType: domain.EventMessage, PlatformUserID: ptr(int64(1)), CreatedAt: now.Add(-12 * 24 * time.Hour)},
		&domain.ActivityEvent{OrgID: "org", ChatID: -100, EventType: domain.EventMessage, PlatformUserID: ptr(int64(2)), CreatedAt: now.Add(-time.Hour)},
		&domain.ActivityEvent{OrgID: "other", ChatID: -100, EventType: domain.EventMessage, PlatformUserID: ptr(int64(3)), CreatedAt: now},
	)

	res, err := f.backfill.Backfill(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, domain.SourceActivity, res.Source)

	rows, _ := f.parts.ListByOrg(context.Background(), "org")
	require.Len(t, rows, 2)
	ann, user2 := rows[1], rows[0]
	if ann.IdentityKey == nil {
		ann, user2 = user2, ann
	}
	assert.Equal(t, "id-1", *ann.IdentityKey)
	assert.Equal(t, "Ann Lee", *ann.FullName)
	assert.Equal(t, 2, ann.ActivityScore)
	assert.Equal(t, 35, *ann.RiskScore)
	assert.Equal(t, "User 2", *user2.FullName)
	assert.Equal(t, 5, *user2.RiskScore)

	again, err := f.backfill.Backfill(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 2, f.parts.count())
	f.links.AssertNotCalled(t, "ListCrossOrgParticipants", mock.Anything, mock.Anything, mock.Anything)
}

func TestBackfillCrossOrg(t *testing.T) {
	f := newFixture()
	older := now.Add(-40 * 24 * time.Hour)
	newer := now.Add(-2 * 24 * time.Hour)
	f.links.On("ListCrossOrgParticipants", mock.Anything, "org", []int64{-100}).Return([]*domain.Participant{
		{ID: "x1", OrgID: "other", PlatformUserID: ptr(int64(9)), FullName: ptr("Old"), LastActivityAt: &older, Phone: ptr("+100")},
		{ID: "x2", OrgID: "third", PlatformUserID: ptr(int64(9)), FullName: ptr("New"), LastActivityAt: &newer},
		{ID: "x3", OrgID: "other"},
	}, nil)

	res, err := f.backfill.Backfill(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, domain.SourceCrossOrg, res.Source)

	rows, _ := f.parts.ListByOrg(context.Background(), "org")
	require.Len(t, rows, 1)
	assert.Equal(t, "New", *rows[0].FullName)
	assert.Nil(t, rows[0].Phone)
	assert.NotEqual(t, "x2", rows[0].ID)

	again, err := f.backfill.Backfill(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
}

func TestBackfillWithoutChats(t *testing.T) {
	f := newFixture()
	res, err := f.backfill.Backfill(context.Background(), "lonely")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Empty(t, res.ChatIDs)
}

func TestBackfillConcurrentCallsShareRun(t *testing.T) {
	f := newFixture()
	f.events.preload(&domain.ActivityEvent{OrgID: "org", ChatID: -100, EventType: domain.EventMessage, PlatformUserID: ptr(int64(5)), CreatedAt: now})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.backfill.Backfill(context.Background(), "org")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.parts.count())
}

func TestListTriggersBackfillThenRecompute(t *testing.T) {
	f := newFixture()
	f.events.preload(&domain.ActivityEvent{OrgID: "org", ChatID: -100, EventType: domain.EventMessage, PlatformUserID: ptr(int64(5)), CreatedAt: now.Add(-20 * 24 * time.Hour)})
	f.events.bySender = []domain.ActivityAggregate{
		{PlatformUserID: ptr(int64(5)), EventCount: 4, LastActivity: ptr(now.Add(-20 * 24 * time.Hour))},
	}

	list, err := f.svc.List(context.Background(), "org", false)
	require.NoError(t, err)
	require.NotNil(t, list.Backfill)
	assert.Equal(t, 1, list.Backfill.Inserted)
	require.Len(t, list.Participants, 1)
	assert.Equal(t, 4, list.Participants[0].ActivityScore)
	assert.Equal(t, 60, *list.Participants[0].RiskScore)
	assert.Empty(t, list.Degraded)
}

func TestRecomputeMergesSignalsAndWritesChangedOnly(t *testing.T) {
	f := newFixture()
	stale := now.Add(-90 * 24 * time.Hour)
	f.parts.rows = []*domain.Participant{
		{ID: "a", OrgID: "org", IdentityKey: ptr("id-a"), LastActivityAt: &stale, RiskScore: ptr(95)},
		{ID: "b", OrgID: "org", PlatformUserID: ptr(int64(2)), ActivityScore: 3, RiskScore: ptr(90), FullName: ptr("Bee"), Username: ptr("bee")},
		{ID: "c", OrgID: "org", PlatformUserID: ptr(int64(3)), RiskScore: ptr(42), FullName: ptr("Cee"), Username: ptr("cee")},
	}
	f.identities.recs = []*domain.IdentityRecord{{IdentityKey: "id-a", Username: ptr("@AnnA"), FullName: ptr("Ann A")}}
	f.events.bySender = []domain.ActivityAggregate{
		{IdentityKey: ptr("id-a"), EventCount: 3, LastActivity: ptr(now.Add(-2 * 24 * time.Hour))},
		{PlatformUserID: ptr(int64(99)), EventCount: 50, LastActivity: &now},
		{IdentityKey: ptr("id-a"), PlatformUserID: ptr(int64(1)), EventCount: 2, LastActivity: ptr(now.Add(-5 * 24 * time.Hour))},
	}
	f.events.byParticipant = []domain.ActivityAggregate{
		{ParticipantID: ptr("b"), EventCount: 7, LastActivity: ptr(now.Add(-8 * 24 * time.Hour))},
		{ParticipantID: ptr("a"), EventCount: 100},
	}

	rows, _ := f.parts.ListByOrg(context.Background(), "org")
	res, err := f.metrics.Recompute(context.Background(), "org", rows, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Written)
	assert.Equal(t, 0, f.parts.updates, "compute only never writes")

	a, b, c := res.Participants[0], res.Participants[1], res.Participants[2]
	assert.Equal(t, 5, a.ActivityScore)
	assert.Equal(t, 5, *a.RiskScore)
	assert.Equal(t, "anna", *a.Username)
	assert.Equal(t, "Ann A", *a.FullName)
	assert.Equal(t, 7, b.ActivityScore)
	assert.Equal(t, 35, *b.RiskScore)
	assert.Equal(t, 42, *c.RiskScore, "absent recency keeps the stored score")
	assert.Equal(t, 95, *rows[0].RiskScore, "input rows are untouched")

	res, err = f.metrics.Recompute(context.Background(), "org", rows, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 2, f.parts.updates)
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.parts.rows = []*domain.Participant{
		{ID: "a", OrgID: "org"},
		{ID: "b", OrgID: "org"},
		{ID: "c", OrgID: "org", MergedInto: ptr("b")},
		{ID: "x", OrgID: "other"},
	}

	merged, err := f.svc.Merge(ctx, "org", "a", "c")
	require.NoError(t, err)
	assert.Equal(t, "b", *merged.MergedInto, "merge lands on the canonical record")

	_, err = f.svc.Merge(ctx, "org", "b", "a")
	assert.ErrorIs(t, err, domain.ErrMergeCycle)

	_, err = f.svc.Merge(ctx, "org", "a", "b")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.Merge(ctx, "org", "b", "b")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.Merge(ctx, "org", "b", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	dups, err := f.svc.ListDuplicates(ctx, "org")
	require.NoError(t, err)
	assert.Len(t, dups, 2)

	canon, err := f.svc.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "b", canon.ID)
}
