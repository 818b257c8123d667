package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

func newIngest(f *fixture) *service.IngestService {
	svc := service.NewIngestService(f.events, f.parts, f.identities, f.links, f.chats, fixedSealer{}, discardLogger())
	svc.Now = func() time.Time { return now }
	return svc
}

func TestIngestMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.identities.recs = []*domain.IdentityRecord{{IdentityKey: "id-7", PlatformUserID: ptr(int64(7))}}
	f.links.On("Upsert", mock.Anything, mock.MatchedBy(func(l *domain.ParticipantGroupLink) bool {
		return l.ChatID == -100 && l.IsActive
	})).Return(nil).Once()
	svc := newIngest(f)

	raw := domain.RawEvent{
		EventType:      domain.EventMessage,
		ChatID:         -100,
		PlatformUserID: ptr(int64(7)),
		MessageID:      ptr(int64(501)),
		CreatedAt:      "2024-06-01 10:00:00+00:00",
		Meta:           domain.RawMeta{SenderName: "Seven", SenderUsername: "@Sev"},
		Text:           "hello there",
	}

	first, err := svc.Ingest(ctx, "org", raw, service.TransportHTTP)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.True(t, first.CreatedParticipant)
	assert.Equal(t, "msg:501", first.DedupKey)

	second, err := svc.Ingest(ctx, "org", raw, service.TransportHTTP)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
	assert.False(t, second.CreatedParticipant)
	assert.Equal(t, *first.ParticipantID, *second.ParticipantID)

	require.Len(t, f.events.rows, 1)
	stored := f.events.rows[0]
	assert.Equal(t, "id-7", *stored.IdentityKey)
	assert.Equal(t, domain.SourceWebhook, stored.ImportSource)
	assert.Len(t, f.events.details, 1)

	p, err := f.parts.GetByID(ctx, *first.ParticipantID)
	require.NoError(t, err)
	assert.Equal(t, "sev", *p.Username)
	assert.Equal(t, "Seven", *p.FullName)
	f.links.AssertExpectations(t)
}

func TestIngestLeaveMarksLink(t *testing.T) {
	f := newFixture()
	f.links.On("MarkLeft", mock.Anything, mock.AnythingOfType("string"), int64(-100), mock.AnythingOfType("time.Time")).Return(nil)
	svc := newIngest(f)

	res, err := svc.Ingest(context.Background(), "org", domain.RawEvent{
		EventType:      domain.EventLeave,
		ChatID:         -100,
		PlatformUserID: ptr(int64(8)),
		CreatedAt:      "1717236000",
	}, service.TransportKafka)
	require.NoError(t, err)
	assert.Contains(t, res.DedupKey, "cnt:")
	assert.Equal(t, service.TransportKafka, f.events.rows[0].ImportSource)
	f.links.AssertExpectations(t)
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := newFixture()
	svc := newIngest(f)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "org", domain.RawEvent{EventType: "reaction", ChatID: -100, CreatedAt: "2024-01-01"}, service.TransportHTTP)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Ingest(ctx, "org", domain.RawEvent{EventType: domain.EventJoin, ChatID: -100, CreatedAt: "soon"}, service.TransportHTTP)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Ingest(ctx, "org", domain.RawEvent{EventType: domain.EventJoin, ChatID: -5, CreatedAt: "2024-01-01"}, service.TransportHTTP)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
