package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/ingest"
	"zpulse/internal/service"
)

// chanSource serves queued messages and blocks until ctx ends when drained.
type chanSource struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
}

func newChanSource(values ...string) *chanSource {
	s := &chanSource{msgs: make(chan kafka.Message, len(values))}
	for i, v := range values {
		s.msgs <- kafka.Message{Offset: int64(i), Value: []byte(v)}
	}
	return s
}

func (s *chanSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (s *chanSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.committed = append(s.committed, m.Offset)
	}
	return nil
}

func (s *chanSource) Close() error { return nil }

func (s *chanSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Ingest(ctx context.Context, orgID string, raw domain.RawEvent, transport string) (*service.IngestResult, error) {
	args := m.Called(ctx, orgID, raw, transport)
	res, _ := args.Get(0).(*service.IngestResult)
	return res, args.Error(1)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func runUntil(t *testing.T, c *ingest.Consumer, src *chanSource, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(src.commits()) == want }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumerCommitsStoredAndRejected(t *testing.T) {
	src := newChanSource(
		`{"org_id":"org","event_type":"message","chat_id":-1,"message_id":5,"created_at":"2024-01-01T00:00:00Z"}`,
		`not json`,
		`{"org_id":"org","event_type":"bogus","chat_id":-1,"created_at":"2024-01-01T00:00:00Z"}`,
	)
	ing := new(MockIngester)
	ing.On("Ingest", mock.Anything, "org", mock.MatchedBy(func(r domain.RawEvent) bool {
		return r.EventType == domain.EventMessage && *r.MessageID == 5
	}), service.TransportKafka).Return(&service.IngestResult{DedupKey: "msg:5"}, nil).Once()
	ing.On("Ingest", mock.Anything, "org", mock.MatchedBy(func(r domain.RawEvent) bool {
		return r.EventType == "bogus"
	}), service.TransportKafka).Return(nil, domain.ErrInvalidInput).Once()

	runUntil(t, ingest.NewConsumer(src, ing, discard()), src, 3)
	assert.Equal(t, []int64{0, 1, 2}, src.commits())
	ing.AssertExpectations(t)
}

func TestConsumerRetriesStoreFailures(t *testing.T) {
	src := &chanSource{msgs: make(chan kafka.Message, 1)}
	src.msgs <- kafka.Message{
		Key:   []byte("org-from-key"),
		Value: []byte(`{"event_type":"join","chat_id":-1,"platform_user_id":9,"created_at":"2024-01-01T00:00:00Z"}`),
	}

	ing := new(MockIngester)
	ing.On("Ingest", mock.Anything, "org-from-key", mock.Anything, service.TransportKafka).
		Return(nil, errors.New("connection reset")).Twice()
	ing.On("Ingest", mock.Anything, "org-from-key", mock.Anything, service.TransportKafka).
		Return(&service.IngestResult{}, nil).Once()

	c := ingest.NewConsumer(src, ing, discard())
	c.RetryBackoff = time.Millisecond
	runUntil(t, c, src, 1)
	ing.AssertNumberOfCalls(t, "Ingest", 3)
}

func TestDecode(t *testing.T) {
	env, err := ingest.Decode(kafka.Message{Value: []byte(`{"org_id":"o","event_type":"leave","chat_id":3,"created_at":"1704067200"}`)})
	require.NoError(t, err)
	assert.Equal(t, "o", env.OrgID)
	assert.Equal(t, domain.EventLeave, env.EventType)
	assert.Equal(t, int64(3), env.ChatID)

	_, err = ingest.Decode(kafka.Message{Value: []byte(`{"event_type":"leave"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
