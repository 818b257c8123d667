package httpserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/httpserver"
	"zpulse/internal/security"
	"zpulse/internal/service"
	"zpulse/internal/store/sqlite"
	"zpulse/internal/ws"
)

const org = "org-a"

type testServer struct {
	*httptest.Server
	token string
}

func newServer(t *testing.T, tokens *security.TokenService) *testServer {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	parts := sqlite.NewParticipantRepo(db)
	events := sqlite.NewEventRepo(db)
	identities := sqlite.NewIdentityRepo(db)
	chats := sqlite.NewChatRepo(db)
	links := sqlite.NewLinkRepo(db)
	jobs := sqlite.NewImportJobRepo(db)
	cipher, err := security.NewTextCipher([]byte("test-secret"), nil)
	require.NoError(t, err)

	hub := ws.NewHub(log)
	backfill := service.NewBackfillService(parts, events, identities, chats, links, log, 0)
	metrics := service.NewMetricsService(parts, events, identities, chats, nil, log, time.Second)
	imports := service.NewImportService(jobs, events, parts, identities, cipher, hub, log, 0)

	srv := httptest.NewServer(httpserver.NewRouter(httpserver.Deps{
		Participants: service.NewParticipantService(parts, backfill, metrics, log),
		Backfill:     backfill,
		Analytics:    service.NewAnalyticsService(events, links, parts, nil, log, domain.BotDenylist{}),
		Imports:      imports,
		Ingest:       service.NewIngestService(events, parts, identities, links, chats, cipher, log),
		Chats:        service.NewChatService(chats),
		Hub:          hub,
		JobLookup:    jobs.GetByID,
		Tokens:       tokens,
		Logger:       log,
		CORSOrigins:  []string{"*"},
		Version:      "test",
	}))
	t.Cleanup(srv.Close)

	ts := &testServer{Server: srv}
	if tokens != nil {
		ts.token, err = tokens.Issue("svc", []string{org})
		require.NoError(t, err)
	}
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv := newServer(t, nil)
	status, body := srv.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthentication(t *testing.T) {
	tokens := security.NewTokenService("jwt-secret", time.Hour)
	srv := newServer(t, tokens)

	status, _ := srv.do(t, http.MethodGet, "/api/orgs/"+org+"/participants/duplicates", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = srv.do(t, http.MethodGet, "/api/orgs/org-b/participants/duplicates", nil)
	assert.Equal(t, http.StatusForbidden, status)

	srv.token = ""
	status, _ = srv.do(t, http.MethodGet, "/api/orgs/"+org+"/participants/duplicates", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	srv.token = "not-a-token"
	status, _ = srv.do(t, http.MethodGet, "/api/orgs/"+org+"/participants/duplicates", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestIngestAndAnalytics(t *testing.T) {
	srv := newServer(t, nil)
	base := "/api/orgs/" + org
	now := time.Now().UTC()

	event := map[string]any{
		"event_type":       "message",
		"chat_id":          -1001,
		"platform_user_id": 42,
		"message_id":       7,
		"created_at":       now.Add(-time.Hour).Format(time.RFC3339),
		"text":             "hello there",
		"meta":             map[string]any{"sender_name": "Ada", "sender_username": "ada"},
	}

	status, _ := srv.do(t, http.MethodPost, base+"/events", event)
	assert.Equal(t, http.StatusNotFound, status, "chat not connected yet")

	status, _ = srv.do(t, http.MethodPost, base+"/chats", map[string]any{"chat_id": -1001, "title": "General"})
	require.Equal(t, http.StatusCreated, status)

	status, body := srv.do(t, http.MethodPost, base+"/events", event)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, false, body["duplicate"])
	assert.Equal(t, true, body["created_participant"])

	status, body = srv.do(t, http.MethodPost, base+"/events", event)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, _ = srv.do(t, http.MethodPost, base+"/events", map[string]any{"event_type": "reaction", "chat_id": -1001, "created_at": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = srv.do(t, http.MethodGet, base+"/chats/-1001/analytics?days=7", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["message_count"])
	assert.EqualValues(t, 7, body["days"])

	status, _ = srv.do(t, http.MethodGet, base+"/chats/-2002/analytics", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = srv.do(t, http.MethodGet, base+"/chats/-1001/analytics?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = srv.do(t, http.MethodGet, base+"/participants", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["participants"], 1)
	p := body["participants"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 42, p["platform_user_id"])
}

func TestImportInlineAndLookup(t *testing.T) {
	srv := newServer(t, nil)
	base := "/api/orgs/" + org
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	msgs := make([]map[string]any, 3)
	for i := range msgs {
		msgs[i] = map[string]any{
			"author_ref": "u1",
			"message_id": i + 1,
			"created_at": start.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
			"text":       "line",
		}
	}
	payload := map[string]any{
		"source":   "telegram_export",
		"authors":  []map[string]any{{"ref": "u1", "platform_user_id": 501, "name": "Grace Hopper"}},
		"messages": msgs,
	}

	status, body := srv.do(t, http.MethodPost, base+"/chats/-1001/imports", payload)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.ImportCompleted, body["status"])
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 3, summary["imported"])
	importID := body["import_id"].(string)

	status, body = srv.do(t, http.MethodPost, base+"/chats/-1001/imports", payload)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["summary"].(map[string]any)["duplicates"])
	assert.EqualValues(t, 0, body["summary"].(map[string]any)["imported"])

	status, body = srv.do(t, http.MethodGet, base+"/imports/"+importID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, importID, body["import_id"])

	status, _ = srv.do(t, http.MethodGet, "/api/orgs/org-b/imports/"+importID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = srv.do(t, http.MethodPost, base+"/chats/-1001/imports", map[string]any{"source": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMergeValidation(t *testing.T) {
	srv := newServer(t, nil)
	base := "/api/orgs/" + org

	status, _ := srv.do(t, http.MethodPost, base+"/participants/p1/merge", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodPost, base+"/participants/p1/merge", map[string]any{"target_id": "p2"})
	assert.Equal(t, http.StatusNotFound, status)
}
