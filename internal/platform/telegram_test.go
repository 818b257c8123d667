package platform_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/platform"
)

func TestLookupUsername(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getChatMember", r.URL.Path)
		switch r.URL.Query().Get("user_id") {
		case "42":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"status":"member","user":{"id":42,"username":"@Alice"}}}`))
		case "43":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"status":"member","user":{"id":43}}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: user not found"}`))
		}
	}))
	defer srv.Close()

	lookup := platform.NewTelegramLookup(platform.TelegramOptions{BotToken: "TOKEN", APIBase: srv.URL + "/"})
	ctx := context.Background()

	name, err := lookup.LookupUsername(ctx, -100, 42)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	name, err = lookup.LookupUsername(ctx, -100, 43)
	require.NoError(t, err)
	assert.Empty(t, name)

	_, err = lookup.LookupUsername(ctx, -100, 44)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLookupUsernameHonorsContext(t *testing.T) {
	lookup := platform.NewTelegramLookup(platform.TelegramOptions{BotToken: "T", APIBase: "http://127.0.0.1:1", RatePerSec: 0.001})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lookup.LookupUsername(ctx, 1, 2)
	assert.Error(t, err)
}
