package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpulse/internal/service"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadImportFile(t *testing.T) {
	path := writeFile(t, `{
		"source": "telegram_export",
		"authors": [{"ref": "u1", "platform_user_id": 5, "name": "Ada"}],
		"messages": [{"author_ref": "u1", "message_id": 1, "created_at": "2026-03-01T10:00:00Z", "text": "hi"}]
	}`)
	payload, err := readImportFile(path)
	require.NoError(t, err)
	assert.Equal(t, "telegram_export", payload.Source)
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "u1", payload.Messages[0].AuthorRef)
}

func TestReadImportFileRejectsInvalid(t *testing.T) {
	_, err := readImportFile(writeFile(t, `{"source": "x", "messages": [{"text": "no author"}]}`))
	assert.ErrorContains(t, err, "invalid import file")

	_, err = readImportFile(writeFile(t, `{`))
	assert.ErrorContains(t, err, "parse")

	_, err = readImportFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestContributorName(t *testing.T) {
	assert.Equal(t, "@ada", contributorName(service.SenderStat{Key: "p:1", Username: "ada", Name: "Ada"}))
	assert.Equal(t, "Ada", contributorName(service.SenderStat{Key: "p:1", Name: "Ada"}))
	assert.Equal(t, "p:1", contributorName(service.SenderStat{Key: "p:1"}))
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"migrate", "import", "backfill", "recompute", "analytics", "worker", "consume"})
}
