package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/service"
)

func TestNormalizeParticipants(t *testing.T) {
	t0 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	later := t0.Add(time.Hour)

	rows := []*domain.Participant{
		{ID: "a1", IdentityKey: ptr("id-a"), PlatformUserID: ptr(int64(100)), LastActivityAt: &t0},
		{ID: "p1", PlatformUserID: ptr(int64(200)), LastActivityAt: &t0},
		{ID: "a2", IdentityKey: ptr("id-a"), LastActivityAt: &later},
		{ID: "dup", IdentityKey: ptr("id-b"), MergedInto: ptr("a1")},
		{ID: "anon1"},
		{ID: "p2", PlatformUserID: ptr(int64(200)), LastActivityAt: &t0},
		{ID: "p3", PlatformUserID: ptr(int64(100)), LastActivityAt: &later},
		{ID: "anon2"},
		{ID: "b1", IdentityKey: ptr("id-c")},
	}

	got := service.NormalizeParticipants(rows)
	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}

	// a2 replaces a1 and carries no platform id, so p3 is not covered.
	assert.Equal(t, []string{"a2", "b1", "p1", "p3", "anon1", "anon2"}, ids)
}

func TestNormalizeParticipantsHidesCoveredPlatformRows(t *testing.T) {
	rows := []*domain.Participant{
		{ID: "p", PlatformUserID: ptr(int64(7))},
		{ID: "i", IdentityKey: ptr("k"), PlatformUserID: ptr(int64(7))},
	}
	got := service.NormalizeParticipants(rows)
	require.Len(t, got, 1)
	assert.Equal(t, "i", got[0].ID)
}

func TestNormalizeParticipantsUniqueness(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []*domain.Participant
	for i := 0; i < 60; i++ {
		at := base.Add(time.Duration(i%7) * time.Hour)
		p := &domain.Participant{ID: string(rune('A' + i)), LastActivityAt: &at}
		switch i % 3 {
		case 0:
			p.IdentityKey = ptr([]string{"x", "y"}[i%2])
		case 1:
			p.PlatformUserID = ptr(int64(i % 4))
		}
		rows = append(rows, p)
	}

	got := service.NormalizeParticipants(rows)
	keys := map[string]int{}
	pids := map[int64]int{}
	for _, p := range got {
		assert.False(t, p.IsDuplicate())
		if p.IdentityKey != nil {
			keys[*p.IdentityKey]++
			continue
		}
		if p.PlatformUserID != nil {
			pids[*p.PlatformUserID]++
		}
	}
	for k, n := range keys {
		assert.Equal(t, 1, n, "identity key %s", k)
	}
	for k, n := range pids {
		assert.Equal(t, 1, n, "platform id %d", k)
	}
}

func TestNormalizeParticipantsEmpty(t *testing.T) {
	assert.Empty(t, service.NormalizeParticipants(nil))
	assert.Empty(t, service.NormalizeParticipants([]*domain.Participant{{ID: "d", MergedInto: ptr("x")}}))
}

func TestNormalizeParticipantsTieKeepsFirstSeen(t *testing.T) {
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	same := at
	rows := []*domain.Participant{
		{ID: "first", IdentityKey: ptr("k"), LastActivityAt: &at},
		{ID: "second", IdentityKey: ptr("k"), LastActivityAt: &same},
		{ID: "undated", IdentityKey: ptr("k")},
	}
	got := service.NormalizeParticipants(rows)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].ID)
}
