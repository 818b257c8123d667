package engagement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zpulse/internal/domain"
	"zpulse/internal/engagement"
)

func TestPickLatest(t *testing.T) {
	older := "2024-03-01T10:00:00Z"
	newer := "2024-03-02T10:00:00Z"

	cases := []struct {
		name              string
		current, incoming string
		want              string
	}{
		{"both absent", "", "", ""},
		{"only current", older, "", older},
		{"only incoming", "", newer, newer},
		{"incoming later", older, newer, newer},
		{"current later", newer, older, newer},
		{"tie keeps incoming", older, "2024-03-01 10:00:00", "2024-03-01 10:00:00"},
		{"current garbage", "not-a-date", older, older},
		{"incoming garbage", newer, "yesterday-ish", newer},
		{"both garbage", "??", "!!", ""},
		{"incoming garbage current empty", "", "nope", ""},
		{"unix millis", older, "1709380800000", "1709380800000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engagement.PickLatest(tc.current, tc.incoming))
		})
	}
}

func TestPickLatestNeverEarlierThanValidInputs(t *testing.T) {
	inputs := []string{"", "garbage", "2023-12-31T23:59:59Z", "2024-01-01 00:00:00", "1704067200", "2024-06-01T12:00:00.123456+02:00"}
	for _, a := range inputs {
		for _, b := range inputs {
			got := engagement.PickLatest(a, b)
			gt, gok := engagement.ParseTimestamp(got)
			for _, in := range []string{a, b} {
				it, ok := engagement.ParseTimestamp(in)
				if !ok {
					continue
				}
				require.True(t, gok, "result %q must parse when %q is valid", got, in)
				assert.False(t, gt.Before(it), "PickLatest(%q,%q)=%q is earlier than %q", a, b, got, in)
			}
		}
	}
}

func TestParseTimestampShortOffset(t *testing.T) {
	got, ok := engagement.ParseTimestamp("2024-05-01 10:00:00+00")
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	got, ok = engagement.ParseTimestamp("2024-05-01 13:00:00.25+03")
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 5, 1, 10, 0, 0, 250_000_000, time.UTC)))

	assert.Equal(t, "2024-05-02 10:00:00+00", engagement.PickLatest("2024-05-01T10:00:00Z", "2024-05-02 10:00:00+00"))
}

func TestLatest(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)
	zero := time.Time{}

	assert.Nil(t, engagement.Latest(nil, nil))
	assert.Nil(t, engagement.Latest(&zero, nil))
	assert.Equal(t, &a, engagement.Latest(&a, nil))
	assert.Equal(t, &b, engagement.Latest(&zero, &b))
	assert.Equal(t, &b, engagement.Latest(&a, &b))
	assert.Equal(t, &b, engagement.Latest(&b, &a))
}

func TestRiskOfLadder(t *testing.T) {
	now := time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)
	at := func(days int) *time.Time {
		ts := now.Add(-time.Duration(days) * 24 * time.Hour)
		return &ts
	}

	assert.Equal(t, 5, engagement.RiskOf(at(0), now, nil))
	assert.Equal(t, 5, engagement.RiskOf(at(3), now, nil))
	assert.Equal(t, 15, engagement.RiskOf(at(7), now, nil))
	assert.Equal(t, 35, engagement.RiskOf(at(10), now, nil))
	assert.Equal(t, 60, engagement.RiskOf(at(30), now, nil))
	assert.Equal(t, 80, engagement.RiskOf(at(45), now, nil))
	assert.Equal(t, 95, engagement.RiskOf(at(61), now, nil))

	future := now.Add(48 * time.Hour)
	assert.Equal(t, 5, engagement.RiskOf(&future, now, nil))
}

func TestRiskOfAbsent(t *testing.T) {
	now := time.Now()
	assert.Equal(t, engagement.DefaultRisk, engagement.RiskOf(nil, now, nil))
	stored := 42
	assert.Equal(t, 42, engagement.RiskOf(nil, now, &stored))
	assert.Equal(t, 42, engagement.RiskOf(&time.Time{}, now, &stored))
}

func TestRiskOfMonotonic(t *testing.T) {
	now := time.Date(2024, 5, 31, 12, 0, 0, 0, time.UTC)
	prev := 0
	for hours := 0; hours < 24*120; hours += 7 {
		ts := now.Add(-time.Duration(hours) * time.Hour)
		got := engagement.RiskOf(&ts, now, nil)
		assert.GreaterOrEqual(t, got, prev, "risk dropped at %dh", hours)
		prev = got
	}
}

func TestVolumeRiskAndActivityScore(t *testing.T) {
	assert.Equal(t, 30, engagement.VolumeRisk(10, 10))
	assert.Equal(t, 55, engagement.VolumeRisk(5, 10))
	assert.Equal(t, 80, engagement.VolumeRisk(0, 0))

	assert.Equal(t, 0, engagement.ActivityScore(-3))
	assert.Equal(t, 3, engagement.ActivityScore(2.6))
}

func TestResolveCanonical(t *testing.T) {
	ctx := context.Background()
	parents := engagement.MapParents(map[string]string{
		"a": "b",
		"b": "c",
		"x": "y",
		"y": "x",
	})

	got, err := engagement.ResolveCanonical(ctx, "a", parents)
	require.NoError(t, err)
	assert.Equal(t, "c", got)

	got, err = engagement.ResolveCanonical(ctx, "c", parents)
	require.NoError(t, err)
	assert.Equal(t, "c", got)

	_, err = engagement.ResolveCanonical(ctx, "x", parents)
	assert.ErrorIs(t, err, domain.ErrMergeCycle)
}

func TestResolveCanonicalDepthBound(t *testing.T) {
	chain := map[string]string{}
	for i := 0; i < engagement.MaxMergeDepth+5; i++ {
		chain[string(rune('A'+i))] = string(rune('A' + i + 1))
	}
	_, err := engagement.ResolveCanonical(context.Background(), "A", engagement.MapParents(chain))
	assert.ErrorIs(t, err, domain.ErrMergeCycle)
}
