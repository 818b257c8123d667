// Package engagement holds the pure scoring helpers shared by the engine:
// timestamp reconciliation, the recency risk ladder and merge-chain walking.
package engagement

import (
	"strconv"
	"strings"
	"time"
)

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp shapes seen across sources. Purely
// numeric input is read as unix seconds, or milliseconds when it is too large
// to be seconds.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// PickLatest merges two optional timestamp strings. Unparsable input counts
// as absent; when both parse the later one wins (ties keep incoming); the
// result is empty when neither is usable.
func PickLatest(current, incoming string) string {
	ct, cok := ParseTimestamp(current)
	it, iok := ParseTimestamp(incoming)
	switch {
	case !cok && !iok:
		return ""
	case !cok:
		return incoming
	case !iok:
		return current
	case it.Before(ct):
		return current
	default:
		return incoming
	}
}

// Latest is PickLatest over typed values; nil and the zero time count as absent.
func Latest(current, incoming *time.Time) *time.Time {
	cok := current != nil && !current.IsZero()
	iok := incoming != nil && !incoming.IsZero()
	switch {
	case !cok && !iok:
		return nil
	case !cok:
		return incoming
	case !iok:
		return current
	case incoming.Before(*current):
		return current
	default:
		return incoming
	}
}

// SameInstant reports whether a and b denote the same optional instant.
func SameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
