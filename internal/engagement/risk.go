package engagement

import (
	"math"
	"time"
)

// DefaultRisk is the score for a participant with no usable recency signal
// and no previously stored score.
const DefaultRisk = 90

const day = 24 * time.Hour

// RiskOf maps the age of the last activity onto the 0-100 disengagement
// ladder. With no last activity the fallback is returned when present.
func RiskOf(last *time.Time, now time.Time, fallback *int) int {
	if last == nil || last.IsZero() {
		if fallback != nil {
			return *fallback
		}
		return DefaultRisk
	}
	days := int(now.Sub(*last) / day)
	if days < 0 {
		days = 0
	}
	switch {
	case days <= 3:
		return 5
	case days <= 7:
		return 15
	case days <= 14:
		return 35
	case days <= 30:
		return 60
	case days <= 60:
		return 80
	default:
		return 95
	}
}

// VolumeRisk is the fallback used by the risk radar when no recency signal
// exists: quieter senders relative to the busiest one score higher.
func VolumeRisk(count, maxCount int) int {
	if maxCount < 1 {
		maxCount = 1
	}
	return int(math.Round(80 - float64(count)/float64(maxCount)*50))
}

// ActivityScore clamps an event count into a non-negative score.
func ActivityScore(eventCount float64) int {
	v := int(math.Round(eventCount))
	if v < 0 {
		return 0
	}
	return v
}
