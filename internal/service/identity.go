package service

import (
	"zpulse/internal/domain"
)

// NormalizeParticipants collapses raw participant rows into one row per
// identity. Duplicates (merged_into set) are dropped. Rows are keyed by
// identity key, else platform user id; rows with neither pass through.
// For a repeated key the row with the later last activity wins, ties keep
// the first seen. Output order: identity-keyed rows, platform-keyed rows
// whose platform id no identity-keyed row carries, anonymous rows.
func NormalizeParticipants(rows []*domain.Participant) []*domain.Participant {
	var (
		byIdentity    = map[string]int{}
		identityRows  []*domain.Participant
		byPlatform    = map[int64]int{}
		platformRows  []*domain.Participant
		anonymousRows []*domain.Participant
	)

	for _, p := range rows {
		if p == nil || p.IsDuplicate() {
			continue
		}
		switch {
		case p.IdentityKey != nil && *p.IdentityKey != "":
			if i, ok := byIdentity[*p.IdentityKey]; ok {
				if moreRecent(p, identityRows[i]) {
					identityRows[i] = p
				}
				continue
			}
			byIdentity[*p.IdentityKey] = len(identityRows)
			identityRows = append(identityRows, p)
		case p.PlatformUserID != nil:
			if i, ok := byPlatform[*p.PlatformUserID]; ok {
				if moreRecent(p, platformRows[i]) {
					platformRows[i] = p
				}
				continue
			}
			byPlatform[*p.PlatformUserID] = len(platformRows)
			platformRows = append(platformRows, p)
		default:
			anonymousRows = append(anonymousRows, p)
		}
	}

	covered := make(map[int64]struct{}, len(identityRows))
	for _, p := range identityRows {
		if p.PlatformUserID != nil {
			covered[*p.PlatformUserID] = struct{}{}
		}
	}

	out := make([]*domain.Participant, 0, len(identityRows)+len(platformRows)+len(anonymousRows))
	out = append(out, identityRows...)
	for _, p := range platformRows {
		if _, ok := covered[*p.PlatformUserID]; ok {
			continue
		}
		out = append(out, p)
	}
	return append(out, anonymousRows...)
}

// moreRecent reports whether candidate's last activity is strictly later than current's.
func moreRecent(candidate, current *domain.Participant) bool {
	c := candidate.LastActivityAt
	if c == nil || c.IsZero() {
		return false
	}
	cur := current.LastActivityAt
	if cur == nil || cur.IsZero() {
		return true
	}
	return c.After(*cur)
}
