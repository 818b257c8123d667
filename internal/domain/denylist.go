package domain

// BotDenylist identifies automated senders excluded from group analytics.
type BotDenylist struct {
	PlatformIDs map[int64]struct{}
	Usernames   map[string]struct{}
}

// NewBotDenylist builds a denylist; usernames are normalized.
func NewBotDenylist(ids []int64, usernames []string) BotDenylist {
	d := BotDenylist{
		PlatformIDs: make(map[int64]struct{}, len(ids)),
		Usernames:   make(map[string]struct{}, len(usernames)),
	}
	for _, id := range ids {
		d.PlatformIDs[id] = struct{}{}
	}
	for _, u := range usernames {
		if n := NormalizeUsername(u); n != "" {
			d.Usernames[n] = struct{}{}
		}
	}
	return d
}

// IsBot reports whether a sender matches the denylist by id or username.
func (d BotDenylist) IsBot(platformUserID *int64, username string) bool {
	if platformUserID != nil {
		if _, ok := d.PlatformIDs[*platformUserID]; ok {
			return true
		}
	}
	if username == "" {
		return false
	}
	_, ok := d.Usernames[NormalizeUsername(username)]
	return ok
}
