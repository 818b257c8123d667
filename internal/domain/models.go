package domain

import "time"

// EventType is the kind of an observed activity.
type EventType string

const (
	EventMessage EventType = "message"
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventJoin, EventLeave:
		return true
	}
	return false
}

// Participant sources.
const (
	SourceActivity = "activity"
	SourceBackfill = "backfill"
	SourceCrossOrg = "cross_org"
	SourceImport   = "import"
	SourceWebhook  = "webhook"
	SourceManual   = "manual"
)

// Participant is one real person within one organization.
// A record with MergedInto set is a duplicate of another record.
type Participant struct {
	ID             string     `db:"id" json:"id"`
	OrgID          string     `db:"org_id" json:"org_id"`
	IdentityKey    *string    `db:"identity_key" json:"identity_key,omitempty"`
	PlatformUserID *int64     `db:"platform_user_id" json:"platform_user_id,omitempty"`
	Username       *string    `db:"username" json:"username,omitempty"`
	FullName       *string    `db:"full_name" json:"full_name,omitempty"`
	Phone          *string    `db:"phone" json:"phone,omitempty"`
	Email          *string    `db:"email" json:"email,omitempty"`
	LastActivityAt *time.Time `db:"last_activity_at" json:"last_activity_at,omitempty"`
	ActivityScore  int        `db:"activity_score" json:"activity_score"`
	RiskScore      *int       `db:"risk_score" json:"risk_score"`
	MergedInto     *string    `db:"merged_into" json:"merged_into,omitempty"`
	Source         string     `db:"source" json:"source,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// IsDuplicate reports whether the record has been merged into another one.
func (p *Participant) IsDuplicate() bool {
	return p.MergedInto != nil && *p.MergedInto != ""
}

// Clone returns a shallow copy with its own pointer fields.
func (p *Participant) Clone() *Participant {
	c := *p
	c.IdentityKey = cloneStr(p.IdentityKey)
	c.Username = cloneStr(p.Username)
	c.FullName = cloneStr(p.FullName)
	c.Phone = cloneStr(p.Phone)
	c.Email = cloneStr(p.Email)
	c.MergedInto = cloneStr(p.MergedInto)
	if p.PlatformUserID != nil {
		v := *p.PlatformUserID
		c.PlatformUserID = &v
	}
	if p.LastActivityAt != nil {
		v := *p.LastActivityAt
		c.LastActivityAt = &v
	}
	if p.RiskScore != nil {
		v := *p.RiskScore
		c.RiskScore = &v
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ActivityEvent is an immutable, append-only fact about one observed action.
type ActivityEvent struct {
	ID               int64     `db:"id" json:"id"`
	OrgID            string    `db:"org_id" json:"org_id"`
	EventType        EventType `db:"event_type" json:"event_type"`
	ChatID           int64     `db:"chat_id" json:"chat_id"`
	PlatformUserID   *int64    `db:"platform_user_id" json:"platform_user_id,omitempty"`
	IdentityKey      *string   `db:"identity_key" json:"identity_key,omitempty"`
	ParticipantID    *string   `db:"participant_id" json:"participant_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	MessageID        *int64    `db:"message_id" json:"message_id,omitempty"`
	ReplyToMessageID *int64    `db:"reply_to_message_id" json:"reply_to_message_id,omitempty"`
	DedupKey         string    `db:"dedup_key" json:"dedup_key"`
	ImportSource     string    `db:"import_source" json:"import_source"`
	ImportJobID      *string   `db:"import_job_id" json:"import_job_id,omitempty"`
	Meta             Meta      `db:"meta" json:"meta"`
}

// ParticipantGroupLink records membership of a participant in a chat.
type ParticipantGroupLink struct {
	ParticipantID string     `db:"participant_id" json:"participant_id"`
	ChatID        int64      `db:"chat_id" json:"chat_id"`
	JoinedAt      time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt        *time.Time `db:"left_at" json:"left_at,omitempty"`
	IsActive      bool       `db:"is_active" json:"is_active"`
}

// OrgChat is a chat connected to an organization.
type OrgChat struct {
	OrgID       string    `db:"org_id" json:"org_id"`
	ChatID      int64     `db:"chat_id" json:"chat_id"`
	Title       string    `db:"title" json:"title"`
	ConnectedAt time.Time `db:"connected_at" json:"connected_at"`
}

// IdentityRecord is a row of the external identity store.
type IdentityRecord struct {
	IdentityKey    string  `db:"identity_key" json:"identity_key"`
	PlatformUserID *int64  `db:"platform_user_id" json:"platform_user_id,omitempty"`
	Username       *string `db:"username" json:"username,omitempty"`
	FirstName      *string `db:"first_name" json:"first_name,omitempty"`
	LastName       *string `db:"last_name" json:"last_name,omitempty"`
	FullName       *string `db:"full_name" json:"full_name,omitempty"`
}

// MessageDetail carries the full text of a message event. Text is encrypted at rest.
type MessageDetail struct {
	OrgID          string    `db:"org_id"`
	ChatID         int64     `db:"chat_id"`
	EventID        int64     `db:"event_id"`
	DedupKey       string    `db:"dedup_key"`
	ParticipantID  *string   `db:"participant_id"`
	PlatformUserID *int64    `db:"platform_user_id"`
	Text           string    `db:"text"`
	CharCount      int       `db:"char_count"`
	WordCount      int       `db:"word_count"`
	SentAt         time.Time `db:"sent_at"`
}

// ActivityAggregate is an event count and latest timestamp for one sender key.
type ActivityAggregate struct {
	IdentityKey    *string
	PlatformUserID *int64
	ParticipantID  *string
	EventCount     int
	LastActivity   *time.Time
}

// Import job statuses.
const (
	ImportPending   = "pending"
	ImportRunning   = "running"
	ImportCompleted = "completed"
	ImportFailed    = "failed"
)

// ImportJob tracks one bulk import run and its inter-batch checkpoint.
type ImportJob struct {
	ID                  string     `db:"id" json:"id"`
	OrgID               string     `db:"org_id" json:"org_id"`
	ChatID              int64      `db:"chat_id" json:"chat_id"`
	Source              string     `db:"source" json:"source"`
	Status              string     `db:"status" json:"status"`
	TotalEvents         int        `db:"total_events" json:"total_events"`
	ProcessedOffset     int        `db:"processed_offset" json:"processed_offset"`
	Imported            int        `db:"imported" json:"imported"`
	Skipped             int        `db:"skipped" json:"skipped"`
	Duplicates          int        `db:"duplicates" json:"duplicates"`
	NewParticipants     int        `db:"new_participants" json:"new_participants"`
	MatchedParticipants int        `db:"matched_participants" json:"matched_participants"`
	DetailsSaved        int        `db:"details_saved" json:"details_saved"`
	ErrorMessage        *string    `db:"error_message" json:"error_message,omitempty"`
	Payload             []byte     `db:"payload" json:"-"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt         *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Summary returns the outbound import result counters.
func (j *ImportJob) Summary() ImportSummary {
	return ImportSummary{
		Imported:            j.Imported,
		Skipped:             j.Skipped,
		Duplicates:          j.Duplicates,
		NewParticipants:     j.NewParticipants,
		MatchedParticipants: j.MatchedParticipants,
	}
}

// ImportSummary is the per-run import result.
type ImportSummary struct {
	Imported            int `json:"imported"`
	Skipped             int `json:"skipped"`
	Duplicates          int `json:"duplicates"`
	NewParticipants     int `json:"new_participants"`
	MatchedParticipants int `json:"matched_participants"`
}
