package domain

import (
	"context"
	"time"
)

// ParticipantRepository defines persistence operations for participants.
type ParticipantRepository interface {
	// ListByOrg returns every row of the organization, duplicates included.
	ListByOrg(ctx context.Context, orgID string) ([]*Participant, error)
	ListDuplicates(ctx context.Context, orgID string) ([]*Participant, error)
	GetByID(ctx context.Context, id string) (*Participant, error)
	// FindByKeys returns canonical rows matching any of the identity keys or platform ids.
	FindByKeys(ctx context.Context, orgID string, identityKeys []string, platformUserIDs []int64) ([]*Participant, error)
	// InsertIfAbsent inserts p unless a canonical row with the same key exists.
	// It reports whether a row was written.
	InsertIfAbsent(ctx context.Context, p *Participant) (bool, error)
	// UpdateDerived writes recency, scores and filled-in name fields.
	UpdateDerived(ctx context.Context, p *Participant) error
	SetMergedInto(ctx context.Context, id, targetID string) error
}

// EventRepository defines persistence operations for activity events and their details.
type EventRepository interface {
	// ListForChats returns the newest events of the org in the given chats.
	ListForChats(ctx context.Context, orgID string, chatIDs []int64, limit int) ([]*ActivityEvent, error)
	// ListWindow returns the newest limit events of one chat in [since, until),
	// ordered oldest first.
	ListWindow(ctx context.Context, chatID int64, since, until time.Time, limit int) ([]*ActivityEvent, error)
	// AggregateBySender groups events by identity key, falling back to platform id.
	AggregateBySender(ctx context.Context, chatIDs []int64) ([]ActivityAggregate, error)
	// AggregateByParticipant groups events by the legacy participant reference.
	AggregateByParticipant(ctx context.Context, participantIDs []string) ([]ActivityAggregate, error)
	// InsertBatch inserts all events or none. A uniqueness collision yields ErrDuplicate.
	InsertBatch(ctx context.Context, events []*ActivityEvent) error
	// InsertIgnoringConflicts inserts the events that do not collide and
	// returns dedup key -> id for the rows actually written.
	InsertIgnoringConflicts(ctx context.Context, events []*ActivityEvent) (map[string]int64, error)
	FindByDedupKeys(ctx context.Context, chatID int64, keys []string) (map[string]int64, error)
	// UpsertDetails writes detail records, ignoring conflicts. It returns the number written.
	UpsertDetails(ctx context.Context, details []*MessageDetail) (int, error)
}

// IdentityRepository reads the external identity store.
type IdentityRepository interface {
	ListByKeys(ctx context.Context, keys []string) ([]*IdentityRecord, error)
	ListByPlatformIDs(ctx context.Context, ids []int64) ([]*IdentityRecord, error)
	Upsert(ctx context.Context, rec *IdentityRecord) error
}

// ChatRepository defines operations around an organization's connected chats.
type ChatRepository interface {
	ListChatIDs(ctx context.Context, orgID string) ([]int64, error)
	Connect(ctx context.Context, chat *OrgChat) error
}

// LinkRepository defines operations around participant/chat membership.
type LinkRepository interface {
	Upsert(ctx context.Context, link *ParticipantGroupLink) error
	MarkLeft(ctx context.Context, participantID string, chatID int64, at time.Time) error
	CountActiveMembers(ctx context.Context, chatID int64) (int, error)
	// ListCrossOrgParticipants returns canonical participants of other
	// organizations linked to any of the chats.
	ListCrossOrgParticipants(ctx context.Context, orgID string, chatIDs []int64) ([]*Participant, error)
}

// ImportJobRepository persists import jobs and their checkpoints.
type ImportJobRepository interface {
	Create(ctx context.Context, job *ImportJob) error
	GetByID(ctx context.Context, id string) (*ImportJob, error)
	Checkpoint(ctx context.Context, job *ImportJob) error
	Finish(ctx context.Context, job *ImportJob) error
}
