package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no record matches.
var ErrNotFound = errors.New("not found")

// Store is durable keyed storage for published items and derived summaries.
// It owns Entry/Conversation/SessionSummary/DailySummary records exclusively;
// nothing else mutates them directly.
//
// A Store that also holds not-yet-published items reports
// SupportsStaging() == true and additionally implements StagingCapability.
// Callers must check the flag, never the concrete type.
type Store interface {
	InsertEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id string) (Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	ListEntries(ctx context.Context, limit int) ([]Entry, error)
	ListEntriesByAuthor(ctx context.Context, pseudonym string, limit int) ([]Entry, error)
	// ListSessionEntries returns the author's published, non-reflection
	// entries with CreatedAt in (after, until], ascending.
	ListSessionEntries(ctx context.Context, pseudonym string, after, until time.Time) ([]Entry, error)
	// ListEntriesOnDay returns published entries for one UTC day ("2006-01-02").
	ListEntriesOnDay(ctx context.Context, date string) ([]Entry, error)

	InsertConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	InsertSessionSummary(ctx context.Context, s SessionSummary) error
	ListSessionSummaries(ctx context.Context, pseudonym string) ([]SessionSummary, error)
	// LatestSessionEnd returns the zero time when the author has no summaries.
	LatestSessionEnd(ctx context.Context, pseudonym string) (time.Time, error)
	HasSessionSummaryCovering(ctx context.Context, pseudonym string, start, end time.Time) (bool, error)
	DeleteSessionSummary(ctx context.Context, id string) error

	InsertDailySummary(ctx context.Context, d DailySummary) error
	GetDailySummary(ctx context.Context, date string) (DailySummary, error)
	ListDailySummaries(ctx context.Context, limit int) ([]DailySummary, error)

	UserByHandle(ctx context.Context, handle string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	IsChannelMember(ctx context.Context, channelID, handle string) (bool, error)

	Ping(ctx context.Context) error
	SupportsStaging() bool
}

// StageOptions controls the staging delay for one item. System-originated
// items (invites) may bypass the [1h, 30d] clamp; everything else is clamped.
type StageOptions struct {
	Delay  time.Duration
	System bool
}

// PendingSet is a point-in-time view of not-yet-published items.
type PendingSet struct {
	Entries       []Entry
	Conversations []Conversation
}

// StagingCapability is implemented only by the staged store variant.
type StagingCapability interface {
	StageEntry(ctx context.Context, e Entry, opts StageOptions) (Entry, error)
	StageConversation(ctx context.Context, c Conversation, opts StageOptions) (Conversation, error)
	// PublishEntry atomically moves a pending entry to published storage and
	// clears PublishAt. Publishing an id that is not pending (already
	// published, deleted, or unknown) returns (nil, nil).
	PublishEntry(ctx context.Context, id string) (*Entry, error)
	PublishConversation(ctx context.Context, id string) (*Conversation, error)
	DueItems(now time.Time) PendingSet
	PendingByAuthor(pseudonym string) PendingSet
	// DiscardPending removes a pending item before it publishes. Returns
	// false if the id is not pending.
	DiscardPending(id string) bool
}
