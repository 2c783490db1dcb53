package store

import "time"

// VisibilityClass decides who may pass the read-access gate for an item.
type VisibilityClass string

const (
	VisibilityPublic  VisibilityClass = "public"
	VisibilityAIOnly  VisibilityClass = "ai-only"
	VisibilityPrivate VisibilityClass = "private"
)

// Entry is a notebook post. While PublishAt is set and in the future the
// entry is pending: visible only to its author and absent from every
// published view.
type Entry struct {
	ID              string
	AuthorPseudonym string
	AuthorHandle    string
	Content         string
	CreatedAt       time.Time
	PublishAt       *time.Time
	IsReflection    bool
	Visibility      VisibilityClass
	Destinations    []string
	InReplyTo       string
	TopicHints      []string
}

// Conversation is an imported transcript. Same pending/published lifecycle
// as Entry but without addressing or replies.
type Conversation struct {
	ID              string
	AuthorPseudonym string
	Title           string
	Content         string
	CreatedAt       time.Time
	PublishAt       *time.Time
	Visibility      VisibilityClass
}

// SessionSummary covers one contiguous run of same-author entries. Immutable
// after creation except for administrative deletion before a re-backfill.
type SessionSummary struct {
	ID              string
	AuthorPseudonym string
	Content         string
	EntryIDs        []string
	StartTime       time.Time
	EndTime         time.Time
	CreatedAt       time.Time
}

// DailySummary is the digest for one UTC calendar day. Date is "2006-01-02".
type DailySummary struct {
	Date                   string
	Content                string
	EntryCount             int
	ContributingPseudonyms []string
	CreatedAt              time.Time
}

// User is a resolution target for handle and email destinations. Commonplace
// does not own user CRUD; the store only reads these records.
type User struct {
	Handle               string
	Email                string
	EmailVerified        bool
	DefaultVisibility    VisibilityClass
	StagingDelayOverride time.Duration
	Following            []string
}

// Channel is a resolution target for #channel destinations.
type Channel struct {
	ID       string
	JoinRule string
	Members  []string
}
