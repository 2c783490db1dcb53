package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultEntry        ResultType = "entry"
	ResultConversation ResultType = "conversation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type            ResultType `json:"type"`
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Snippet         string     `json:"snippet"`
	AuthorPseudonym string     `json:"authorPseudonym"`
	Visibility      string     `json:"visibility,omitempty"`
}

// Query describes a search request. AIViewer widens the scope to ai-only
// items; private items are never indexed, so no query can reach them.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterAuthor string
	Limit        int
	Offset       int
	AIViewer     bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// EntryRecord is the data we index for an entry.
type EntryRecord struct {
	ID              string   `json:"id"`
	Content         string   `json:"content"`
	AuthorPseudonym string   `json:"authorPseudonym"`
	Visibility      string   `json:"visibility"`
	TopicHints      []string `json:"topicHints"`
	IsReflection    bool     `json:"isReflection"`
	CreatedAtUnix   int64    `json:"createdAtUnix"`
}

// ConversationRecord is the data we index for an imported conversation.
type ConversationRecord struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Content         string `json:"content"`
	AuthorPseudonym string `json:"authorPseudonym"`
	Visibility      string `json:"visibility"`
	CreatedAtUnix   int64  `json:"createdAtUnix"`
}
