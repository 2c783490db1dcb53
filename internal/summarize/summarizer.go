// Package summarize derives session and daily summaries from the publish
// stream. Summaries are a best-effort enhancement: generation failures are
// logged and swallowed, never allowed back into the publish path.
package summarize

import (
	"context"
	"time"

	"commonplace/api/internal/store"
)

// Summarizer turns entry sets into prose. An empty string means "no summary
// produced" and is not an error.
type Summarizer interface {
	SummarizeSession(ctx context.Context, entries []store.Entry) (string, error)
	SummarizeDay(ctx context.Context, date time.Time, entries []store.Entry) (string, error)
}
