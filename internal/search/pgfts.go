package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Only published items are searchable: a pending item has publish_at in the
// future and is excluded by every sub-query.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across entries and conversations using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	visibilities := "('public')"
	if q.AIViewer {
		visibilities = "('public', 'ai-only')"
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultEntry {
		where := fmt.Sprintf("e.fts @@ %s AND e.visibility IN %s AND (e.publish_at IS NULL OR e.publish_at <= now())", tsQuery, visibilities)
		if q.FilterAuthor != "" {
			where += fmt.Sprintf(" AND e.author_pseudonym = $%d", argN)
			args = append(args, q.FilterAuthor)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'entry'::text AS type, e.id, e.author_pseudonym AS title,
				ts_headline('english', e.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.author_pseudonym, e.visibility,
				ts_rank(e.fts, %s) AS rank
			FROM entries e
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultConversation {
		where := fmt.Sprintf("c.fts @@ %s AND c.visibility IN %s AND (c.publish_at IS NULL OR c.publish_at <= now())", tsQuery, visibilities)
		if q.FilterAuthor != "" {
			where += fmt.Sprintf(" AND c.author_pseudonym = $%d", argN)
			args = append(args, q.FilterAuthor)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'conversation'::text AS type, c.id, coalesce(c.title, '') AS title,
				ts_headline('english', c.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.author_pseudonym, c.visibility,
				ts_rank(c.fts, %s) AS rank
			FROM conversations c
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, author_pseudonym, visibility
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.AuthorPseudonym, &r.Visibility); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable published records for full reindexing.
// Private items stay out of the index entirely.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, []ConversationRecord, error) {
	entryRows, err := p.db.QueryContext(ctx, `
		SELECT id, content, author_pseudonym, visibility, is_reflection, extract(epoch from created_at)::bigint
		FROM entries
		WHERE visibility IN ('public', 'ai-only')
		  AND (publish_at IS NULL OR publish_at <= now())
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load entries: %w", err)
	}
	defer entryRows.Close()

	entries := make([]EntryRecord, 0)
	for entryRows.Next() {
		var e EntryRecord
		if err := entryRows.Scan(&e.ID, &e.Content, &e.AuthorPseudonym, &e.Visibility, &e.IsReflection, &e.CreatedAtUnix); err != nil {
			return nil, nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := entryRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate entries: %w", err)
	}

	convRows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(title, ''), content, author_pseudonym, visibility, extract(epoch from created_at)::bigint
		FROM conversations
		WHERE visibility IN ('public', 'ai-only')
		  AND (publish_at IS NULL OR publish_at <= now())
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversations: %w", err)
	}
	defer convRows.Close()

	conversations := make([]ConversationRecord, 0)
	for convRows.Next() {
		var c ConversationRecord
		if err := convRows.Scan(&c.ID, &c.Title, &c.Content, &c.AuthorPseudonym, &c.Visibility, &c.CreatedAtUnix); err != nil {
			return nil, nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := convRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return entries, conversations, nil
}
