package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) SupportsStaging() bool { return false }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// String slices (destinations, topic hints, entry ids) are stored as jsonb.

func toJSON(list []string) []byte {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return data
}

func fromJSON(data []byte) []string {
	if len(data) == 0 {
		return []string{}
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return []string{}
	}
	return list
}

func (s *PostgresStore) InsertEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, author_pseudonym, author_handle, content, created_at, is_reflection, visibility, destinations, in_reply_to, topic_hints)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.AuthorPseudonym, e.AuthorHandle, e.Content, e.CreatedAt, e.IsReflection, string(e.Visibility), toJSON(e.Destinations), e.InReplyTo, toJSON(e.TopicHints))
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

const entryColumns = `id, author_pseudonym, author_handle, content, created_at, is_reflection, visibility, destinations, in_reply_to, topic_hints`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var visibility string
	var destinations, topics []byte
	err := row.Scan(&e.ID, &e.AuthorPseudonym, &e.AuthorHandle, &e.Content, &e.CreatedAt, &e.IsReflection, &visibility, &destinations, &e.InReplyTo, &topics)
	if err != nil {
		return Entry{}, err
	}
	e.Visibility = VisibilityClass(visibility)
	e.Destinations = fromJSON(destinations)
	e.TopicHints = fromJSON(topics)
	return e, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=$1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) listEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
}

func (s *PostgresStore) ListEntriesByAuthor(ctx context.Context, pseudonym string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE author_pseudonym=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, pseudonym, limit)
}

func (s *PostgresStore) ListSessionEntries(ctx context.Context, pseudonym string, after, until time.Time) ([]Entry, error) {
	return s.listEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE author_pseudonym=$1 AND NOT is_reflection AND created_at > $2 AND created_at <= $3
		ORDER BY created_at ASC
	`, pseudonym, after, until)
}

func (s *PostgresStore) ListEntriesOnDay(ctx context.Context, date string) ([]Entry, error) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse day %q: %w", date, err)
	}
	return s.listEntries(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
	`, day, day.AddDate(0, 0, 1))
}

func (s *PostgresStore) InsertConversation(ctx context.Context, c Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, author_pseudonym, title, content, created_at, visibility)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.AuthorPseudonym, c.Title, c.Content, c.CreatedAt, string(c.Visibility))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var visibility string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, author_pseudonym, title, content, created_at, visibility
		FROM conversations WHERE id=$1
	`, id).Scan(&c.ID, &c.AuthorPseudonym, &c.Title, &c.Content, &c.CreatedAt, &visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.Visibility = VisibilityClass(visibility)
	return c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_pseudonym, title, content, created_at, visibility
		FROM conversations
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		var visibility string
		if err := rows.Scan(&c.ID, &c.AuthorPseudonym, &c.Title, &c.Content, &c.CreatedAt, &visibility); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Visibility = VisibilityClass(visibility)
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSessionSummary(ctx context.Context, sum SessionSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (id, author_pseudonym, content, entry_ids, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, sum.ID, sum.AuthorPseudonym, sum.Content, toJSON(sum.EntryIDs), sum.StartTime, sum.EndTime, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessionSummaries(ctx context.Context, pseudonym string) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_pseudonym, content, entry_ids, start_time, end_time, created_at
		FROM session_summaries
		WHERE author_pseudonym=$1
		ORDER BY start_time ASC
	`, pseudonym)
	if err != nil {
		return nil, fmt.Errorf("list session summaries: %w", err)
	}
	defer rows.Close()

	items := make([]SessionSummary, 0)
	for rows.Next() {
		var sum SessionSummary
		var entryIDs []byte
		if err := rows.Scan(&sum.ID, &sum.AuthorPseudonym, &sum.Content, &entryIDs, &sum.StartTime, &sum.EndTime, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.EntryIDs = fromJSON(entryIDs)
		items = append(items, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) LatestSessionEnd(ctx context.Context, pseudonym string) (time.Time, error) {
	var end time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT end_time FROM session_summaries
		WHERE author_pseudonym=$1
		ORDER BY end_time DESC
		LIMIT 1
	`, pseudonym).Scan(&end)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest session end: %w", err)
	}
	return end, nil
}

func (s *PostgresStore) HasSessionSummaryCovering(ctx context.Context, pseudonym string, start, end time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM session_summaries
			WHERE author_pseudonym=$1 AND start_time <= $2 AND end_time >= $3
		)
	`, pseudonym, start, end).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session summary: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteSessionSummary(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_summaries WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDailySummary(ctx context.Context, d DailySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, content, entry_count, contributing_pseudonyms, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (date) DO NOTHING
	`, d.Date, d.Content, d.EntryCount, toJSON(d.ContributingPseudonyms), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert daily summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDailySummary(ctx context.Context, date string) (DailySummary, error) {
	var d DailySummary
	var contributing []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT date, content, entry_count, contributing_pseudonyms, created_at
		FROM daily_summaries WHERE date=$1
	`, date).Scan(&d.Date, &d.Content, &d.EntryCount, &contributing, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DailySummary{}, ErrNotFound
	}
	if err != nil {
		return DailySummary{}, fmt.Errorf("get daily summary: %w", err)
	}
	d.ContributingPseudonyms = fromJSON(contributing)
	return d, nil
}

func (s *PostgresStore) ListDailySummaries(ctx context.Context, limit int) ([]DailySummary, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, content, entry_count, contributing_pseudonyms, created_at
		FROM daily_summaries
		ORDER BY date DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list daily summaries: %w", err)
	}
	defer rows.Close()

	items := make([]DailySummary, 0)
	for rows.Next() {
		var d DailySummary
		var contributing []byte
		if err := rows.Scan(&d.Date, &d.Content, &d.EntryCount, &contributing, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan daily summary: %w", err)
		}
		d.ContributingPseudonyms = fromJSON(contributing)
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily summaries: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UserByHandle(ctx context.Context, handle string) (User, error) {
	var u User
	var visibility string
	var overrideSeconds int64
	var following []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT handle, email, email_verified, default_visibility, staging_delay_seconds, following
		FROM users WHERE LOWER(handle)=LOWER($1)
	`, handle).Scan(&u.Handle, &u.Email, &u.EmailVerified, &visibility, &overrideSeconds, &following)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by handle: %w", err)
	}
	u.DefaultVisibility = VisibilityClass(visibility)
	u.StagingDelayOverride = time.Duration(overrideSeconds) * time.Second
	u.Following = fromJSON(following)
	return u, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	var visibility string
	var overrideSeconds int64
	var following []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT handle, email, email_verified, default_visibility, staging_delay_seconds, following
		FROM users WHERE email_verified AND LOWER(email)=LOWER($1)
	`, email).Scan(&u.Handle, &u.Email, &u.EmailVerified, &visibility, &overrideSeconds, &following)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by email: %w", err)
	}
	u.DefaultVisibility = VisibilityClass(visibility)
	u.StagingDelayOverride = time.Duration(overrideSeconds) * time.Second
	u.Following = fromJSON(following)
	return u, nil
}

func (s *PostgresStore) IsChannelMember(ctx context.Context, channelID, handle string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM channel_members
			WHERE channel_id=$1 AND LOWER(handle)=LOWER($2)
		)
	`, channelID, handle).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check channel member: %w", err)
	}
	return member, nil
}
