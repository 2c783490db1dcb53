package summarize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"commonplace/api/internal/store"
	"commonplace/api/internal/util"
)

// DefaultGap is the inter-entry silence that closes a session.
const DefaultGap = 30 * time.Minute

type schedulerStore interface {
	ListSessionEntries(ctx context.Context, pseudonym string, after, until time.Time) ([]store.Entry, error)
	LatestSessionEnd(ctx context.Context, pseudonym string) (time.Time, error)
	HasSessionSummaryCovering(ctx context.Context, pseudonym string, start, end time.Time) (bool, error)
	InsertSessionSummary(ctx context.Context, s store.SessionSummary) error
	ListEntriesOnDay(ctx context.Context, date string) ([]store.Entry, error)
	GetDailySummary(ctx context.Context, date string) (store.DailySummary, error)
	InsertDailySummary(ctx context.Context, d store.DailySummary) error
}

// Scheduler owns all summary-generation state: the per-pseudonym last-seen
// publish timestamp and the daily-check markers. The in-memory markers are
// an optimization only; at-most-once generation is enforced by existence
// checks against the store, so it holds across restarts.
type Scheduler struct {
	store      schedulerStore
	summarizer Summarizer
	gap        time.Duration
	now        func() time.Time

	mu             sync.Mutex
	lastSeen       map[string]time.Time
	lastDailyCheck time.Time
	lastDailyDate  string
}

func NewScheduler(s schedulerStore, summarizer Summarizer, gap time.Duration) *Scheduler {
	if gap <= 0 {
		gap = DefaultGap
	}
	return &Scheduler{
		store:      s,
		summarizer: summarizer,
		gap:        gap,
		now:        time.Now,
		lastSeen:   make(map[string]time.Time),
	}
}

// WithClock replaces the clock, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// EntryPublished is the dispatcher's publish hook. When the gap since the
// author's previous publish exceeds the session threshold, the session that
// ended at the previous publish is summarized. The last-seen timestamp is
// updated unconditionally.
func (s *Scheduler) EntryPublished(ctx context.Context, e store.Entry) {
	t := s.now()
	pseudonym := e.AuthorPseudonym
	if pseudonym == "" {
		return
	}

	s.mu.Lock()
	prev, seen := s.lastSeen[pseudonym]
	s.lastSeen[pseudonym] = t
	s.mu.Unlock()

	if !seen || t.Sub(prev) <= s.gap {
		return
	}
	if err := s.closeSession(ctx, pseudonym, prev); err != nil {
		log.Printf("summarize: close session for %s: %v", pseudonym, err)
	}
}

func (s *Scheduler) closeSession(ctx context.Context, pseudonym string, until time.Time) error {
	lastEnd, err := s.store.LatestSessionEnd(ctx, pseudonym)
	if err != nil {
		return fmt.Errorf("latest session end: %w", err)
	}
	entries, err := s.store.ListSessionEntries(ctx, pseudonym, lastEnd, until)
	if err != nil {
		return fmt.Errorf("list session entries: %w", err)
	}
	_, err = s.summarizeRun(ctx, pseudonym, entries)
	return err
}

// summarizeRun stores a summary for one contiguous run of entries if it has
// at least two entries and is not already covered. Single-entry sessions are
// never summarized: there is nothing to synthesize. Reports whether a
// summary was stored.
func (s *Scheduler) summarizeRun(ctx context.Context, pseudonym string, entries []store.Entry) (bool, error) {
	if len(entries) < 2 {
		return false, nil
	}
	start := entries[0].CreatedAt
	end := entries[len(entries)-1].CreatedAt
	covered, err := s.store.HasSessionSummaryCovering(ctx, pseudonym, start, end)
	if err != nil {
		return false, fmt.Errorf("check covering summary: %w", err)
	}
	if covered {
		return false, nil
	}

	content, err := s.summarizer.SummarizeSession(ctx, entries)
	if err != nil {
		return false, fmt.Errorf("summarizer: %w", err)
	}
	if content == "" {
		log.Printf("summarize: no session summary produced for %s [%s, %s]", pseudonym, start.Format(time.RFC3339), end.Format(time.RFC3339))
		return false, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	summary := store.SessionSummary{
		ID:              util.NewItemID(),
		AuthorPseudonym: pseudonym,
		Content:         content,
		EntryIDs:        ids,
		StartTime:       start,
		EndTime:         end,
		CreatedAt:       s.now(),
	}
	if err := s.store.InsertSessionSummary(ctx, summary); err != nil {
		return false, fmt.Errorf("store session summary: %w", err)
	}
	return true, nil
}

// Tick runs the daily-summary check. It self-throttles to once per minute
// of wall-clock time and short-circuits once a day has been handled, but
// duplicate ticks are harmless: the store existence check is what prevents
// a second digest, even across restarts.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.lastDailyCheck) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastDailyCheck = now
	yesterday := now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	if s.lastDailyDate == yesterday {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.generateDaily(ctx, yesterday); err != nil {
		log.Printf("summarize: daily digest for %s: %v", yesterday, err)
		return
	}

	s.mu.Lock()
	s.lastDailyDate = yesterday
	s.mu.Unlock()
}

func (s *Scheduler) generateDaily(ctx context.Context, date string) error {
	_, err := s.store.GetDailySummary(ctx, date)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check daily summary: %w", err)
	}

	entries, err := s.store.ListEntriesOnDay(ctx, date)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return fmt.Errorf("parse date: %w", err)
	}
	content, err := s.summarizer.SummarizeDay(ctx, day, entries)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	if content == "" {
		log.Printf("summarize: no daily digest produced for %s", date)
		return nil
	}

	seen := make(map[string]bool)
	contributors := make([]string, 0)
	for _, e := range entries {
		if !seen[e.AuthorPseudonym] {
			seen[e.AuthorPseudonym] = true
			contributors = append(contributors, e.AuthorPseudonym)
		}
	}
	sort.Strings(contributors)

	return s.store.InsertDailySummary(ctx, store.DailySummary{
		Date:                   date,
		Content:                content,
		EntryCount:             len(entries),
		ContributingPseudonyms: contributors,
		CreatedAt:              s.now(),
	})
}

// BackfillDaily generates the digest for one past UTC day if entries exist
// and no digest does. Reports whether a digest was stored.
func (s *Scheduler) BackfillDaily(ctx context.Context, date string) (bool, error) {
	if _, err := time.ParseInLocation("2006-01-02", date, time.UTC); err != nil {
		return false, fmt.Errorf("invalid date %q: %w", date, err)
	}
	if err := s.generateDaily(ctx, date); err != nil {
		return false, err
	}
	_, err := s.store.GetDailySummary(ctx, date)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Backfill reconstructs sessions from an author's full published history by
// splitting at gaps larger than the threshold. The final run has no later
// entry confirming its closing gap, so it stays open and is skipped.
// Returns the number of summaries created.
func (s *Scheduler) Backfill(ctx context.Context, pseudonym string) (int, error) {
	entries, err := s.store.ListSessionEntries(ctx, pseudonym, time.Time{}, s.now())
	if err != nil {
		return 0, fmt.Errorf("list entries for backfill: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	runs := splitSessions(entries, s.gap)
	if len(runs) > 0 {
		runs = runs[:len(runs)-1]
	}

	created := 0
	for _, run := range runs {
		stored, err := s.summarizeRun(ctx, pseudonym, run)
		if err != nil {
			return created, err
		}
		if stored {
			created++
		}
	}
	return created, nil
}

// splitSessions splits strictly ascending entries wherever the inter-entry
// gap exceeds the threshold.
func splitSessions(entries []store.Entry, gap time.Duration) [][]store.Entry {
	if len(entries) == 0 {
		return nil
	}
	runs := make([][]store.Entry, 0)
	current := []store.Entry{entries[0]}
	for _, e := range entries[1:] {
		if e.CreatedAt.Sub(current[len(current)-1].CreatedAt) > gap {
			runs = append(runs, current)
			current = nil
		}
		current = append(current, e)
	}
	runs = append(runs, current)
	return runs
}
