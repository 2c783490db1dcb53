package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store backend, used by tests and by admin
// tooling that operates on a recovery artifact without a database.
type MemoryStore struct {
	mu             sync.RWMutex
	entries        map[string]Entry
	conversations  map[string]Conversation
	sessions       map[string]SessionSummary
	dailies        map[string]DailySummary
	users          map[string]User
	channelMembers map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:        make(map[string]Entry),
		conversations:  make(map[string]Conversation),
		sessions:       make(map[string]SessionSummary),
		dailies:        make(map[string]DailySummary),
		users:          make(map[string]User),
		channelMembers: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) SupportsStaging() bool { return false }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// AddUser and AddChannel seed resolution targets for tests.

func (s *MemoryStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(u.Handle)] = u
}

func (s *MemoryStore) AddChannel(c Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		members[strings.ToLower(m)] = true
	}
	s.channelMembers[c.ID] = members
}

func (s *MemoryStore) InsertEntry(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return nil
	}
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) collectEntries(match func(Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Entry, 0)
	for _, e := range s.entries {
		if match(e) {
			items = append(items, e)
		}
	}
	return items
}

func (s *MemoryStore) ListEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	items := s.collectEntries(func(Entry) bool { return true })
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ListEntriesByAuthor(ctx context.Context, pseudonym string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	items := s.collectEntries(func(e Entry) bool { return e.AuthorPseudonym == pseudonym })
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) ListSessionEntries(ctx context.Context, pseudonym string, after, until time.Time) ([]Entry, error) {
	items := s.collectEntries(func(e Entry) bool {
		return e.AuthorPseudonym == pseudonym &&
			!e.IsReflection &&
			e.CreatedAt.After(after) &&
			!e.CreatedAt.After(until)
	})
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) ListEntriesOnDay(ctx context.Context, date string) ([]Entry, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return nil, err
	}
	next := day.AddDate(0, 0, 1)
	items := s.collectEntries(func(e Entry) bool {
		t := e.CreatedAt.UTC()
		return !t.Before(day) && t.Before(next)
	})
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) InsertConversation(ctx context.Context, c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return nil
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	items := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		items = append(items, c)
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) InsertSessionSummary(ctx context.Context, sum SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sum.ID]; ok {
		return nil
	}
	s.sessions[sum.ID] = sum
	return nil
}

func (s *MemoryStore) ListSessionSummaries(ctx context.Context, pseudonym string) ([]SessionSummary, error) {
	s.mu.RLock()
	items := make([]SessionSummary, 0)
	for _, sum := range s.sessions {
		if sum.AuthorPseudonym == pseudonym {
			items = append(items, sum)
		}
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].StartTime.Before(items[j].StartTime) })
	return items, nil
}

func (s *MemoryStore) LatestSessionEnd(ctx context.Context, pseudonym string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, sum := range s.sessions {
		if sum.AuthorPseudonym == pseudonym && sum.EndTime.After(latest) {
			latest = sum.EndTime
		}
	}
	return latest, nil
}

func (s *MemoryStore) HasSessionSummaryCovering(ctx context.Context, pseudonym string, start, end time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sum := range s.sessions {
		if sum.AuthorPseudonym != pseudonym {
			continue
		}
		if !sum.StartTime.After(start) && !sum.EndTime.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteSessionSummary(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) InsertDailySummary(ctx context.Context, d DailySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dailies[d.Date]; ok {
		return nil
	}
	s.dailies[d.Date] = d
	return nil
}

func (s *MemoryStore) GetDailySummary(ctx context.Context, date string) (DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dailies[date]
	if !ok {
		return DailySummary{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListDailySummaries(ctx context.Context, limit int) ([]DailySummary, error) {
	if limit <= 0 {
		limit = 30
	}
	s.mu.RLock()
	items := make([]DailySummary, 0, len(s.dailies))
	for _, d := range s.dailies {
		items = append(items, d)
	}
	s.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Date > items[j].Date })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) UserByHandle(ctx context.Context, handle string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.ToLower(strings.TrimPrefix(handle, "@"))]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) UserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.EmailVerified && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) IsChannelMember(ctx context.Context, channelID, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.channelMembers[channelID]
	if !ok {
		return false, nil
	}
	return members[strings.ToLower(handle)], nil
}
