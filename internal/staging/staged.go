package staging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"commonplace/api/internal/store"
	"commonplace/api/internal/util"
)

const (
	// Staging delays are clamped for everything a writer can request.
	MinDelay = time.Hour
	MaxDelay = 30 * 24 * time.Hour

	// System-originated items (invite entries) bypass the clamp but still
	// get a floor so publish never races the write.
	SystemMinDelay = time.Second
)

// StagedStore wraps a base Store with the pending queue and recovery
// artifact. It is the staged Store variant: SupportsStaging reports true and
// the store.StagingCapability methods are available.
type StagedStore struct {
	store.Store
	queue        *queue
	artifact     ArtifactStore
	defaultDelay time.Duration
	now          func() time.Time
}

func NewStagedStore(base store.Store, artifact ArtifactStore, defaultDelay time.Duration) *StagedStore {
	if defaultDelay <= 0 {
		defaultDelay = 2 * time.Hour
	}
	return &StagedStore{
		Store:        base,
		queue:        newQueue(),
		artifact:     artifact,
		defaultDelay: defaultDelay,
		now:          time.Now,
	}
}

// WithClock replaces the clock, for tests.
func (s *StagedStore) WithClock(now func() time.Time) *StagedStore {
	s.now = now
	return s
}

func (s *StagedStore) SupportsStaging() bool { return true }

func (s *StagedStore) effectiveDelay(opts store.StageOptions) time.Duration {
	delay := opts.Delay
	if delay <= 0 {
		delay = s.defaultDelay
	}
	if opts.System {
		if delay < SystemMinDelay {
			delay = SystemMinDelay
		}
		return delay
	}
	if delay < MinDelay {
		delay = MinDelay
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return delay
}

func (s *StagedStore) StageEntry(ctx context.Context, e store.Entry, opts store.StageOptions) (store.Entry, error) {
	if strings.TrimSpace(e.Content) == "" {
		return store.Entry{}, fmt.Errorf("stage entry: empty content")
	}
	now := s.now()
	if e.ID == "" {
		e.ID = util.NewItemID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	publishAt := now.Add(s.effectiveDelay(opts))
	e.PublishAt = &publishAt
	s.queue.putEntry(e)
	return e, nil
}

func (s *StagedStore) StageConversation(ctx context.Context, c store.Conversation, opts store.StageOptions) (store.Conversation, error) {
	if strings.TrimSpace(c.Content) == "" {
		return store.Conversation{}, fmt.Errorf("stage conversation: empty content")
	}
	now := s.now()
	if c.ID == "" {
		c.ID = util.NewItemID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	publishAt := now.Add(s.effectiveDelay(opts))
	c.PublishAt = &publishAt
	s.queue.putConversation(c)
	return c, nil
}

func (s *StagedStore) PublishEntry(ctx context.Context, id string) (*store.Entry, error) {
	e, ok := s.queue.takeEntry(id)
	if !ok {
		return nil, nil
	}
	e.PublishAt = nil
	if err := s.Store.InsertEntry(ctx, e); err != nil {
		// Keep the item pending so the next sweep retries.
		s.queue.putEntry(e)
		return nil, fmt.Errorf("publish entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *StagedStore) PublishConversation(ctx context.Context, id string) (*store.Conversation, error) {
	c, ok := s.queue.takeConversation(id)
	if !ok {
		return nil, nil
	}
	c.PublishAt = nil
	if err := s.Store.InsertConversation(ctx, c); err != nil {
		s.queue.putConversation(c)
		return nil, fmt.Errorf("publish conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *StagedStore) DueItems(now time.Time) store.PendingSet {
	return s.queue.due(now)
}

func (s *StagedStore) PendingByAuthor(pseudonym string) store.PendingSet {
	return s.queue.byAuthor(pseudonym)
}

func (s *StagedStore) DiscardPending(id string) bool {
	return s.queue.remove(id)
}

func (s *StagedStore) PendingDepth() int {
	return s.queue.depth()
}

// SaveRecovery serializes the pending set during the shutdown sequence.
// Failure here silently downgrades durability, so it is logged loudly by
// the caller as well as returned.
func (s *StagedStore) SaveRecovery(ctx context.Context) error {
	snap := s.queue.snapshot()
	if len(snap.Entries) == 0 && len(snap.Conversations) == 0 {
		if err := s.artifact.Clear(ctx); err != nil {
			log.Printf("WARNING: staging: clear empty recovery artifact: %v", err)
		}
		return nil
	}
	snap.SavedAt = s.now()
	if err := s.artifact.Save(ctx, snap); err != nil {
		return fmt.Errorf("save recovery artifact: %w", err)
	}
	log.Printf("staging: recovery artifact saved (%d entries, %d conversations)", len(snap.Entries), len(snap.Conversations))
	return nil
}

// RestoreRecovery replays the artifact on startup and deletes it. A missing
// artifact is normal; a corrupt or unreadable one is logged at highest
// severity and startup continues with an empty queue rather than refusing
// to boot.
func (s *StagedStore) RestoreRecovery(ctx context.Context) int {
	snap, err := s.artifact.Load(ctx)
	if err != nil {
		log.Printf("ERROR: staging: recovery artifact unreadable, pending items lost: %v", err)
		return 0
	}
	if snap == nil {
		return 0
	}
	restored := s.queue.restore(*snap)
	if err := s.artifact.Clear(ctx); err != nil {
		log.Printf("WARNING: staging: could not delete recovery artifact after restore: %v", err)
	}
	log.Printf("staging: restored %d pending items from recovery artifact (saved %s)", restored, snap.SavedAt.Format(time.RFC3339))
	return restored
}
