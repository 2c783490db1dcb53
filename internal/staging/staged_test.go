package staging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"commonplace/api/internal/store"
)

func testClock(start time.Time) (func() time.Time, *time.Time) {
	current := start
	return func() time.Time { return current }, &current
}

func newTestStaged(t *testing.T, start time.Time) (*StagedStore, *store.MemoryStore, *time.Time) {
	t.Helper()
	base := store.NewMemoryStore()
	artifact := NewFileArtifact(filepath.Join(t.TempDir(), "pending.json"))
	clock, current := testClock(start)
	staged := NewStagedStore(base, artifact, 2*time.Hour).WithClock(clock)
	return staged, base, current
}

func TestStageClampsDelay(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staged, _, _ := newTestStaged(t, start)
	ctx := context.Background()

	tests := []struct {
		name string
		opts store.StageOptions
		want time.Duration
	}{
		{"below minimum", store.StageOptions{Delay: time.Minute}, time.Hour},
		{"above maximum", store.StageOptions{Delay: 90 * 24 * time.Hour}, 30 * 24 * time.Hour},
		{"within range", store.StageOptions{Delay: 6 * time.Hour}, 6 * time.Hour},
		{"zero uses default", store.StageOptions{}, 2 * time.Hour},
		{"system bypasses clamp", store.StageOptions{Delay: 60 * time.Second, System: true}, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := staged.StageEntry(ctx, store.Entry{AuthorPseudonym: "p", Content: "hello"}, tt.opts)
			if err != nil {
				t.Fatalf("StageEntry failed: %v", err)
			}
			if e.PublishAt == nil {
				t.Fatal("expected publishAt to be set")
			}
			if got := e.PublishAt.Sub(start); got != tt.want {
				t.Errorf("delay = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelayCorrectness(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staged, base, current := newTestStaged(t, start)
	ctx := context.Background()

	e, err := staged.StageEntry(ctx, store.Entry{AuthorPseudonym: "p", Content: "draft"}, store.StageOptions{Delay: 2 * time.Hour})
	if err != nil {
		t.Fatalf("StageEntry failed: %v", err)
	}

	// Before publishAt the item must be absent from due and from published views.
	if due := staged.DueItems(*current); len(due.Entries) != 0 {
		t.Fatalf("expected no due entries before delay, got %d", len(due.Entries))
	}
	if _, err := base.GetEntry(ctx, e.ID); err != store.ErrNotFound {
		t.Fatalf("pending entry must not be in published storage, err=%v", err)
	}

	// Author still sees their own draft.
	pending := staged.PendingByAuthor("p")
	if len(pending.Entries) != 1 || pending.Entries[0].ID != e.ID {
		t.Fatalf("author should see pending entry, got %+v", pending.Entries)
	}

	*current = start.Add(2*time.Hour + time.Second)
	due := staged.DueItems(*current)
	if len(due.Entries) != 1 {
		t.Fatalf("expected 1 due entry after delay, got %d", len(due.Entries))
	}
}

func TestPublishIsExactlyOnce(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staged, base, _ := newTestStaged(t, start)
	ctx := context.Background()

	e, err := staged.StageEntry(ctx, store.Entry{AuthorPseudonym: "p", Content: "once"}, store.StageOptions{})
	if err != nil {
		t.Fatalf("StageEntry failed: %v", err)
	}

	published, err := staged.PublishEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("PublishEntry failed: %v", err)
	}
	if published == nil {
		t.Fatal("first publish should return the entry")
	}
	if published.PublishAt != nil {
		t.Error("publishAt must be cleared on publish")
	}

	again, err := staged.PublishEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("second PublishEntry errored: %v", err)
	}
	if again != nil {
		t.Error("second publish must be a no-op returning nil")
	}

	got, err := base.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("published entry missing from store: %v", err)
	}
	if got.Content != "once" {
		t.Errorf("unexpected content %q", got.Content)
	}
}

func TestDiscardPendingSuppressesPublish(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	staged, base, _ := newTestStaged(t, start)
	ctx := context.Background()

	e, _ := staged.StageEntry(ctx, store.Entry{AuthorPseudonym: "p", Content: "oops"}, store.StageOptions{})
	if !staged.DiscardPending(e.ID) {
		t.Fatal("expected discard to succeed")
	}
	if staged.DiscardPending(e.ID) {
		t.Error("second discard should report false")
	}

	published, err := staged.PublishEntry(ctx, e.ID)
	if err != nil || published != nil {
		t.Fatalf("discarded entry must not publish, got %v, %v", published, err)
	}
	if _, err := base.GetEntry(ctx, e.ID); err != store.ErrNotFound {
		t.Error("discarded entry must never reach published storage")
	}
}

func TestRecoveryRoundTrip(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	artifact := NewFileArtifact(filepath.Join(dir, "pending.json"))
	clock, _ := testClock(start)
	ctx := context.Background()

	staged := NewStagedStore(store.NewMemoryStore(), artifact, 2*time.Hour).WithClock(clock)
	var staged1 store.Entry
	for i, content := range []string{"one", "two", "three"} {
		e, err := staged.StageEntry(ctx, store.Entry{AuthorPseudonym: "p", Content: content}, store.StageOptions{Delay: time.Duration(i+1) * time.Hour})
		if err != nil {
			t.Fatalf("StageEntry failed: %v", err)
		}
		if i == 0 {
			staged1 = e
		}
	}
	if _, err := staged.StageConversation(ctx, store.Conversation{AuthorPseudonym: "p", Content: "transcript"}, store.StageOptions{}); err != nil {
		t.Fatalf("StageConversation failed: %v", err)
	}

	if err := staged.SaveRecovery(ctx); err != nil {
		t.Fatalf("SaveRecovery failed: %v", err)
	}

	// Fresh process: new queue, same artifact.
	restored := NewStagedStore(store.NewMemoryStore(), artifact, 2*time.Hour).WithClock(clock)
	if n := restored.RestoreRecovery(ctx); n != 4 {
		t.Fatalf("expected 4 restored items, got %d", n)
	}
	if restored.PendingDepth() != 4 {
		t.Fatalf("expected pending depth 4, got %d", restored.PendingDepth())
	}

	pending := restored.PendingByAuthor("p")
	found := false
	for _, e := range pending.Entries {
		if e.ID == staged1.ID {
			found = true
			if e.PublishAt == nil || !e.PublishAt.Equal(*staged1.PublishAt) {
				t.Errorf("publishAt not preserved: got %v want %v", e.PublishAt, staged1.PublishAt)
			}
		}
	}
	if !found {
		t.Fatal("staged entry missing after restore")
	}

	// The artifact is deleted after restore; restoring again is a no-op.
	if n := restored.RestoreRecovery(ctx); n != 0 {
		t.Fatalf("second restore must not duplicate, restored %d", n)
	}
	if restored.PendingDepth() != 4 {
		t.Fatalf("pending depth changed after second restore: %d", restored.PendingDepth())
	}
}

func TestRestoreIsIdempotentUnderRepeatedSnapshots(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	artifact := NewFileArtifact(filepath.Join(dir, "pending.json"))
	clock, _ := testClock(start)
	ctx := context.Background()

	staged := NewStagedStore(store.NewMemoryStore(), artifact, 2*time.Hour).WithClock(clock)
	e, _ := staged.StageEntry(ctx, store.Entry{AuthorPseudonym: "p", Content: "dup"}, store.StageOptions{})

	snap := Snapshot{Entries: []store.Entry{e}}
	if err := artifact.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The same item is already in the queue; restore must not duplicate it.
	if n := staged.RestoreRecovery(ctx); n != 0 {
		t.Fatalf("restore duplicated a live pending item, restored %d", n)
	}
	if staged.PendingDepth() != 1 {
		t.Fatalf("expected depth 1, got %d", staged.PendingDepth())
	}
}

func TestRestoreCorruptArtifactContinuesEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending.json")
	if err := writeFile(path, "{not json"); err != nil {
		t.Fatal(err)
	}
	staged := NewStagedStore(store.NewMemoryStore(), NewFileArtifact(path), 2*time.Hour)
	if n := staged.RestoreRecovery(context.Background()); n != 0 {
		t.Fatalf("corrupt artifact must restore nothing, got %d", n)
	}
	if staged.PendingDepth() != 0 {
		t.Fatal("queue must stay empty after corrupt artifact")
	}
}
