package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"commonplace/api/internal/store"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestFileArtifactRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pending.json")
	artifact := NewFileArtifact(path)
	ctx := context.Background()

	// No artifact yet.
	snap, err := artifact.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot for missing artifact")
	}

	publishAt := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	want := Snapshot{
		SavedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Entries: []store.Entry{{
			ID:              "e1",
			AuthorPseudonym: "quiet-heron-12",
			Content:         "hello",
			PublishAt:       &publishAt,
			Visibility:      store.VisibilityPublic,
			Destinations:    []string{},
			TopicHints:      []string{"go"},
		}},
		Conversations: []store.Conversation{{
			ID:              "c1",
			AuthorPseudonym: "quiet-heron-12",
			Content:         "transcript",
			PublishAt:       &publishAt,
			Visibility:      store.VisibilityAIOnly,
		}},
	}

	if err := artifact.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := artifact.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot")
	}
	if len(got.Entries) != 1 || len(got.Conversations) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", got)
	}
	e := got.Entries[0]
	if e.ID != "e1" || e.PublishAt == nil || !e.PublishAt.Equal(publishAt) {
		t.Errorf("entry not preserved: %+v", e)
	}
	if got.Conversations[0].Visibility != store.VisibilityAIOnly {
		t.Errorf("conversation visibility not preserved: %+v", got.Conversations[0])
	}

	if err := artifact.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	snap, err = artifact.Load(ctx)
	if err != nil || snap != nil {
		t.Fatalf("expected artifact gone after Clear, got %v, %v", snap, err)
	}
	// Clearing twice is fine.
	if err := artifact.Clear(ctx); err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
}

func TestFileArtifactCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	if err := writeFile(path, "][nope"); err != nil {
		t.Fatal(err)
	}
	_, err := NewFileArtifact(path).Load(context.Background())
	if err == nil {
		t.Fatal("expected error for corrupt artifact")
	}
}

func TestNewArtifactStoreSelectsBackend(t *testing.T) {
	fileBacked, err := NewArtifactStore(ArtifactConfig{Path: filepath.Join(t.TempDir(), "p.json")})
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	if _, ok := fileBacked.(*FileArtifact); !ok {
		t.Errorf("expected FileArtifact, got %T", fileBacked)
	}

	if _, err := NewArtifactStore(ArtifactConfig{}); err == nil {
		t.Error("expected error when neither path nor endpoint configured")
	}
}
