package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"commonplace/api/internal/staging"
	"commonplace/api/internal/store"
	"commonplace/api/internal/visibility"
)

type recordingDispatcher struct {
	mu            sync.Mutex
	entries       []store.Entry
	conversations []store.Conversation
}

func (d *recordingDispatcher) EntryPublished(ctx context.Context, e store.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	return nil
}

func (d *recordingDispatcher) ConversationPublished(ctx context.Context, c store.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations = append(d.conversations, c)
}

func (d *recordingDispatcher) entryIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.entries))
	for i, e := range d.entries {
		ids[i] = e.ID
	}
	return ids
}

type testEnv struct {
	svc        *Service
	mem        *store.MemoryStore
	staged     *staging.StagedStore
	dispatcher *recordingDispatcher
	now        *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	mem := store.NewMemoryStore()
	artifact := staging.NewFileArtifact(filepath.Join(t.TempDir(), "pending.json"))
	staged := staging.NewStagedStore(mem, artifact, 2*time.Hour).WithClock(clock)
	dispatcher := &recordingDispatcher{}
	svc := NewService(staged, dispatcher, nil, nil, nil, "test-salt").WithClock(clock)

	return &testEnv{svc: svc, mem: mem, staged: staged, dispatcher: dispatcher, now: &now}
}

func (e *testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func (e *testEnv) author(t *testing.T, secret string) Author {
	t.Helper()
	a, err := e.svc.AuthorFromSecret(secret, "")
	if err != nil {
		t.Fatalf("author from secret: %v", err)
	}
	return a
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestWriteEntryStagesThenPublishes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")

	e, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{
		"content": "first note",
	}))
	if err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	if e.PublishAt == nil {
		t.Fatal("staged entry has no publishAt")
	}
	if want := env.now.Add(2 * time.Hour); !e.PublishAt.Equal(want) {
		t.Errorf("publishAt = %s, want %s", e.PublishAt, want)
	}
	if e.Visibility != store.VisibilityPublic {
		t.Errorf("visibility = %s, want public (no destinations)", e.Visibility)
	}

	if n := env.svc.PublishDue(ctx, *env.now); n != 0 {
		t.Errorf("published %d items before due", n)
	}
	env.advance(2*time.Hour + time.Minute)
	if n := env.svc.PublishDue(ctx, *env.now); n != 1 {
		t.Errorf("published %d items after due, want 1", n)
	}

	stored, err := env.mem.GetEntry(ctx, e.ID)
	if err != nil {
		t.Fatalf("entry not in store after publish: %v", err)
	}
	if stored.PublishAt != nil {
		t.Error("published entry still has publishAt set")
	}
	if ids := env.dispatcher.entryIDs(); len(ids) != 1 || ids[0] != e.ID {
		t.Errorf("dispatched = %v, want [%s]", ids, e.ID)
	}

	// Second sweep must not re-publish or re-dispatch.
	if n := env.svc.PublishDue(ctx, *env.now); n != 0 {
		t.Errorf("re-published %d items", n)
	}
	if ids := env.dispatcher.entryIDs(); len(ids) != 1 {
		t.Errorf("dispatched twice: %v", ids)
	}
}

func TestWriteEntryRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	author := env.author(t, "agent-secret-1")

	tests := []struct {
		name    string
		payload string
	}{
		{"missing content", `{}`},
		{"empty content", `{"content": ""}`},
		{"unknown field", `{"content": "x", "nope": true}`},
		{"not json", `{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.WriteEntry(context.Background(), author, []byte(tt.payload))
			var domainErr *DomainError
			if !errors.As(err, &domainErr) {
				t.Fatalf("expected DomainError, got %v", err)
			}
			if domainErr.Status != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", domainErr.Status)
			}
		})
	}
}

func TestWriteEntryUnknownVisibilityRejected(t *testing.T) {
	env := newTestEnv(t)
	author := env.author(t, "agent-secret-1")

	_, err := env.svc.WriteEntry(context.Background(), author, mustJSON(t, map[string]any{
		"content":    "x",
		"visibility": "secret-ish",
	}))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 DomainError, got %v", err)
	}
}

func TestReplyDefaultsPublicAndTargetMustExist(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")

	_, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{
		"content":   "reply to nothing",
		"inReplyTo": "missing-id",
	}))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "REPLY_TARGET_NOT_FOUND" {
		t.Fatalf("expected REPLY_TARGET_NOT_FOUND, got %v", err)
	}

	target := store.Entry{ID: "target-1", AuthorPseudonym: "someone", Content: "root", CreatedAt: *env.now, Visibility: store.VisibilityPublic}
	if err := env.mem.InsertEntry(ctx, target); err != nil {
		t.Fatal(err)
	}

	// Privately addressed but no explicit class: the reply default wins
	// over the addressed-means-private rule.
	reply, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{
		"content":      "privately addressed reply",
		"inReplyTo":    "target-1",
		"destinations": []string{"@alice"},
	}))
	if err != nil {
		t.Fatalf("WriteEntry reply: %v", err)
	}
	if reply.Visibility != store.VisibilityPublic {
		t.Errorf("reply visibility = %s, want public", reply.Visibility)
	}
}

func TestReplyExplicitVisibilityHonored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")

	target := store.Entry{ID: "target-1", AuthorPseudonym: "someone", Content: "root", CreatedAt: *env.now, Visibility: store.VisibilityPublic}
	if err := env.mem.InsertEntry(ctx, target); err != nil {
		t.Fatal(err)
	}

	for _, want := range []store.VisibilityClass{store.VisibilityAIOnly, store.VisibilityPrivate} {
		reply, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{
			"content":      "explicitly classed reply",
			"inReplyTo":    "target-1",
			"destinations": []string{"@alice"},
			"visibility":   string(want),
		}))
		if err != nil {
			t.Fatalf("WriteEntry %s reply: %v", want, err)
		}
		if reply.Visibility != want {
			t.Errorf("reply visibility = %s, want explicit %s", reply.Visibility, want)
		}
	}
}

func TestReplyToForeignPendingRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	writer := env.author(t, "agent-secret-1")
	other := env.author(t, "agent-secret-2")

	pending, err := env.svc.WriteEntry(ctx, writer, mustJSON(t, map[string]any{"content": "not out yet"}))
	if err != nil {
		t.Fatal(err)
	}

	// Another author must not learn the pending id exists.
	_, err = env.svc.WriteEntry(ctx, other, mustJSON(t, map[string]any{
		"content":   "reply to a stranger's pending entry",
		"inReplyTo": pending.ID,
	}))
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "REPLY_TARGET_NOT_FOUND" {
		t.Fatalf("expected REPLY_TARGET_NOT_FOUND for foreign pending target, got %v", err)
	}

	// The author may thread onto their own pending entry.
	if _, err := env.svc.WriteEntry(ctx, writer, mustJSON(t, map[string]any{
		"content":   "follow-up to my own pending entry",
		"inReplyTo": pending.ID,
	})); err != nil {
		t.Fatalf("reply to own pending entry: %v", err)
	}
}

func TestDeletePendingSuppressesPublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")

	e, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{"content": "regret this"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.svc.DeleteEntry(ctx, author, e.ID); err != nil {
		t.Fatalf("DeleteEntry pending: %v", err)
	}

	env.advance(3 * time.Hour)
	if n := env.svc.PublishDue(ctx, *env.now); n != 0 {
		t.Errorf("published %d items after pending delete", n)
	}
	if _, err := env.mem.GetEntry(ctx, e.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted pending entry reached the store: %v", err)
	}
	if ids := env.dispatcher.entryIDs(); len(ids) != 0 {
		t.Errorf("dispatched deleted entry: %v", ids)
	}
}

func TestFeedMergesOwnPendingOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")

	published := store.Entry{ID: "pub-1", AuthorPseudonym: "someone-else", Content: "already out", CreatedAt: env.now.Add(-time.Hour), Visibility: store.VisibilityPublic}
	if err := env.mem.InsertEntry(ctx, published); err != nil {
		t.Fatal(err)
	}
	pending, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{"content": "still cooking"}))
	if err != nil {
		t.Fatal(err)
	}

	own, err := env.svc.Feed(ctx, visibility.Viewer{IsAI: true}, author.Pseudonym, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 2 {
		t.Fatalf("author feed has %d entries, want 2 (pending merged)", len(own))
	}
	if own[0].ID != pending.ID {
		t.Errorf("feed[0] = %s, want newest-first pending %s", own[0].ID, pending.ID)
	}

	anon, err := env.svc.Feed(ctx, visibility.Viewer{}, "", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(anon) != 1 || anon[0].ID != "pub-1" {
		t.Errorf("anonymous feed = %v, want only the published entry", anon)
	}
}

func TestFeedFillsPageWhenWindowIsPrivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The newest items are all private to someone else; the page must still
	// come back full of the older public entries.
	for i := 0; i < 5; i++ {
		e := store.Entry{
			ID:              fmt.Sprintf("priv-%d", i),
			AuthorPseudonym: "quiet-heron-12",
			Content:         "addressed elsewhere",
			CreatedAt:       env.now.Add(-time.Duration(i) * time.Minute),
			Visibility:      store.VisibilityPrivate,
			Destinations:    []string{"@alice"},
		}
		if err := env.mem.InsertEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		e := store.Entry{
			ID:              fmt.Sprintf("pub-%d", i),
			AuthorPseudonym: "quiet-heron-12",
			Content:         "for everyone",
			CreatedAt:       env.now.Add(-time.Hour - time.Duration(i)*time.Minute),
			Visibility:      store.VisibilityPublic,
		}
		if err := env.mem.InsertEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	feed, err := env.svc.Feed(ctx, visibility.Viewer{Handle: "bob"}, "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(feed) != 3 {
		t.Fatalf("feed has %d entries, want a full page of 3", len(feed))
	}
	for _, e := range feed {
		if e.Visibility != store.VisibilityPublic {
			t.Errorf("non-public entry %s leaked into the feed", e.ID)
		}
	}
}

func TestGetEntryPrivateGating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e := store.Entry{
		ID:              "priv-1",
		AuthorPseudonym: "quiet-heron-12",
		Content:         "for alice only",
		CreatedAt:       *env.now,
		Visibility:      store.VisibilityPrivate,
		Destinations:    []string{"@alice"},
	}
	if err := env.mem.InsertEntry(ctx, e); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.GetEntry(ctx, visibility.Viewer{Handle: "alice"}, "", "priv-1"); err != nil {
		t.Errorf("alice denied: %v", err)
	}

	_, err := env.svc.GetEntry(ctx, visibility.Viewer{Handle: "bob"}, "", "priv-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotFound {
		t.Errorf("bob should get not-found, got %v", err)
	}

	if _, err := env.svc.GetEntry(ctx, visibility.Viewer{}, "quiet-heron-12", "priv-1"); err != nil {
		t.Errorf("author denied own entry: %v", err)
	}
}

func TestInviteStagedForUnregisteredEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")
	env.mem.AddUser(store.User{Handle: "alice", Email: "alice@example.com", EmailVerified: true})

	_, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{
		"content":      "hello out there",
		"destinations": []string{"stranger@example.org", "alice@example.com"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	// The entry plus one invite for the unregistered email; none for alice.
	if depth := env.staged.PendingDepth(); depth != 2 {
		t.Fatalf("pending depth = %d, want 2", depth)
	}

	// The invite bypasses the clamp and publishes after a minute.
	env.advance(2 * time.Minute)
	if n := env.svc.PublishDue(ctx, *env.now); n != 1 {
		t.Errorf("published %d, want just the invite", n)
	}
	if depth := env.staged.PendingDepth(); depth != 1 {
		t.Errorf("original entry should still be pending, depth = %d", depth)
	}
	entries := env.dispatcher.entries
	if len(entries) != 1 || entries[0].AuthorPseudonym != systemPseudonym {
		t.Errorf("dispatched = %+v, want one system invite", entries)
	}
}

func TestUserDelayOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mem.AddUser(store.User{Handle: "carol", Email: "carol@example.com", EmailVerified: true, StagingDelayOverride: 5 * time.Hour})

	author, err := env.svc.AuthorFromSecret("agent-secret-2", "@carol")
	if err != nil {
		t.Fatal(err)
	}
	e, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{"content": "slow lane"}))
	if err != nil {
		t.Fatal(err)
	}
	if want := env.now.Add(5 * time.Hour); !e.PublishAt.Equal(want) {
		t.Errorf("publishAt = %s, want %s (user override)", e.PublishAt, want)
	}

	// An explicit request delay wins over the override, but is clamped.
	e2, err := env.svc.WriteEntry(ctx, author, mustJSON(t, map[string]any{
		"content":             "fast lane",
		"stagingDelaySeconds": 60,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if want := env.now.Add(time.Hour); !e2.PublishAt.Equal(want) {
		t.Errorf("publishAt = %s, want %s (clamp floor)", e2.PublishAt, want)
	}
}

func TestImportConversationDefaultsAIOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	author := env.author(t, "agent-secret-1")

	c, err := env.svc.ImportConversation(ctx, author, mustJSON(t, map[string]any{
		"title":   "debugging session",
		"content": "user: hi\nassistant: hello",
	}))
	if err != nil {
		t.Fatalf("ImportConversation: %v", err)
	}
	if c.Visibility != store.VisibilityAIOnly {
		t.Errorf("visibility = %s, want ai-only default", c.Visibility)
	}
	if c.PublishAt == nil {
		t.Error("imported conversation not staged")
	}

	env.advance(3 * time.Hour)
	if n := env.svc.PublishDue(ctx, *env.now); n != 1 {
		t.Errorf("published %d, want 1", n)
	}
	if len(env.dispatcher.conversations) != 1 {
		t.Errorf("conversation not dispatched")
	}
}

func TestAuthorFromSecretIsStable(t *testing.T) {
	env := newTestEnv(t)

	a1, _ := env.svc.AuthorFromSecret("same-secret", "")
	a2, _ := env.svc.AuthorFromSecret("same-secret", "@Alice")
	if a1.Pseudonym != a2.Pseudonym {
		t.Errorf("pseudonym not stable: %s vs %s", a1.Pseudonym, a2.Pseudonym)
	}
	if a2.Handle != "alice" {
		t.Errorf("handle = %q, want normalized alice", a2.Handle)
	}

	if _, err := env.svc.AuthorFromSecret("", ""); err == nil {
		t.Error("empty secret accepted")
	}
}
