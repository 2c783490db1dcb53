// Package app is the service layer: it owns the write pipeline (validate,
// normalize, stage), the read pipeline (gate, strip, merge pending), and the
// due-publish sweep that drives the dispatcher.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"commonplace/api/internal/address"
	"commonplace/api/internal/identity"
	"commonplace/api/internal/ingest"
	"commonplace/api/internal/notify"
	"commonplace/api/internal/search"
	"commonplace/api/internal/store"
	"commonplace/api/internal/summarize"
	"commonplace/api/internal/util"
	"commonplace/api/internal/visibility"
)

// inviteDelay is the system staging delay for invite entries addressed to
// unregistered emails. Deliberately below the normal clamp floor.
const inviteDelay = 60 * time.Second

const systemPseudonym = "commonplace-system"

// Dispatcher receives every pending→published transition exactly once.
type Dispatcher interface {
	EntryPublished(ctx context.Context, e store.Entry) error
	ConversationPublished(ctx context.Context, c store.Conversation)
}

// SearchDeleter is the slice of the search service the delete path needs.
type SearchDeleter interface {
	DeleteEntry(id string)
	DeleteConversation(id string)
}

// Author is an authenticated writer. The pseudonym is derived from the agent
// secret; Handle is an optional claim linking to a registered user for the
// per-user staging delay override.
type Author struct {
	Pseudonym string
	Handle    string
}

type Service struct {
	store      store.Store
	staging    store.StagingCapability // nil when the store has no staging
	dispatcher Dispatcher
	scheduler  *summarize.Scheduler
	search     SearchDeleter
	inbox      *notify.Inbox
	salt       string
	now        func() time.Time
}

func NewService(st store.Store, dispatcher Dispatcher, scheduler *summarize.Scheduler, searchSvc SearchDeleter, inbox *notify.Inbox, pseudonymSalt string) *Service {
	s := &Service{
		store:      st,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		search:     searchSvc,
		inbox:      inbox,
		salt:       pseudonymSalt,
		now:        time.Now,
	}
	if st.SupportsStaging() {
		if cap, ok := st.(store.StagingCapability); ok {
			s.staging = cap
		}
	}
	return s
}

// WithClock replaces the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AuthorFromSecret derives the stable pseudonym for an agent secret. The
// handle claim is normalized but not verified; it only unlocks the user's
// own staging delay override, never another author's items.
func (s *Service) AuthorFromSecret(secret, handleClaim string) (Author, error) {
	if strings.TrimSpace(secret) == "" {
		return Author{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Agent secret required", nil)
	}
	return Author{
		Pseudonym: identity.Pseudonym(secret, s.salt),
		Handle:    strings.ToLower(strings.TrimSpace(strings.TrimPrefix(handleClaim, "@"))),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// WriteEntryRequest is the decoded write payload. Raw bytes are validated
// against the ingest schema before decoding.
type WriteEntryRequest struct {
	Content             string   `json:"content"`
	Visibility          string   `json:"visibility"`
	HumanVisible        *bool    `json:"humanVisible"`
	AIOnly              *bool    `json:"aiOnly"`
	IsReflection        bool     `json:"isReflection"`
	Destinations        []string `json:"destinations"`
	InReplyTo           string   `json:"inReplyTo"`
	TopicHints          []string `json:"topicHints"`
	AuthorHandle        string   `json:"authorHandle"`
	StagingDelaySeconds int      `json:"stagingDelaySeconds"`
}

// WriteEntry validates, normalizes, and stages one entry. With no staging
// capability the entry publishes immediately and the dispatcher fires inline.
func (s *Service) WriteEntry(ctx context.Context, author Author, payload []byte) (store.Entry, error) {
	if err := ingest.ValidateWriteEntry(payload); err != nil {
		return store.Entry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	var req WriteEntryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return store.Entry{}, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}

	vis, ok := ingest.NormalizeVisibility(req.Visibility, req.HumanVisible, req.AIOnly)
	if !ok {
		return store.Entry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown visibility %q", req.Visibility), nil)
	}
	if vis == "" {
		vis = address.DefaultVisibility(req.Destinations, req.InReplyTo)
	}

	// A reply without an explicit class came out of DefaultVisibility as
	// public above; an explicit class on a reply is honored as written.
	if req.InReplyTo != "" {
		if _, err := s.store.GetEntry(ctx, req.InReplyTo); err != nil {
			if errors.Is(err, store.ErrNotFound) && !s.isOwnPending(author.Pseudonym, req.InReplyTo) {
				return store.Entry{}, domainError(http.StatusUnprocessableEntity, "REPLY_TARGET_NOT_FOUND", fmt.Sprintf("entry %s does not exist", req.InReplyTo), nil)
			} else if !errors.Is(err, store.ErrNotFound) {
				return store.Entry{}, fmt.Errorf("check reply target: %w", err)
			}
		}
	}

	handle := author.Handle
	if req.AuthorHandle != "" {
		handle = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(req.AuthorHandle, "@")))
	}

	e := store.Entry{
		AuthorPseudonym: author.Pseudonym,
		AuthorHandle:    handle,
		Content:         req.Content,
		IsReflection:    req.IsReflection,
		Visibility:      vis,
		Destinations:    req.Destinations,
		InReplyTo:       req.InReplyTo,
		TopicHints:      req.TopicHints,
	}

	delay := s.delayFor(ctx, handle, req.StagingDelaySeconds)

	if s.staging == nil {
		e.ID = ""
		e.CreatedAt = s.now()
		staged, err := s.publishImmediately(ctx, e)
		if err != nil {
			return store.Entry{}, err
		}
		return staged, nil
	}

	staged, err := s.staging.StageEntry(ctx, e, store.StageOptions{Delay: delay})
	if err != nil {
		return store.Entry{}, fmt.Errorf("stage entry: %w", err)
	}

	s.stageInvites(ctx, staged)
	return staged, nil
}

// delayFor picks the staging delay: an explicit request wins, then the
// registered user's override, then zero (the staged store's default).
func (s *Service) delayFor(ctx context.Context, handle string, requestedSeconds int) time.Duration {
	if requestedSeconds > 0 {
		return time.Duration(requestedSeconds) * time.Second
	}
	if handle == "" {
		return 0
	}
	u, err := s.store.UserByHandle(ctx, handle)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("app: delay override lookup for %q: %v", handle, err)
		}
		return 0
	}
	return u.StagingDelayOverride
}

// stageInvites stages a short-delay system entry for every destination email
// that does not resolve to a registered user, so the recipient gets an
// invitation when the original entry is still pending.
func (s *Service) stageInvites(ctx context.Context, e store.Entry) {
	for _, d := range address.ParseAll(e.Destinations) {
		if d.Kind != address.KindEmail {
			continue
		}
		if _, err := s.store.UserByEmail(ctx, d.Value); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("app: invite lookup %q: %v", d.Value, err)
			continue
		}
		invite := store.Entry{
			AuthorPseudonym: systemPseudonym,
			Content:         fmt.Sprintf("%s is writing to you on Commonplace. An entry addressed to %s will be visible to you once it publishes.", e.AuthorPseudonym, d.Value),
			Visibility:      store.VisibilityPrivate,
			Destinations:    []string{d.Value},
		}
		if _, err := s.staging.StageEntry(ctx, invite, store.StageOptions{Delay: inviteDelay, System: true}); err != nil {
			log.Printf("app: stage invite for %q: %v", d.Value, err)
		}
	}
}

func (s *Service) publishImmediately(ctx context.Context, e store.Entry) (store.Entry, error) {
	if e.ID == "" {
		e.ID = util.NewItemID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.store.InsertEntry(ctx, e); err != nil {
		return store.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.EntryPublished(ctx, e); err != nil {
			log.Printf("app: dispatch entry %s: %v", e.ID, err)
		}
	}
	return e, nil
}

// ImportConversationRequest is the decoded conversation-import payload.
type ImportConversationRequest struct {
	Title               string `json:"title"`
	Content             string `json:"content"`
	Visibility          string `json:"visibility"`
	HumanVisible        *bool  `json:"humanVisible"`
	AIOnly              *bool  `json:"aiOnly"`
	StagingDelaySeconds int    `json:"stagingDelaySeconds"`
}

// ImportConversation validates and stages an imported transcript.
// Conversations default to ai-only: transcripts are agent working material.
func (s *Service) ImportConversation(ctx context.Context, author Author, payload []byte) (store.Conversation, error) {
	if err := ingest.ValidateImportConversation(payload); err != nil {
		return store.Conversation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	var req ImportConversationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return store.Conversation{}, domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}

	vis, ok := ingest.NormalizeVisibility(req.Visibility, req.HumanVisible, req.AIOnly)
	if !ok {
		return store.Conversation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown visibility %q", req.Visibility), nil)
	}
	if vis == "" {
		vis = store.VisibilityAIOnly
	}

	c := store.Conversation{
		AuthorPseudonym: author.Pseudonym,
		Title:           req.Title,
		Content:         req.Content,
		Visibility:      vis,
	}

	var delay time.Duration
	if req.StagingDelaySeconds > 0 {
		delay = time.Duration(req.StagingDelaySeconds) * time.Second
	}

	if s.staging == nil {
		c.ID = util.NewItemID()
		c.CreatedAt = s.now()
		if err := s.store.InsertConversation(ctx, c); err != nil {
			return store.Conversation{}, fmt.Errorf("insert conversation: %w", err)
		}
		if s.dispatcher != nil {
			s.dispatcher.ConversationPublished(ctx, c)
		}
		return c, nil
	}

	staged, err := s.staging.StageConversation(ctx, c, store.StageOptions{Delay: delay})
	if err != nil {
		return store.Conversation{}, fmt.Errorf("stage conversation: %w", err)
	}
	return staged, nil
}

// Feed returns the entries the viewer may read, newest first. When the
// caller is an authenticated author their own pending entries are merged in;
// nobody else ever sees a pending item.
func (s *Service) Feed(ctx context.Context, viewer visibility.Viewer, authorPseudonym string, limit int) ([]store.Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	// The gate filters after the fetch, so a window dominated by private
	// items would shrink the page. Over-fetch to keep pages full.
	published, err := s.store.ListEntries(ctx, limit*4)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	members := visibility.NewMembershipCache(s.store)
	out := make([]store.Entry, 0, limit)
	for _, e := range published {
		isAuthor := authorPseudonym != "" && e.AuthorPseudonym == authorPseudonym
		if !visibility.CanView(ctx, e.Visibility, e.Destinations, viewer, isAuthor, members) {
			continue
		}
		out = append(out, visibility.StripEntry(e, viewer, isAuthor))
	}

	if s.staging != nil && authorPseudonym != "" {
		pending := s.staging.PendingByAuthor(authorPseudonym)
		out = append(out, pending.Entries...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetEntry returns one entry through the visibility gate. A pending entry is
// only visible to its author; everyone else gets not-found, including for
// private items the viewer cannot read.
func (s *Service) GetEntry(ctx context.Context, viewer visibility.Viewer, authorPseudonym, id string) (store.Entry, error) {
	if s.staging != nil && authorPseudonym != "" {
		for _, e := range s.staging.PendingByAuthor(authorPseudonym).Entries {
			if e.ID == id {
				return e, nil
			}
		}
	}

	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Entry{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return store.Entry{}, fmt.Errorf("get entry: %w", err)
	}

	isAuthor := authorPseudonym != "" && e.AuthorPseudonym == authorPseudonym
	members := visibility.NewMembershipCache(s.store)
	if !visibility.CanView(ctx, e.Visibility, e.Destinations, viewer, isAuthor, members) {
		return store.Entry{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return visibility.StripEntry(e, viewer, isAuthor), nil
}

// DeleteEntry removes an entry. Deleting a pending entry discards it from
// the queue and suppresses its publish entirely.
func (s *Service) DeleteEntry(ctx context.Context, author Author, id string) error {
	if s.staging != nil {
		for _, e := range s.staging.PendingByAuthor(author.Pseudonym).Entries {
			if e.ID == id {
				s.staging.DiscardPending(id)
				return nil
			}
		}
	}

	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return fmt.Errorf("get entry: %w", err)
	}
	if e.AuthorPseudonym != author.Pseudonym {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the author may delete an entry", nil)
	}
	if err := s.store.DeleteEntry(ctx, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if s.search != nil {
		s.search.DeleteEntry(id)
	}
	return nil
}

// GetConversation mirrors GetEntry for imported transcripts.
func (s *Service) GetConversation(ctx context.Context, viewer visibility.Viewer, authorPseudonym, id string) (store.Conversation, error) {
	if s.staging != nil && authorPseudonym != "" {
		for _, c := range s.staging.PendingByAuthor(authorPseudonym).Conversations {
			if c.ID == id {
				return c, nil
			}
		}
	}

	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Conversation{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return store.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}

	isAuthor := authorPseudonym != "" && c.AuthorPseudonym == authorPseudonym
	members := visibility.NewMembershipCache(s.store)
	if !visibility.CanView(ctx, c.Visibility, nil, viewer, isAuthor, members) {
		return store.Conversation{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return visibility.StripConversation(c, viewer, isAuthor), nil
}

// DeleteConversation mirrors DeleteEntry for imported transcripts.
func (s *Service) DeleteConversation(ctx context.Context, author Author, id string) error {
	if s.staging != nil {
		for _, c := range s.staging.PendingByAuthor(author.Pseudonym).Conversations {
			if c.ID == id {
				s.staging.DiscardPending(id)
				return nil
			}
		}
	}

	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return fmt.Errorf("get conversation: %w", err)
	}
	if c.AuthorPseudonym != author.Pseudonym {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the author may delete a conversation", nil)
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if s.search != nil {
		s.search.DeleteConversation(id)
	}
	return nil
}

// PublishDue publishes every pending item whose publishAt has passed and
// dispatches each exactly once. A dispatch failure never rolls the publish
// back. Returns how many items published.
func (s *Service) PublishDue(ctx context.Context, now time.Time) int {
	if s.staging == nil {
		return 0
	}

	due := s.staging.DueItems(now)
	published := 0

	for _, e := range due.Entries {
		pe, err := s.staging.PublishEntry(ctx, e.ID)
		if err != nil {
			log.Printf("ERROR: app: publish entry %s: %v", e.ID, err)
			continue
		}
		if pe == nil {
			continue
		}
		published++
		if s.dispatcher != nil {
			if err := s.dispatcher.EntryPublished(ctx, *pe); err != nil {
				log.Printf("app: dispatch entry %s: %v", pe.ID, err)
			}
		}
	}

	for _, c := range due.Conversations {
		pc, err := s.staging.PublishConversation(ctx, c.ID)
		if err != nil {
			log.Printf("ERROR: app: publish conversation %s: %v", c.ID, err)
			continue
		}
		if pc == nil {
			continue
		}
		published++
		if s.dispatcher != nil {
			s.dispatcher.ConversationPublished(ctx, *pc)
		}
	}

	return published
}

// RunSweeper drives due publishing and the daily summary tick until the
// context is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PublishDue(ctx, s.now())
			if s.scheduler != nil {
				s.scheduler.Tick(ctx)
			}
		}
	}
}

// SessionSummaries lists an author's session summaries, oldest first.
func (s *Service) SessionSummaries(ctx context.Context, pseudonym string) ([]store.SessionSummary, error) {
	return s.store.ListSessionSummaries(ctx, pseudonym)
}

// DailySummaries lists recent daily digests, newest first.
func (s *Service) DailySummaries(ctx context.Context, limit int) ([]store.DailySummary, error) {
	return s.store.ListDailySummaries(ctx, limit)
}

// DailySummary returns the digest for one UTC day.
func (s *Service) DailySummary(ctx context.Context, date string) (store.DailySummary, error) {
	d, err := s.store.GetDailySummary(ctx, date)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.DailySummary{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return store.DailySummary{}, fmt.Errorf("get daily summary: %w", err)
	}
	return d, nil
}

// InboxList returns a recipient's notifications, newest first. Requires a
// configured inbox.
func (s *Service) InboxList(ctx context.Context, handle string, limit int) ([]notify.Notification, error) {
	if s.inbox == nil {
		return []notify.Notification{}, nil
	}
	return s.inbox.List(ctx, handle, limit)
}

// isOwnPending reports whether id is one of the author's own pending
// entries. Another author's pending entry stays invisible here: replying to
// it must fail the same way as replying to an id that never existed.
func (s *Service) isOwnPending(pseudonym, id string) bool {
	if s.staging == nil {
		return false
	}
	for _, e := range s.staging.PendingByAuthor(pseudonym).Entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Searcher is implemented by the search service.
type Searcher interface {
	Search(q search.Query) search.Response
}
