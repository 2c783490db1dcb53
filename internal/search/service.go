package search

import (
	"context"
	"log"

	"commonplace/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: sanitizeResults(nonNil(results), q.AIViewer), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(nonNil(results), q.AIViewer), Total: total, Query: q.Text}
}

// IndexEntry indexes a published entry (fire-and-forget to Meilisearch).
// Private entries are never indexed.
func (s *Service) IndexEntry(e store.Entry) {
	if e.Visibility == store.VisibilityPrivate {
		return
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := entryRecord(e)
	go func() {
		if err := s.meili.IndexEntry(rec); err != nil {
			log.Printf("search: index entry %s: %v", rec.ID, err)
		}
	}()
}

// IndexConversation indexes a published conversation (fire-and-forget to
// Meilisearch). Private conversations are never indexed.
func (s *Service) IndexConversation(c store.Conversation) {
	if c.Visibility == store.VisibilityPrivate {
		return
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := conversationRecord(c)
	go func() {
		if err := s.meili.IndexConversation(rec); err != nil {
			log.Printf("search: index conversation %s: %v", rec.ID, err)
		}
	}()
}

// DeleteEntry removes an entry from the search index (fire-and-forget).
func (s *Service) DeleteEntry(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteEntry(id); err != nil {
			log.Printf("search: delete entry %s: %v", id, err)
		}
	}()
}

// DeleteConversation removes a conversation from the search index (fire-and-forget).
func (s *Service) DeleteConversation(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteConversation(id); err != nil {
			log.Printf("search: delete conversation %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all published items from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	entries, conversations, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexEntries(entries); err != nil {
		log.Printf("search: reindex entries: %v", err)
	}
	if err := s.meili.IndexConversations(conversations); err != nil {
		log.Printf("search: reindex conversations: %v", err)
	}
}

func entryRecord(e store.Entry) EntryRecord {
	return EntryRecord{
		ID:              e.ID,
		Content:         e.Content,
		AuthorPseudonym: e.AuthorPseudonym,
		Visibility:      string(e.Visibility),
		TopicHints:      e.TopicHints,
		IsReflection:    e.IsReflection,
		CreatedAtUnix:   e.CreatedAt.Unix(),
	}
}

func conversationRecord(c store.Conversation) ConversationRecord {
	return ConversationRecord{
		ID:              c.ID,
		Title:           c.Title,
		Content:         c.Content,
		AuthorPseudonym: c.AuthorPseudonym,
		Visibility:      string(c.Visibility),
		CreatedAtUnix:   c.CreatedAt.Unix(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// sanitizeResults drops ai-only hits for human searchers even if the index
// returned them, so a stale filter configuration cannot leak content.
func sanitizeResults(results []Result, aiViewer bool) []Result {
	if aiViewer {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.Visibility == string(store.VisibilityAIOnly) {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
