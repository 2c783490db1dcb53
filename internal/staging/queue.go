// Package staging holds items between write time and publish time and owns
// the recovery artifact that carries the pending set across restarts.
package staging

import (
	"sort"
	"sync"
	"time"

	"commonplace/api/internal/store"
)

// queue is the in-memory index of not-yet-published items. All access goes
// through the mutex; items are independent records keyed by id.
type queue struct {
	mu            sync.Mutex
	entries       map[string]store.Entry
	conversations map[string]store.Conversation
}

func newQueue() *queue {
	return &queue{
		entries:       make(map[string]store.Entry),
		conversations: make(map[string]store.Conversation),
	}
}

func (q *queue) putEntry(e store.Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.ID] = e
}

func (q *queue) putConversation(c store.Conversation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.conversations[c.ID] = c
}

// takeEntry removes and returns the pending entry, if present. The removal
// is what makes publish exactly-once: a second caller finds nothing.
func (q *queue) takeEntry(id string) (store.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if ok {
		delete(q.entries, id)
	}
	return e, ok
}

func (q *queue) takeConversation(id string) (store.Conversation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.conversations[id]
	if ok {
		delete(q.conversations, id)
	}
	return c, ok
}

func (q *queue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; ok {
		delete(q.entries, id)
		return true
	}
	if _, ok := q.conversations[id]; ok {
		delete(q.conversations, id)
		return true
	}
	return false
}

func (q *queue) due(now time.Time) store.PendingSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	var set store.PendingSet
	for _, e := range q.entries {
		if e.PublishAt != nil && !e.PublishAt.After(now) {
			set.Entries = append(set.Entries, e)
		}
	}
	for _, c := range q.conversations {
		if c.PublishAt != nil && !c.PublishAt.After(now) {
			set.Conversations = append(set.Conversations, c)
		}
	}
	sortPending(&set)
	return set
}

func (q *queue) byAuthor(pseudonym string) store.PendingSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	var set store.PendingSet
	for _, e := range q.entries {
		if e.AuthorPseudonym == pseudonym {
			set.Entries = append(set.Entries, e)
		}
	}
	for _, c := range q.conversations {
		if c.AuthorPseudonym == pseudonym {
			set.Conversations = append(set.Conversations, c)
		}
	}
	sortPending(&set)
	return set
}

func (q *queue) snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := Snapshot{
		Entries:       make([]store.Entry, 0, len(q.entries)),
		Conversations: make([]store.Conversation, 0, len(q.conversations)),
	}
	for _, e := range q.entries {
		snap.Entries = append(snap.Entries, e)
	}
	for _, c := range q.conversations {
		snap.Conversations = append(snap.Conversations, c)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })
	sort.Slice(snap.Conversations, func(i, j int) bool { return snap.Conversations[i].ID < snap.Conversations[j].ID })
	return snap
}

// restore merges a snapshot into the queue. Ids already present are kept as
// they are, so replaying the same snapshot twice cannot duplicate.
func (q *queue) restore(snap Snapshot) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, e := range snap.Entries {
		if _, ok := q.entries[e.ID]; ok {
			continue
		}
		q.entries[e.ID] = e
		restored++
	}
	for _, c := range snap.Conversations {
		if _, ok := q.conversations[c.ID]; ok {
			continue
		}
		q.conversations[c.ID] = c
		restored++
	}
	return restored
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) + len(q.conversations)
}

func sortPending(set *store.PendingSet) {
	sort.Slice(set.Entries, func(i, j int) bool {
		return set.Entries[i].CreatedAt.Before(set.Entries[j].CreatedAt)
	})
	sort.Slice(set.Conversations, func(i, j int) bool {
		return set.Conversations[i].CreatedAt.Before(set.Conversations[j].CreatedAt)
	})
}
