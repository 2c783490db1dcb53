// Package publish fans a just-published item out to its destinations.
// Delivery is at-most-once per destination per publish and failures are
// isolated: one unreachable destination never blocks the others, and no
// delivery failure unwinds the publish itself.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"commonplace/api/internal/address"
	"commonplace/api/internal/notify"
	"commonplace/api/internal/store"
	"commonplace/api/internal/util"
	"commonplace/api/internal/webhook"
)

const previewLen = 160

type InboxPusher interface {
	Push(ctx context.Context, n notify.Notification) error
}

type Mailer interface {
	IsConfigured() bool
	SendAddressedEntryEmail(to, authorPseudonym, preview, entryURL string) error
}

type WebhookDeliverer interface {
	Deliver(ctx context.Context, url string, payload webhook.Payload) error
}

type Indexer interface {
	IndexEntry(e store.Entry)
	IndexConversation(c store.Conversation)
}

// Hook observes successful entry publishes. Hooks run after destination
// fan-out; a panicking hook is recovered and logged.
type Hook func(ctx context.Context, e store.Entry)

// Dispatcher resolves an item's destinations and delivers to each one
// concurrently. All collaborators are optional: a nil inbox, mailer,
// deliverer, or indexer just disables that delivery channel.
type Dispatcher struct {
	users    address.UserLookup
	inbox    InboxPusher
	mailer   Mailer
	webhooks WebhookDeliverer
	indexer  Indexer
	baseURL  string
	timeout  time.Duration

	mu    sync.Mutex
	hooks []Hook
}

func NewDispatcher(users address.UserLookup, inbox InboxPusher, mailer Mailer, webhooks WebhookDeliverer, indexer Indexer, baseURL string) *Dispatcher {
	return &Dispatcher{
		users:    users,
		inbox:    inbox,
		mailer:   mailer,
		webhooks: webhooks,
		indexer:  indexer,
		baseURL:  baseURL,
		timeout:  10 * time.Second,
	}
}

func (d *Dispatcher) AddHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// EntryPublished delivers a published entry to every destination, then runs
// the publish hooks. The returned error aggregates per-destination failures
// for logging; callers must not treat it as a publish failure.
func (d *Dispatcher) EntryPublished(ctx context.Context, e store.Entry) error {
	if d.indexer != nil {
		d.indexer.IndexEntry(e)
	}

	dests := address.Resolve(ctx, address.ParseAll(e.Destinations), d.users)

	var wg sync.WaitGroup
	errc := make(chan error, len(dests))
	for _, dest := range dests {
		wg.Add(1)
		go func(dest address.Destination) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := d.deliverOne(dctx, dest, e); err != nil {
				log.Printf("publish: entry %s to %s: %v", e.ID, dest.Raw, err)
				errc <- err
			}
		}(dest)
	}
	wg.Wait()
	close(errc)

	d.runHooks(ctx, e)

	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ConversationPublished has no destination fan-out: imported conversations
// carry no addressing. Publishing one only updates the search index.
func (d *Dispatcher) ConversationPublished(ctx context.Context, c store.Conversation) {
	if d.indexer != nil {
		d.indexer.IndexConversation(c)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, dest address.Destination, e store.Entry) error {
	switch dest.Kind {
	case address.KindHandle:
		// Delivered even when unresolved; the handle may register later
		// and the inbox key is just the handle.
		return d.pushInbox(ctx, dest.Value, e)

	case address.KindEmail:
		var errs []error
		if dest.User != nil {
			if err := d.pushInbox(ctx, dest.User.Handle, e); err != nil {
				errs = append(errs, err)
			}
		}
		if d.mailer != nil && d.mailer.IsConfigured() {
			if err := d.mailer.SendAddressedEntryEmail(dest.Value, e.AuthorPseudonym, preview(e.Content), d.entryURL(e.ID)); err != nil {
				errs = append(errs, fmt.Errorf("email %s: %w", dest.Value, err))
			}
		}
		return errors.Join(errs...)

	case address.KindWebhook:
		if d.webhooks == nil {
			return nil
		}
		return d.webhooks.Deliver(ctx, dest.Value, webhook.Payload{
			Event:           "entry.published",
			ItemID:          e.ID,
			ItemKind:        "entry",
			AuthorPseudonym: e.AuthorPseudonym,
			Content:         e.Content,
			PublishedAt:     time.Now().UTC(),
		})

	case address.KindChannel:
		// Channel addressing grants read access through the visibility
		// gate; there is no push delivery to members.
		return nil
	}
	return nil
}

func (d *Dispatcher) pushInbox(ctx context.Context, recipient string, e store.Entry) error {
	if d.inbox == nil {
		return nil
	}
	return d.inbox.Push(ctx, notify.Notification{
		ID:              util.NewID("ntf"),
		Recipient:       recipient,
		Kind:            "addressed_entry",
		ItemID:          e.ID,
		ItemKind:        "entry",
		AuthorPseudonym: e.AuthorPseudonym,
		Preview:         preview(e.Content),
	})
}

func (d *Dispatcher) runHooks(ctx context.Context, e store.Entry) {
	d.mu.Lock()
	hooks := make([]Hook, len(d.hooks))
	copy(hooks, d.hooks)
	d.mu.Unlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("publish: hook panic for entry %s: %v", e.ID, r)
				}
			}()
			h(ctx, e)
		}()
	}
}

func (d *Dispatcher) entryURL(id string) string {
	if d.baseURL == "" {
		return "/entries/" + id
	}
	return d.baseURL + "/entries/" + id
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLen {
		return content
	}
	return string(runes[:previewLen]) + "…"
}
