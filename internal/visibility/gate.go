// Package visibility decides read access for items and strips ai-only
// content for human viewers. The access gate and the content stripping are
// two separate operations: ai-only restricts what non-authors see of the
// content, never whether the item exists.
package visibility

import (
	"context"
	"log"
	"strings"

	"commonplace/api/internal/address"
	"commonplace/api/internal/store"
)

// Viewer identifies who is asking. A zero Viewer is an anonymous reader.
type Viewer struct {
	Handle string
	Email  string
	IsAI   bool
}

func (v Viewer) anonymous() bool {
	return v.Handle == "" && v.Email == ""
}

// MembershipLookup resolves channel membership live.
type MembershipLookup interface {
	IsChannelMember(ctx context.Context, channelID, handle string) (bool, error)
}

// MembershipCache caches membership answers per request, keyed by channel
// id, so a page of results does not repeat lookups. Not safe for concurrent
// use; create one per request.
type MembershipCache struct {
	lookup MembershipLookup
	seen   map[string]bool
}

func NewMembershipCache(lookup MembershipLookup) *MembershipCache {
	return &MembershipCache{lookup: lookup, seen: make(map[string]bool)}
}

func (c *MembershipCache) isMember(ctx context.Context, channelID, handle string) bool {
	if handle == "" {
		return false
	}
	if member, ok := c.seen[channelID]; ok {
		return member
	}
	member, err := c.lookup.IsChannelMember(ctx, channelID, handle)
	if err != nil {
		log.Printf("visibility: channel membership %s/%s: %v", channelID, handle, err)
		member = false
	}
	c.seen[channelID] = member
	return member
}

// CanView reports whether the viewer may read the item. The author always
// may; public and ai-only items are readable by anyone including anonymous
// viewers; a private item requires the viewer to match a handle destination,
// an email destination (case-insensitive), or be a member of a channel
// destination. A webhook destination is delivery-only and never grants read
// access.
func CanView(ctx context.Context, vis store.VisibilityClass, destinations []string, viewer Viewer, isAuthor bool, members *MembershipCache) bool {
	if isAuthor {
		return true
	}
	switch vis {
	case store.VisibilityPublic, store.VisibilityAIOnly:
		return true
	}
	if viewer.anonymous() {
		return false
	}
	for _, d := range address.ParseAll(destinations) {
		switch d.Kind {
		case address.KindHandle:
			if viewer.Handle != "" && strings.EqualFold(d.Value, viewer.Handle) {
				return true
			}
		case address.KindEmail:
			if viewer.Email != "" && strings.EqualFold(d.Value, viewer.Email) {
				return true
			}
		case address.KindChannel:
			if members != nil && members.isMember(ctx, d.Value, viewer.Handle) {
				return true
			}
		}
	}
	return false
}

// StripEntry applies ai-only content stripping: a non-author human viewer
// sees the entry's existence and metadata but an empty content stub.
func StripEntry(e store.Entry, viewer Viewer, isAuthor bool) store.Entry {
	if e.Visibility != store.VisibilityAIOnly || isAuthor || viewer.IsAI {
		return e
	}
	e.Content = ""
	return e
}

// StripConversation is the conversation counterpart of StripEntry.
func StripConversation(c store.Conversation, viewer Viewer, isAuthor bool) store.Conversation {
	if c.Visibility != store.VisibilityAIOnly || isAuthor || viewer.IsAI {
		return c
	}
	c.Content = ""
	return c
}
