// Package address parses free-text destination strings and resolves them to
// concrete delivery targets.
package address

import (
	"context"
	"errors"
	"log"
	"strings"

	"commonplace/api/internal/store"
)

type Kind string

const (
	KindHandle  Kind = "handle"
	KindEmail   Kind = "email"
	KindWebhook Kind = "webhook"
	KindChannel Kind = "channel"
)

// Destination is one parsed addressing target. Value is the normalized form:
// handle without "@" (lowercase), email lowercase, channel id without "#",
// webhook URL verbatim. User is attached by Resolve when a registered user
// matches; an unresolved handle/email keeps User nil and is still delivered
// best-effort.
type Destination struct {
	Kind  Kind
	Raw   string
	Value string
	User  *store.User
}

// Parse classifies a raw destination string. Classification is syntactic and
// total: every non-empty string maps to exactly one kind, and ambiguous bare
// tokens default to Handle.
func Parse(raw string) Destination {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "#"):
		return Destination{Kind: KindChannel, Raw: raw, Value: strings.TrimPrefix(trimmed, "#")}
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		return Destination{Kind: KindWebhook, Raw: raw, Value: trimmed}
	case strings.HasPrefix(trimmed, "@"):
		return Destination{Kind: KindHandle, Raw: raw, Value: strings.ToLower(strings.TrimPrefix(trimmed, "@"))}
	case looksLikeEmail(trimmed):
		return Destination{Kind: KindEmail, Raw: raw, Value: strings.ToLower(trimmed)}
	default:
		return Destination{Kind: KindHandle, Raw: raw, Value: strings.ToLower(trimmed)}
	}
}

func looksLikeEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	domain := s[at+1:]
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}

// ParseAll parses every non-empty destination string, preserving order.
func ParseAll(raws []string) []Destination {
	dests := make([]Destination, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		dests = append(dests, Parse(raw))
	}
	return dests
}

// UserLookup is the slice of the store the resolver needs.
type UserLookup interface {
	UserByHandle(ctx context.Context, handle string) (store.User, error)
	UserByEmail(ctx context.Context, email string) (store.User, error)
}

// Resolve attaches registered users to handle and email destinations.
// Webhooks need no lookup, and channel membership is resolved live by the
// visibility gate. A handle or email with no matching user is preserved
// unresolved so an unregistered person can still be invited by email.
func Resolve(ctx context.Context, dests []Destination, users UserLookup) []Destination {
	resolved := make([]Destination, len(dests))
	for i, d := range dests {
		switch d.Kind {
		case KindHandle:
			u, err := users.UserByHandle(ctx, d.Value)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					log.Printf("address: lookup handle %q: %v", d.Value, err)
				} else {
					log.Printf("address: unresolved handle %q", d.Value)
				}
			} else {
				d.User = &u
			}
		case KindEmail:
			u, err := users.UserByEmail(ctx, d.Value)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					log.Printf("address: lookup email %q: %v", d.Value, err)
				} else {
					log.Printf("address: unresolved email %q", d.Value)
				}
			} else {
				d.User = &u
			}
		}
		resolved[i] = d
	}
	return resolved
}

// DefaultVisibility derives the visibility class from addressing. A reply is
// always public, even when privately addressed, so the thread it belongs to
// stays discoverable. Only a non-reply with destinations defaults to private.
func DefaultVisibility(destinations []string, inReplyTo string) store.VisibilityClass {
	if inReplyTo != "" {
		return store.VisibilityPublic
	}
	for _, raw := range destinations {
		if strings.TrimSpace(raw) != "" {
			return store.VisibilityPrivate
		}
	}
	return store.VisibilityPublic
}
