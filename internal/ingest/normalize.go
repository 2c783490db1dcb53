// Package ingest normalizes and validates writer input at the boundary,
// before anything reaches the staging queue.
package ingest

import (
	"strings"

	"commonplace/api/internal/store"
)

// NormalizeVisibility collapses every legacy visibility spelling to the
// canonical class. Older writers sent boolean pairs (humanVisible / aiOnly)
// instead of a class string; an explicit class always wins over the
// booleans. Applied exactly once, here.
func NormalizeVisibility(visibility string, humanVisible, aiOnly *bool) (store.VisibilityClass, bool) {
	switch strings.ToLower(strings.TrimSpace(visibility)) {
	case "public":
		return store.VisibilityPublic, true
	case "ai-only", "ai_only", "aionly", "ai":
		return store.VisibilityAIOnly, true
	case "private", "direct":
		return store.VisibilityPrivate, true
	case "":
	default:
		return "", false
	}

	if aiOnly != nil && *aiOnly {
		return store.VisibilityAIOnly, true
	}
	if humanVisible != nil && !*humanVisible {
		return store.VisibilityAIOnly, true
	}
	// No explicit class: the caller derives it from addressing.
	return "", true
}
