// Package contacts builds the deduplicated suggestion list for starting
// or resuming a conversation: existing counterparts first, then
// followed users without a conversation yet.
package contacts

import (
	"context"
	"strings"

	"chatsync/internal/directory"
	"chatsync/internal/social"
)

// Suggestion is one entry in the suggestion list. ConversationID is
// empty when no conversation exists with this user yet.
type Suggestion struct {
	Profile        social.Profile
	ConversationID string
}

// HasConversation reports whether selecting this suggestion resumes an
// existing conversation rather than creating one.
func (s Suggestion) HasConversation() bool { return s.ConversationID != "" }

// Resolver merges conversation counterparts with the follow graph.
type Resolver struct {
	dir    *directory.Directory
	graph  *social.Graph
	userID string
}

// NewResolver creates a resolver for userID.
func NewResolver(dir *directory.Directory, graph *social.Graph, userID string) *Resolver {
	return &Resolver{dir: dir, graph: graph, userID: userID}
}

// Suggestions returns the merged, ordered list. Counterparts of
// existing conversations come first in recency order and carry their
// conversation id; followed users come after in follow order. A
// non-empty query filters case-insensitively over display name and
// handle without reordering.
func (r *Resolver) Suggestions(ctx context.Context, query string) ([]Suggestion, error) {
	var out []Suggestion
	seen := make(map[string]bool)

	for _, conv := range r.dir.Conversations() {
		if seen[conv.Counterpart.ID] {
			continue
		}
		seen[conv.Counterpart.ID] = true
		out = append(out, Suggestion{Profile: conv.Counterpart, ConversationID: conv.ID})
	}

	following, err := r.graph.Following(ctx, r.userID)
	if err != nil {
		return nil, err
	}
	for _, p := range following {
		if seen[p.ID] || p.ID == r.userID {
			continue
		}
		seen[p.ID] = true
		out = append(out, Suggestion{Profile: p})
	}

	if query == "" {
		return out, nil
	}
	return filter(out, query), nil
}

func filter(suggestions []Suggestion, query string) []Suggestion {
	q := strings.ToLower(query)
	var kept []Suggestion
	for _, s := range suggestions {
		if strings.Contains(strings.ToLower(s.Profile.DisplayName), q) ||
			strings.Contains(strings.ToLower(s.Profile.Handle), q) {
			kept = append(kept, s)
		}
	}
	return kept
}
