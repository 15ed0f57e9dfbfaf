// Package directory owns the list of conversations visible to one
// user: bulk load, realtime upkeep, per-conversation unread counts,
// collapse of duplicate pair conversations, ordering by recency.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/fault"
	"chatsync/internal/gateway"
	"chatsync/internal/readstate"
	"chatsync/internal/social"
)

// Conversation is one entry in the directory, hydrated with the
// counterpart's public profile and the viewer's unread count.
type Conversation struct {
	ID              string
	LastMessageText string
	LastMessageAt   time.Time
	Counterpart     social.Profile
	UnreadCount     int
}

// Directory maintains the in-memory conversation list for one user.
type Directory struct {
	gw     gateway.Gateway
	graph  *social.Graph
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	mu            sync.RWMutex
	conversations []Conversation

	cancel func()
	done   chan struct{}
}

// New creates a directory for userID. Call Load for the initial fetch
// and Start to begin realtime upkeep.
func New(gw gateway.Gateway, graph *social.Graph, b *bus.Bus, userID string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{gw: gw, graph: graph, bus: b, logger: logger, userID: userID}
}

// Conversations returns a snapshot of the current deduplicated list,
// ordered by last activity descending.
func (d *Directory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, len(d.conversations))
	copy(out, d.conversations)
	return out
}

// Load fetches every conversation the user participates in, hydrates
// both sides, collapses duplicate pair conversations to the most
// recently active one, and replaces the in-memory list. On failure the
// list degrades to empty and the error is surfaced.
func (d *Directory) Load(ctx context.Context) ([]Conversation, error) {
	const op = "directory.load"

	convs, err := d.fetchAll(ctx)
	if err != nil {
		d.mu.Lock()
		d.conversations = nil
		d.mu.Unlock()
		return nil, fault.Wrap(fault.TransientIO, op, err)
	}

	convs = collapsePairs(convs)
	sortByRecency(convs)

	d.mu.Lock()
	d.conversations = convs
	d.mu.Unlock()

	d.bus.Publish(bus.Event{Kind: bus.KindDirectoryReloaded})
	return d.Conversations(), nil
}

func (d *Directory) fetchAll(ctx context.Context) ([]Conversation, error) {
	parts, err := d.gw.Fetch(ctx, gateway.TableParticipants,
		[]gateway.Cond{gateway.Eq("user_id", d.userID)}, nil)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	for _, part := range parts {
		conv, ok, err := d.hydrate(ctx, part.Str("conversation_id"))
		if err != nil {
			return nil, err
		}
		if ok {
			convs = append(convs, conv)
		}
	}
	return convs, nil
}

// hydrate builds one directory entry. Conversations whose row vanished
// (concurrent delete) or that have no counterpart yet are skipped.
func (d *Directory) hydrate(ctx context.Context, conversationID string) (Conversation, bool, error) {
	rows, err := d.gw.Fetch(ctx, gateway.TableConversations,
		[]gateway.Cond{gateway.Eq("id", conversationID)}, nil)
	if err != nil {
		return Conversation{}, false, err
	}
	if len(rows) == 0 {
		return Conversation{}, false, nil
	}
	conv := conversationFromRow(rows[0])

	counterpartID, err := d.counterpart(ctx, conversationID)
	if err != nil {
		return Conversation{}, false, err
	}
	if counterpartID == "" {
		return Conversation{}, false, nil
	}

	profile, err := d.graph.Profile(ctx, counterpartID)
	if err != nil {
		if !fault.IsKind(err, fault.NotFound) {
			return Conversation{}, false, err
		}
		// Profile row missing; keep the conversation with a bare identity.
		profile = social.Profile{ID: counterpartID}
	}
	conv.Counterpart = profile

	unread, err := readstate.UnreadCount(ctx, d.gw, conversationID, d.userID)
	if err != nil {
		return Conversation{}, false, err
	}
	conv.UnreadCount = unread
	return conv, true, nil
}

// counterpart returns the other participant's user id, or "" when the
// user is alone in the conversation.
func (d *Directory) counterpart(ctx context.Context, conversationID string) (string, error) {
	rows, err := d.gw.Fetch(ctx, gateway.TableParticipants,
		[]gateway.Cond{gateway.Eq("conversation_id", conversationID)}, nil)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if id := row.Str("user_id"); id != d.userID {
			return id, nil
		}
	}
	return "", nil
}

// conversationFromRow normalizes a gateway conversations row. The only
// place that row shape is interpreted.
func conversationFromRow(row gateway.Row) Conversation {
	return Conversation{
		ID:              row.Str("id"),
		LastMessageText: row.Str("last_message_text"),
		LastMessageAt:   row.Time("last_message_at"),
	}
}

// collapsePairs keeps, per counterpart identity, only the conversation
// with the greatest recency. Ties break on the smaller conversation id
// so repeated loads pick the same winner. Storage rows are untouched;
// duplicates can exist there from historical races.
func collapsePairs(convs []Conversation) []Conversation {
	winners := make(map[string]Conversation, len(convs))
	for _, c := range convs {
		prev, seen := winners[c.Counterpart.ID]
		if !seen || newerThan(c, prev) {
			winners[c.Counterpart.ID] = c
		}
	}
	out := make([]Conversation, 0, len(winners))
	for _, c := range winners {
		out = append(out, c)
	}
	return out
}

func newerThan(a, b Conversation) bool {
	if !a.LastMessageAt.Equal(b.LastMessageAt) {
		return a.LastMessageAt.After(b.LastMessageAt)
	}
	return a.ID < b.ID
}

func sortByRecency(convs []Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return newerThan(convs[i], convs[j])
	})
}

// UnreadCount recomputes the unread count for one conversation from
// the viewer's perspective.
func (d *Directory) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	return readstate.UnreadCount(ctx, d.gw, conversationID, d.userID)
}
