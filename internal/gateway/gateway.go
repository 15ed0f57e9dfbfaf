// Package gateway defines the boundary to the remote data service that
// owns conversations, participants and messages. The engine only ever
// talks to this interface; gateway/local embeds the service in-process
// on sqlite, gateway/remote speaks to a hosted deployment.
package gateway

import "context"

// Op is the kind of a change event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names owned by the data service.
const (
	TableProfiles      = "profiles"
	TableFollows       = "follows"
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
)

// Row is the loosely-shaped record the gateway speaks. Consumers
// normalize rows into fixed structs at their own boundary.
type Row map[string]any

// Cond is an equality predicate on one column.
type Cond struct {
	Column string
	Value  any
}

// Eq builds an equality condition.
func Eq(column string, value any) Cond {
	return Cond{Column: column, Value: value}
}

// Order describes result ordering for Fetch.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders ascending by column.
func Asc(column string) *Order { return &Order{Column: column} }

// Desc orders descending by column.
func Desc(column string) *Order { return &Order{Column: column, Desc: true} }

// Event is one change notification delivered on a table subscription.
// For deletes, Row carries the last known state of the removed record.
type Event struct {
	Op    Op
	Table string
	Row   Row
}

// Gateway is the remote data service contract. Subscriptions deliver
// events at-least-once: the transport may reconnect and redeliver, so
// every handler has to be idempotent.
type Gateway interface {
	// Fetch returns rows from table matching every cond, ordered by
	// order when non-nil.
	Fetch(ctx context.Context, table string, conds []Cond, order *Order) ([]Row, error)
	// Insert stores row and returns it as stored. A missing "id" column
	// is assigned by the service.
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Update patches every row matching conds and returns the rows as
	// they are after the patch.
	Update(ctx context.Context, table string, conds []Cond, patch Row) ([]Row, error)
	// Delete removes every row matching conds. Deleting nothing is not
	// an error.
	Delete(ctx context.Context, table string, conds []Cond) error

	// Subscribe opens a change feed for table. A non-nil cond filters
	// events to rows where the condition holds. The returned stop
	// function closes the feed and is safe to call more than once.
	Subscribe(table string, cond *Cond) (<-chan Event, func(), error)

	// Broadcast publishes a fire-and-forget payload on a named channel.
	Broadcast(ctx context.Context, channel, event string, payload []byte) error
	// OnBroadcast registers a handler for broadcast payloads. The
	// returned stop function removes the handler.
	OnBroadcast(channel, event string, fn func(payload []byte)) (func(), error)
}
