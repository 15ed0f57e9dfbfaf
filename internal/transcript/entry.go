package transcript

import (
	"time"

	"chatsync/internal/gateway"
)

// Message is one message as the transcript renders it.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Read           bool
	CreatedAt      time.Time
}

// messageFromRow normalizes a gateway messages row. The only place that
// row shape is interpreted.
func messageFromRow(row gateway.Row) Message {
	return Message{
		ID:             row.Str("id"),
		ConversationID: row.Str("conversation_id"),
		SenderID:       row.Str("sender_id"),
		Body:           row.Str("body"),
		Read:           row.Bool("is_read"),
		CreatedAt:      row.Time("created_at"),
	}
}

// EntryState tags an entry's confirmation status.
type EntryState int

const (
	// Confirmed: the server owns this message; Message.ID is the
	// server-assigned id.
	Confirmed EntryState = iota
	// Pending: locally synthesized, remote create in flight. Message.ID
	// is empty; TempID identifies the entry.
	Pending
	// Failed: the remote create failed. Kept visible, never retried
	// automatically; Resend is the manual retry path.
	Failed
)

func (s EntryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Entry is one transcript line: a confirmed message or an optimistic
// local send in flight. State transitions go through the functions
// below, never by ad-hoc field edits.
type Entry struct {
	Message
	State     EntryState
	TempID    string // set while State is Pending or Failed
	SendError string // set while State is Failed
}

// newConfirmed wraps a server-owned message.
func newConfirmed(m Message) Entry {
	return Entry{Message: m, State: Confirmed}
}

// newPending synthesizes the optimistic entry for a local send. The
// timestamp is client-observed; a late confirmation may reorder against
// concurrent remote messages by at most the round trip, accepted.
func newPending(tempID, conversationID, senderID, body string, at time.Time) Entry {
	return Entry{
		Message: Message{
			ConversationID: conversationID,
			SenderID:       senderID,
			Body:           body,
			CreatedAt:      at,
		},
		State:  Pending,
		TempID: tempID,
	}
}

// confirmed replaces the optimistic record with the server's, in place.
func (e Entry) confirmed(m Message) Entry {
	return Entry{Message: m, State: Confirmed}
}

// failed marks the optimistic record as undeliverable, keeping it
// visible for manual retry.
func (e Entry) failed(err error) Entry {
	e.State = Failed
	e.SendError = err.Error()
	return e
}

// retrying moves a failed entry back to pending for a resend.
func (e Entry) retrying() Entry {
	e.State = Pending
	e.SendError = ""
	return e
}
