package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix,
// e.g. "message." receives every message-scoped kind.
const (
	KindConversationUpserted = "conversation.upserted"
	KindConversationRemoved  = "conversation.removed"
	KindDirectoryReloaded    = "directory.reloaded"

	KindMessageUpserted   = "message.upserted"
	KindMessageRemoved    = "message.removed"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSendAck    = "message.send_ack"

	KindMessagesRead = "read.messages_read"

	KindTranscriptState = "transcript.state_changed"
)

// Event is a domain event delivered to in-process observers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagesRead is the payload for KindMessagesRead: the reconciler
// flipped every inbound unread message in one conversation.
type MessagesRead struct {
	ConversationID string
	UserID         string
}

// MessageRef identifies one message within a conversation; payload for
// message-scoped kinds.
type MessageRef struct {
	ConversationID string
	MessageID      string
	Inbound        bool
}

// SendResult is the payload for send ack/failure kinds.
type SendResult struct {
	ConversationID string
	TempID         string
	MessageID      string // server id, empty on failure
	Err            string // empty on ack
}

// ConversationRef identifies one conversation; payload for
// conversation-scoped kinds.
type ConversationRef struct {
	ConversationID string
}

// TranscriptState is the payload for KindTranscriptState.
type TranscriptState struct {
	ConversationID string
	From, To       string
}
