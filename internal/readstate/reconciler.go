// Package readstate owns every is_read mutation in the engine. Both the
// directory and open transcripts mark messages read through the single
// entry points here, and every flip is announced on the gateway
// broadcast channel so all views and clients observe the same fact.
package readstate

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/fault"
	"chatsync/internal/gateway"
)

// Broadcast channel and event carrying cross-client read signals.
const (
	BroadcastChannel = "read-state"
	BroadcastEvent   = "messages_read"
)

type readSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// Reconciler flips is_read flags and fans the fact out. It is the only
// writer of read state; observers (badge, directory counters) never
// mutate, they only recount.
type Reconciler struct {
	gw     gateway.Gateway
	bus    *bus.Bus
	logger *zap.Logger
	detach func()
}

// NewReconciler creates a reconciler.
func NewReconciler(gw gateway.Gateway, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{gw: gw, bus: b, logger: logger}
}

// Start bridges the gateway broadcast channel onto the in-process bus.
// Signals raised locally and by other clients take the same path, so
// observers see one event stream regardless of origin.
func (r *Reconciler) Start() error {
	detach, err := r.gw.OnBroadcast(BroadcastChannel, BroadcastEvent, func(payload []byte) {
		var sig readSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			r.logger.Warn("bad read-state broadcast, skipping", zap.Error(err))
			return
		}
		r.bus.Publish(bus.Event{
			Kind:    bus.KindMessagesRead,
			Payload: bus.MessagesRead{ConversationID: sig.ConversationID, UserID: sig.UserID},
		})
	})
	if err != nil {
		return err
	}
	r.detach = detach
	return nil
}

// Stop detaches the broadcast bridge.
func (r *Reconciler) Stop() {
	if r.detach != nil {
		r.detach()
	}
}

// MarkConversationRead flips is_read on every inbound unread message in
// the conversation, from userID's perspective. Safe to call repeatedly
// and concurrently with inserts: a message landing after the unread
// fetch stays unread and is caught by the next call or push event.
func (r *Reconciler) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	const op = "readstate.mark_conversation_read"

	rows, err := r.gw.Fetch(ctx, gateway.TableMessages, []gateway.Cond{
		gateway.Eq("conversation_id", conversationID),
		gateway.Eq("is_read", false),
	}, nil)
	if err != nil {
		return 0, fault.Wrap(fault.TransientIO, op, err)
	}

	flipped := 0
	for _, row := range rows {
		if row.Str("sender_id") == userID {
			continue // outbound, read state belongs to the other side
		}
		// The is_read cond keeps the flip monotonic under concurrent calls.
		updated, err := r.gw.Update(ctx, gateway.TableMessages, []gateway.Cond{
			gateway.Eq("id", row.Str("id")),
			gateway.Eq("is_read", false),
		}, gateway.Row{"is_read": true})
		if err != nil {
			return flipped, fault.Wrap(fault.TransientIO, op, err)
		}
		flipped += len(updated)
	}

	if flipped > 0 {
		r.announce(ctx, conversationID, userID)
	}
	return flipped, nil
}

// MarkMessageRead flips one inbound message, used when a live insert
// arrives while its conversation is already open.
func (r *Reconciler) MarkMessageRead(ctx context.Context, messageID, conversationID, userID string) error {
	const op = "readstate.mark_message_read"

	updated, err := r.gw.Update(ctx, gateway.TableMessages, []gateway.Cond{
		gateway.Eq("id", messageID),
		gateway.Eq("is_read", false),
	}, gateway.Row{"is_read": true})
	if err != nil {
		return fault.Wrap(fault.TransientIO, op, err)
	}
	if len(updated) > 0 {
		r.announce(ctx, conversationID, userID)
	}
	return nil
}

func (r *Reconciler) announce(ctx context.Context, conversationID, userID string) {
	payload, _ := json.Marshal(readSignal{ConversationID: conversationID, UserID: userID})
	if err := r.gw.Broadcast(ctx, BroadcastChannel, BroadcastEvent, payload); err != nil {
		r.logger.Warn("read-state broadcast failed", zap.Error(err),
			zap.String("conversation_id", conversationID))
	}
}

// UnreadCount returns the number of inbound unread messages in one
// conversation from userID's perspective.
func UnreadCount(ctx context.Context, gw gateway.Gateway, conversationID, userID string) (int, error) {
	rows, err := gw.Fetch(ctx, gateway.TableMessages, []gateway.Cond{
		gateway.Eq("conversation_id", conversationID),
		gateway.Eq("is_read", false),
	}, nil)
	if err != nil {
		return 0, fault.Wrap(fault.TransientIO, "readstate.unread_count", err)
	}
	count := 0
	for _, row := range rows {
		if row.Str("sender_id") != userID {
			count++
		}
	}
	return count, nil
}
