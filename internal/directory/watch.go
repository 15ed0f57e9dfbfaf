package directory

import (
	"context"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/gateway"
)

// Start opens the realtime feed for the conversations table and begins
// applying changes. The feed is unfiltered: the service cannot filter
// on participant membership, so membership is re-checked here. All
// handlers are idempotent; the transport may redeliver after reconnect.
func (d *Directory) Start(ctx context.Context) error {
	events, stopFeed, err := d.gw.Subscribe(gateway.TableConversations, nil)
	if err != nil {
		return err
	}
	msgEvents, stopMsgs, err := d.gw.Subscribe(gateway.TableMessages, nil)
	if err != nil {
		stopFeed()
		return err
	}
	partEvents, stopParts, err := d.gw.Subscribe(gateway.TableParticipants, nil)
	if err != nil {
		stopFeed()
		stopMsgs()
		return err
	}

	// Read signals refresh the affected unread counter without a reload.
	readCh, unsubRead := d.bus.Subscribe("read.", 64)

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		defer stopFeed()
		defer stopMsgs()
		defer stopParts()
		defer unsubRead()
		for {
			select {
			case evt := <-events:
				d.handleChange(ctx, evt)
			case evt := <-msgEvents:
				d.handleMessageChange(ctx, evt)
			case evt := <-partEvents:
				d.handleParticipantChange(ctx, evt)
			case evt := <-readCh:
				if mr, ok := evt.Payload.(bus.MessagesRead); ok {
					d.refreshUnread(ctx, mr.ConversationID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop tears down the realtime feed.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Directory) handleChange(ctx context.Context, evt gateway.Event) {
	switch evt.Op {
	case gateway.OpInsert:
		// A brand-new pair the local dedup state does not know about;
		// reload rather than patch. Reload is idempotent, so duplicate
		// delivery after a reconnect is harmless.
		if _, err := d.Load(ctx); err != nil {
			d.logger.Warn("directory reload after insert failed", zap.Error(err))
		}
	case gateway.OpUpdate:
		d.patch(evt.Row)
	case gateway.OpDelete:
		d.remove(evt.Row.Str("id"))
	}
}

// handleMessageChange keeps unread counts current for conversations the
// user is not looking at. Events for untracked conversations are
// ignored. Inserts additionally go out on the bus so the badge recounts
// even when no transcript has the conversation open; an open transcript
// publishes the same kind, and the recount is idempotent.
func (d *Directory) handleMessageChange(ctx context.Context, evt gateway.Event) {
	conversationID := evt.Row.Str("conversation_id")
	if !d.tracks(conversationID) {
		return
	}
	d.refreshUnread(ctx, conversationID)

	if evt.Op == gateway.OpInsert {
		d.bus.Publish(bus.Event{
			Kind: bus.KindMessageUpserted,
			Payload: bus.MessageRef{
				ConversationID: conversationID,
				MessageID:      evt.Row.Str("id"),
				Inbound:        evt.Row.Str("sender_id") != d.userID,
			},
		})
	}
}

// handleParticipantChange reloads when membership of one of the user's
// conversations shifts. A counterpart joining lands after the
// conversation row, so the insert-triggered reload may have run too
// early and skipped the entry; this one sees the full pair. The user's
// own row being deleted elsewhere (leave on another device) drops the
// conversation here too.
func (d *Directory) handleParticipantChange(ctx context.Context, evt gateway.Event) {
	conversationID := evt.Row.Str("conversation_id")
	own := evt.Row.Str("user_id") == d.userID

	if evt.Op == gateway.OpDelete {
		if own {
			d.remove(conversationID)
		}
		return
	}
	if !own && !d.member(ctx, conversationID) {
		return
	}
	if _, err := d.Load(ctx); err != nil {
		d.logger.Warn("directory reload after participant change failed", zap.Error(err))
	}
}

func (d *Directory) member(ctx context.Context, conversationID string) bool {
	rows, err := d.gw.Fetch(ctx, gateway.TableParticipants, []gateway.Cond{
		gateway.Eq("conversation_id", conversationID),
		gateway.Eq("user_id", d.userID),
	}, nil)
	return err == nil && len(rows) > 0
}

func (d *Directory) tracks(conversationID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.conversations {
		if d.conversations[i].ID == conversationID {
			return true
		}
	}
	return false
}

// patch updates the denormalized fields of the matching in-memory
// conversation. Unknown ids are ignored: either it's a conversation the
// user is not in, or a collapsed duplicate.
func (d *Directory) patch(row gateway.Row) {
	incoming := conversationFromRow(row)

	d.mu.Lock()
	found := false
	for i := range d.conversations {
		if d.conversations[i].ID == incoming.ID {
			d.conversations[i].LastMessageText = incoming.LastMessageText
			d.conversations[i].LastMessageAt = incoming.LastMessageAt
			found = true
			break
		}
	}
	if found {
		sortByRecency(d.conversations)
	}
	d.mu.Unlock()

	if found {
		d.bus.Publish(bus.Event{
			Kind:    bus.KindConversationUpserted,
			Payload: bus.ConversationRef{ConversationID: incoming.ID},
		})
	}
}

// remove drops the conversation from the in-memory list and announces
// the removal so an open transcript for it can close itself.
func (d *Directory) remove(conversationID string) {
	d.mu.Lock()
	kept := d.conversations[:0]
	removed := false
	for _, c := range d.conversations {
		if c.ID == conversationID {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	d.conversations = kept
	d.mu.Unlock()

	if removed {
		d.bus.Publish(bus.Event{
			Kind:    bus.KindConversationRemoved,
			Payload: bus.ConversationRef{ConversationID: conversationID},
		})
	}
}

func (d *Directory) refreshUnread(ctx context.Context, conversationID string) {
	count, err := d.UnreadCount(ctx, conversationID)
	if err != nil {
		d.logger.Warn("unread refresh failed", zap.Error(err),
			zap.String("conversation_id", conversationID))
		return
	}

	d.mu.Lock()
	for i := range d.conversations {
		if d.conversations[i].ID == conversationID {
			d.conversations[i].UnreadCount = count
			break
		}
	}
	d.mu.Unlock()
}
