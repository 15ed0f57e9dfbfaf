// Package transcript synchronizes the message list of one open
// conversation: bulk load, live change-feed merge, optimistic
// send/delete, read-receipt propagation. One Transcript per open view;
// no state is shared across conversations.
package transcript

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/fault"
	"chatsync/internal/gateway"
	"chatsync/internal/readstate"
)

// Transcript is the synchronized view of one conversation's messages.
type Transcript struct {
	gw     gateway.Gateway
	bus    *bus.Bus
	rec    *readstate.Reconciler
	logger *zap.Logger

	conversationID string
	userID         string

	mu      sync.Mutex
	state   State
	entries []Entry

	closeOnce sync.Once
	stopFeed  func()
	cancel    context.CancelFunc
}

// Open loads the conversation and goes live. The change feed is opened
// before the bulk fetch so events arriving during the load queue in the
// feed buffer and are replayed afterwards; the idempotent merge makes
// the replay safe. Unread inbound messages are marked read before the
// transcript reports Live.
func Open(ctx context.Context, gw gateway.Gateway, b *bus.Bus, rec *readstate.Reconciler,
	conversationID, userID string, logger *zap.Logger) (*Transcript, error) {
	const op = "transcript.open"
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transcript{
		gw:             gw,
		bus:            b,
		rec:            rec,
		logger:         logger,
		conversationID: conversationID,
		userID:         userID,
		state:          Idle,
	}

	cond := gateway.Eq("conversation_id", conversationID)
	events, stopFeed, err := gw.Subscribe(gateway.TableMessages, &cond)
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, op, err)
	}
	t.stopFeed = stopFeed

	t.mu.Lock()
	_ = t.transition(Loading)
	t.mu.Unlock()

	rows, err := gw.Fetch(ctx, gateway.TableMessages,
		[]gateway.Cond{cond}, gateway.Asc("created_at"))
	if err != nil {
		t.Close()
		return nil, fault.Wrap(fault.TransientIO, op, err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, newConfirmed(messageFromRow(row)))
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()

	// Opening the conversation is reading it. A message inserted after
	// this pass stays unread and is caught by the live insert handler.
	if _, err := rec.MarkConversationRead(ctx, conversationID, userID); err != nil {
		logger.Warn("mark-read on open failed", zap.Error(err),
			zap.String("conversation_id", conversationID))
	}

	t.mu.Lock()
	_ = t.transition(Live)
	t.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	removedCh, unsubRemoved := b.Subscribe(bus.KindConversationRemoved, 8)
	go t.loop(loopCtx, events, removedCh, unsubRemoved)

	return t, nil
}

// ConversationID returns the conversation this transcript tracks.
func (t *Transcript) ConversationID() string { return t.conversationID }

// State returns the current lifecycle state.
func (t *Transcript) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Entries returns a snapshot of the transcript in creation-time order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Close unsubscribes the change feed and discards local state. Part of
// every exit path; safe to call repeatedly.
func (t *Transcript) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		_ = t.transition(Closed)
		t.entries = nil
		t.mu.Unlock()
		t.stopFeed()
		if t.cancel != nil {
			t.cancel()
		}
	})
}

func (t *Transcript) loop(ctx context.Context, events <-chan gateway.Event,
	removed <-chan bus.Event, unsubRemoved func()) {
	defer unsubRemoved()
	for {
		select {
		case evt := <-events:
			t.handleEvent(ctx, evt)
		case evt := <-removed:
			if ref, ok := evt.Payload.(bus.ConversationRef); ok && ref.ConversationID == t.conversationID {
				t.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent applies one change-feed event. A bad event is logged and
// skipped; it never takes the feed down.
func (t *Transcript) handleEvent(ctx context.Context, evt gateway.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("transcript event handler panic, event skipped",
				zap.Any("panic", r), zap.String("op", string(evt.Op)))
		}
	}()

	m := messageFromRow(evt.Row)
	if m.ConversationID != t.conversationID {
		return
	}

	switch evt.Op {
	case gateway.OpInsert:
		t.applyInsert(ctx, m)
	case gateway.OpUpdate:
		t.applyUpdate(m)
	case gateway.OpDelete:
		t.applyRemove(m.ID)
	}
}

func (t *Transcript) applyInsert(ctx context.Context, m Message) {
	inbound := m.SenderID != t.userID

	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		return
	}
	if t.indexByID(m.ID) >= 0 {
		// Duplicate delivery (reconnect replay); apply-once by id.
		t.mu.Unlock()
		return
	}
	if !inbound {
		// Our own send echoed back before the create call returned.
		// Confirm the pending record in place instead of duplicating it.
		if i := t.indexPendingByBody(m.Body); i >= 0 {
			t.entries[i] = t.entries[i].confirmed(m)
			t.resort()
			t.mu.Unlock()
			t.publishUpserted(m, false)
			return
		}
	}
	t.entries = append(t.entries, newConfirmed(m))
	t.resort()
	t.mu.Unlock()

	t.publishUpserted(m, inbound)

	if inbound {
		// The viewer has this conversation open, so the message is read
		// the moment it lands.
		if err := t.rec.MarkMessageRead(ctx, m.ID, t.conversationID, t.userID); err != nil {
			t.logger.Warn("mark-read on live insert failed", zap.Error(err),
				zap.String("message_id", m.ID))
		}
	}
}

func (t *Transcript) applyUpdate(m Message) {
	t.mu.Lock()
	i := t.indexByID(m.ID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.entries[i].Body = m.Body
	// is_read moves false→true only; a stale event never reverts it.
	t.entries[i].Read = t.entries[i].Read || m.Read
	t.mu.Unlock()

	t.publishUpserted(m, m.SenderID != t.userID)
}

func (t *Transcript) applyRemove(messageID string) {
	t.mu.Lock()
	i := t.indexByID(messageID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	t.mu.Unlock()

	t.bus.Publish(bus.Event{
		Kind:    bus.KindMessageRemoved,
		Payload: bus.MessageRef{ConversationID: t.conversationID, MessageID: messageID},
	})
}

// indexByID finds the entry with the given server id. Callers hold t.mu.
func (t *Transcript) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// indexByTempID finds the optimistic entry with the given temp id.
// Callers hold t.mu.
func (t *Transcript) indexByTempID(tempID string) int {
	for i := range t.entries {
		if t.entries[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// indexPendingByBody finds the oldest pending entry with the given
// body, used to match a server echo to its optimistic record. Callers
// hold t.mu.
func (t *Transcript) indexPendingByBody(body string) int {
	for i := range t.entries {
		if t.entries[i].State == Pending && t.entries[i].Body == body {
			return i
		}
	}
	return -1
}

// resort keeps the transcript in creation-time ascending order. Stable,
// so same-timestamp entries keep arrival order. Callers hold t.mu.
func (t *Transcript) resort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].CreatedAt.Before(t.entries[j].CreatedAt)
	})
}

func (t *Transcript) publishUpserted(m Message, inbound bool) {
	t.bus.Publish(bus.Event{
		Kind:    bus.KindMessageUpserted,
		Payload: bus.MessageRef{ConversationID: t.conversationID, MessageID: m.ID, Inbound: inbound},
	})
}

func (t *Transcript) publishState(from, to string) {
	t.bus.Publish(bus.Event{
		Kind:    bus.KindTranscriptState,
		Payload: bus.TranscriptState{ConversationID: t.conversationID, From: from, To: to},
	})
}

// Send appends an optimistic entry and issues the remote create in the
// background. The returned temp id identifies the entry until the
// server confirms it; the transcript reflects the send before any
// network round trip completes.
func (t *Transcript) Send(ctx context.Context, body string) (string, error) {
	const op = "transcript.send"

	t.mu.Lock()
	if t.state != Live {
		t.mu.Unlock()
		return "", fault.New(fault.PolicyViolation, op, "transcript is %s", t.state)
	}
	tempID := uuid.New().String()
	at := time.Now()
	t.entries = append(t.entries, newPending(tempID, t.conversationID, t.userID, body, at))
	t.resort()
	t.mu.Unlock()

	t.bus.Publish(bus.Event{
		Kind:    bus.KindMessageUpserted,
		Payload: bus.MessageRef{ConversationID: t.conversationID, MessageID: tempID},
	})

	go t.dispatch(context.WithoutCancel(ctx), tempID, body, at)
	return tempID, nil
}

// Resend retries a failed entry. The manual retry path; nothing retries
// automatically.
func (t *Transcript) Resend(ctx context.Context, tempID string) error {
	const op = "transcript.resend"

	t.mu.Lock()
	if t.state != Live {
		t.mu.Unlock()
		return fault.New(fault.PolicyViolation, op, "transcript is %s", t.state)
	}
	i := t.indexByTempID(tempID)
	if i < 0 {
		t.mu.Unlock()
		return fault.New(fault.NotFound, op, "no entry %s", tempID)
	}
	if t.entries[i].State != Failed {
		t.mu.Unlock()
		return fault.New(fault.PolicyViolation, op, "entry %s is %s, only failed sends can be resent",
			tempID, t.entries[i].State)
	}
	t.entries[i] = t.entries[i].retrying()
	body, at := t.entries[i].Body, t.entries[i].CreatedAt
	t.mu.Unlock()

	go t.dispatch(context.WithoutCancel(ctx), tempID, body, at)
	return nil
}

// dispatch performs the remote create for one optimistic entry and
// settles it to Confirmed or Failed.
func (t *Transcript) dispatch(ctx context.Context, tempID, body string, at time.Time) {
	row, err := t.gw.Insert(ctx, gateway.TableMessages, gateway.Row{
		"conversation_id": t.conversationID,
		"sender_id":       t.userID,
		"body":            body,
		"is_read":         false,
		"created_at":      at.UnixMilli(),
	})
	if err != nil {
		t.logger.Error("send failed", zap.Error(err), zap.String("temp_id", tempID))
		t.mu.Lock()
		if i := t.indexByTempID(tempID); i >= 0 {
			t.entries[i] = t.entries[i].failed(err)
		}
		t.mu.Unlock()
		t.bus.Publish(bus.Event{
			Kind:    bus.KindMessageSendFailed,
			Payload: bus.SendResult{ConversationID: t.conversationID, TempID: tempID, Err: err.Error()},
		})
		return
	}

	m := messageFromRow(row)

	t.mu.Lock()
	if i := t.indexByTempID(tempID); i >= 0 {
		if j := t.indexByID(m.ID); j >= 0 {
			// The echo already confirmed an entry with this id; drop the
			// leftover optimistic record rather than keep both.
			t.entries = slices.Delete(t.entries, i, i+1)
		} else {
			t.entries[i] = t.entries[i].confirmed(m)
			t.resort()
		}
	}
	t.mu.Unlock()

	t.touchConversation(ctx, body, m.CreatedAt)

	t.bus.Publish(bus.Event{
		Kind: bus.KindMessageSendAck,
		Payload: bus.SendResult{
			ConversationID: t.conversationID,
			TempID:         tempID,
			MessageID:      m.ID,
		},
	})
}

// touchConversation refreshes the conversation's denormalized preview
// fields after a successful send.
func (t *Transcript) touchConversation(ctx context.Context, body string, at time.Time) {
	_, err := t.gw.Update(ctx, gateway.TableConversations,
		[]gateway.Cond{gateway.Eq("id", t.conversationID)},
		gateway.Row{
			"last_message_text": truncate(body, 100),
			"last_message_at":   at.UnixMilli(),
		})
	if err != nil {
		t.logger.Warn("conversation preview refresh failed", zap.Error(err),
			zap.String("conversation_id", t.conversationID))
	}
}

// DeleteMessage removes one of the user's own messages, remote first.
// On failure the message stays in place and the error is surfaced.
func (t *Transcript) DeleteMessage(ctx context.Context, messageID string) error {
	const op = "transcript.delete_message"

	t.mu.Lock()
	if i := t.indexByTempID(messageID); i >= 0 {
		e := t.entries[i]
		if e.State == Pending {
			t.mu.Unlock()
			return fault.New(fault.PolicyViolation, op, "send still in flight")
		}
		// Failed entries never reached the server; drop locally.
		t.entries = slices.Delete(t.entries, i, i+1)
		t.mu.Unlock()
		return nil
	}
	i := t.indexByID(messageID)
	if i < 0 {
		t.mu.Unlock()
		return fault.New(fault.NotFound, op, "no message %s", messageID)
	}
	if t.entries[i].SenderID != t.userID {
		t.mu.Unlock()
		return fault.New(fault.PolicyViolation, op, "only the sender can delete a message")
	}
	t.mu.Unlock()

	if err := t.gw.Delete(ctx, gateway.TableMessages,
		[]gateway.Cond{gateway.Eq("id", messageID), gateway.Eq("sender_id", t.userID)}); err != nil {
		return fault.Wrap(fault.TransientIO, op, err)
	}

	t.applyRemove(messageID)
	return nil
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
