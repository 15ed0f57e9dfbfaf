package readstate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/gateway"
)

// Badge is the global-navigation unread counter: an independent
// observer of the read-state fact. It never mutates read state; it
// recounts from the gateway whenever a relevant event lands.
type Badge struct {
	gw     gateway.Gateway
	bus    *bus.Bus
	logger *zap.Logger
	userID string

	mu     sync.RWMutex
	total  int
	cancel func()
	done   chan struct{}
}

// NewBadge creates a badge for userID.
func NewBadge(gw gateway.Gateway, b *bus.Bus, userID string, logger *zap.Logger) *Badge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Badge{gw: gw, bus: b, logger: logger, userID: userID}
}

// Start computes the initial total and begins following read and
// message events on the bus.
func (bd *Badge) Start(ctx context.Context) error {
	if err := bd.Recount(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	bd.cancel = cancel
	bd.done = make(chan struct{})

	ch, unsub := bd.bus.Subscribe("", 64)
	go func() {
		defer close(bd.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindMessagesRead, bus.KindMessageUpserted, bus.KindMessageRemoved, bus.KindConversationRemoved:
					if err := bd.Recount(ctx); err != nil {
						bd.logger.Warn("badge recount failed", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the follow loop.
func (bd *Badge) Stop() {
	if bd.cancel != nil {
		bd.cancel()
		<-bd.done
	}
}

// Total returns the unread total across all of the user's conversations.
func (bd *Badge) Total() int {
	bd.mu.RLock()
	defer bd.mu.RUnlock()
	return bd.total
}

// Recount recomputes the total from the gateway.
func (bd *Badge) Recount(ctx context.Context) error {
	parts, err := bd.gw.Fetch(ctx, gateway.TableParticipants,
		[]gateway.Cond{gateway.Eq("user_id", bd.userID)}, nil)
	if err != nil {
		return err
	}

	total := 0
	for _, part := range parts {
		n, err := UnreadCount(ctx, bd.gw, part.Str("conversation_id"), bd.userID)
		if err != nil {
			return err
		}
		total += n
	}

	bd.mu.Lock()
	bd.total = total
	bd.mu.Unlock()
	return nil
}
