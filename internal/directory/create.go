package directory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/fault"
	"chatsync/internal/gateway"
)

// StartConversation opens (or idempotently returns) the conversation
// between the current user and otherUserID. Both directions of the
// follow relationship are required; one-directional follows fail with
// PolicyViolation.
//
// The gateway offers no transactions, so the conversation row and the
// two participant rows are created step by step and verified post-hoc;
// a partial create is reported as ReconciliationFailure instead of
// being silently left behind.
func (d *Directory) StartConversation(ctx context.Context, otherUserID string) (string, error) {
	const op = "directory.start_conversation"

	if otherUserID == d.userID {
		return "", fault.New(fault.PolicyViolation, op, "cannot start a conversation with yourself")
	}

	mutual, err := d.graph.Mutual(ctx, d.userID, otherUserID)
	if err != nil {
		return "", err
	}
	if !mutual {
		return "", fault.New(fault.PolicyViolation, op,
			"users must follow each other to message")
	}

	if id, err := d.findPair(ctx, otherUserID); err != nil {
		return "", fault.Wrap(fault.TransientIO, op, err)
	} else if id != "" {
		return id, nil
	}

	conv, err := d.gw.Insert(ctx, gateway.TableConversations, gateway.Row{
		"last_message_text": "",
		"last_message_at":   time.Now().UnixMilli(),
	})
	if err != nil {
		return "", fault.Wrap(fault.TransientIO, op, err)
	}
	conversationID := conv.Str("id")

	for _, userID := range []string{d.userID, otherUserID} {
		_, err := d.gw.Insert(ctx, gateway.TableParticipants, gateway.Row{
			"conversation_id": conversationID,
			"user_id":         userID,
		})
		if err != nil {
			return "", d.verifyCreate(ctx, conversationID, err)
		}
	}
	if err := d.verifyCreate(ctx, conversationID, nil); err != nil {
		return "", err
	}

	// Both parties calling StartConversation for the first time can race
	// and create two rows. Yield to the older row and remove ours; the
	// read path would collapse the duplicate anyway, but there is no
	// reason to keep it.
	if winner, err := d.resolveDuplicate(ctx, conversationID, otherUserID); err == nil && winner != "" {
		conversationID = winner
	}

	return conversationID, nil
}

// findPair returns the conversation id for the {user, other} pair, or
// "" when none exists. With duplicates present the most recently active
// one wins, matching the read-path collapse.
func (d *Directory) findPair(ctx context.Context, otherUserID string) (string, error) {
	ids, err := d.pairConversations(ctx, otherUserID)
	if err != nil || len(ids) == 0 {
		return "", err
	}

	best := Conversation{}
	for _, id := range ids {
		rows, err := d.gw.Fetch(ctx, gateway.TableConversations,
			[]gateway.Cond{gateway.Eq("id", id)}, nil)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			continue
		}
		c := conversationFromRow(rows[0])
		if best.ID == "" || newerThan(c, best) {
			best = c
		}
	}
	return best.ID, nil
}

// pairConversations lists every conversation id shared by the user and
// otherUserID.
func (d *Directory) pairConversations(ctx context.Context, otherUserID string) ([]string, error) {
	mine, err := d.gw.Fetch(ctx, gateway.TableParticipants,
		[]gateway.Cond{gateway.Eq("user_id", d.userID)}, nil)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, part := range mine {
		conversationID := part.Str("conversation_id")
		theirs, err := d.gw.Fetch(ctx, gateway.TableParticipants, []gateway.Cond{
			gateway.Eq("conversation_id", conversationID),
			gateway.Eq("user_id", otherUserID),
		}, nil)
		if err != nil {
			return nil, err
		}
		if len(theirs) > 0 {
			ids = append(ids, conversationID)
		}
	}
	return ids, nil
}

// verifyCreate confirms both participant rows exist for a just-created
// conversation. cause is the insert error that triggered verification,
// nil for the final post-create check.
func (d *Directory) verifyCreate(ctx context.Context, conversationID string, cause error) error {
	const op = "directory.start_conversation"

	rows, err := d.gw.Fetch(ctx, gateway.TableParticipants,
		[]gateway.Cond{gateway.Eq("conversation_id", conversationID)}, nil)
	if err != nil {
		return fault.Wrap(fault.ReconciliationFailure, op,
			fmt.Errorf("verify conversation %s: %w", conversationID, err))
	}
	if len(rows) == 2 {
		return nil
	}

	err = fmt.Errorf("conversation %s has %d of 2 participants", conversationID, len(rows))
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	return fault.Wrap(fault.ReconciliationFailure, op, err)
}

// resolveDuplicate checks for a concurrent create of the same pair and,
// when ours lost, removes our row and returns the winner's id. The
// winner is the row created first, tie-broken on id.
func (d *Directory) resolveDuplicate(ctx context.Context, createdID, otherUserID string) (string, error) {
	ids, err := d.pairConversations(ctx, otherUserID)
	if err != nil || len(ids) <= 1 {
		return "", err
	}

	winner := ""
	var winnerCreated int64
	for _, id := range ids {
		rows, err := d.gw.Fetch(ctx, gateway.TableConversations,
			[]gateway.Cond{gateway.Eq("id", id)}, nil)
		if err != nil || len(rows) == 0 {
			continue
		}
		created := rows[0].Int("created_at")
		if winner == "" || created < winnerCreated || (created == winnerCreated && id < winner) {
			winner = id
			winnerCreated = created
		}
	}
	if winner == "" || winner == createdID {
		return winner, nil
	}

	d.logger.Info("duplicate pair conversation lost race, removing",
		zap.String("created", createdID), zap.String("winner", winner))
	d.deleteConversation(ctx, createdID)
	return winner, nil
}

// LeaveConversation removes the user's own participant row. When that
// leaves the conversation with no participants, the conversation and
// its messages are deleted rather than orphaned.
func (d *Directory) LeaveConversation(ctx context.Context, conversationID string) error {
	const op = "directory.leave_conversation"

	err := d.gw.Delete(ctx, gateway.TableParticipants, []gateway.Cond{
		gateway.Eq("conversation_id", conversationID),
		gateway.Eq("user_id", d.userID),
	})
	if err != nil {
		return fault.Wrap(fault.TransientIO, op, err)
	}

	remaining, err := d.gw.Fetch(ctx, gateway.TableParticipants,
		[]gateway.Cond{gateway.Eq("conversation_id", conversationID)}, nil)
	if err != nil {
		return fault.Wrap(fault.TransientIO, op, err)
	}
	if len(remaining) == 0 {
		d.deleteConversation(ctx, conversationID)
	}

	d.remove(conversationID)
	return nil
}

// deleteConversation removes a conversation row with its messages and
// any leftover participant rows. Failures are logged, not surfaced: the
// rows are unreachable and a later leave will retry.
func (d *Directory) deleteConversation(ctx context.Context, conversationID string) {
	cond := []gateway.Cond{gateway.Eq("conversation_id", conversationID)}
	if err := d.gw.Delete(ctx, gateway.TableMessages, cond); err != nil {
		d.logger.Warn("orphan message cleanup failed", zap.Error(err))
	}
	if err := d.gw.Delete(ctx, gateway.TableParticipants, cond); err != nil {
		d.logger.Warn("orphan participant cleanup failed", zap.Error(err))
	}
	if err := d.gw.Delete(ctx, gateway.TableConversations,
		[]gateway.Cond{gateway.Eq("id", conversationID)}); err != nil {
		d.logger.Warn("conversation cleanup failed", zap.Error(err))
	}
}
