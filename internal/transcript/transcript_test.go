package transcript

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"chatsync/internal/bus"
	"chatsync/internal/fault"
	"chatsync/internal/gateway"
	"chatsync/internal/gateway/local"
	"chatsync/internal/readstate"
)

// flakyGateway fails Insert on demand, everything else passes through.
type flakyGateway struct {
	gateway.Gateway

	mu   sync.Mutex
	fail bool
}

func (f *flakyGateway) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flakyGateway) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("injected insert failure")
	}
	return f.Gateway.Insert(ctx, table, row)
}

// blockingGateway holds Insert until release is closed, so tests can
// observe the pending window of an optimistic send. A non-nil result is
// returned as the created row instead of inserting.
type blockingGateway struct {
	gateway.Gateway
	release chan struct{}
	result  gateway.Row
}

func (b *blockingGateway) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	<-b.release
	if b.result != nil {
		return b.result, nil
	}
	return b.Gateway.Insert(ctx, table, row)
}

// slowLoadGateway serves the message bulk fetch from a fixed snapshot,
// and only after release is closed. Everything else passes through, so
// the change feed keeps delivering while the load is stalled.
type slowLoadGateway struct {
	gateway.Gateway
	entered  chan struct{}
	release  chan struct{}
	snapshot []gateway.Row

	once sync.Once
}

func (g *slowLoadGateway) Fetch(ctx context.Context, table string, conds []gateway.Cond, order *gateway.Order) ([]gateway.Row, error) {
	if table != gateway.TableMessages {
		return g.Gateway.Fetch(ctx, table, conds, order)
	}
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.snapshot, nil
}

type fixture struct {
	gw  *local.Local
	bus *bus.Bus
	rec *readstate.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw, err := local.Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	b := bus.New()
	rec := readstate.NewReconciler(gw, b, nil)
	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rec.Stop)

	ctx := context.Background()
	if _, err := gw.Insert(ctx, gateway.TableConversations, gateway.Row{
		"id": "c1", "last_message_text": "", "last_message_at": time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"x", "y"} {
		if _, err := gw.Insert(ctx, gateway.TableParticipants, gateway.Row{
			"conversation_id": "c1", "user_id": u,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{gw: gw, bus: b, rec: rec}
}

func (f *fixture) seedMessage(t *testing.T, id, sender, body string, read bool, at time.Time) {
	t.Helper()
	_, err := f.gw.Insert(context.Background(), gateway.TableMessages, gateway.Row{
		"id": id, "conversation_id": "c1", "sender_id": sender,
		"body": body, "is_read": read, "created_at": at.UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) open(t *testing.T, gw gateway.Gateway) *Transcript {
	t.Helper()
	tr, err := Open(context.Background(), gw, f.bus, f.rec, "c1", "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOpenLoadsOrderedAndMarksRead(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	f.seedMessage(t, "m1", "y", "first", false, base.Add(-2*time.Minute))
	f.seedMessage(t, "m2", "x", "second", true, base.Add(-time.Minute))
	f.seedMessage(t, "m3", "y", "third", false, base)

	tr := f.open(t, f.gw)

	if tr.State() != Live {
		t.Errorf("state = %s, want LIVE", tr.State())
	}
	entries := tr.Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if entries[i].ID != id {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].ID, id)
		}
		if entries[i].State != Confirmed {
			t.Errorf("entries[%d] state = %s, want confirmed", i, entries[i].State)
		}
	}

	// Opening the conversation read the inbound messages.
	n, err := readstate.UnreadCount(context.Background(), f.gw, "c1", "x")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("unread after open = %d, want 0", n)
	}
}

func TestSendConfirmsWithServerID(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, f.gw)

	ackCh, unsub := f.bus.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	tempID, err := tr.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if tempID == "" {
		t.Fatal("empty temp id")
	}

	var ack bus.SendResult
	select {
	case evt := <-ackCh:
		ack = evt.Payload.(bus.SendResult)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send ack")
	}
	if ack.TempID != tempID || ack.MessageID == "" {
		t.Fatalf("ack = %+v", ack)
	}

	waitFor(t, func() bool {
		entries := tr.Entries()
		return len(entries) == 1 && entries[0].State == Confirmed && entries[0].ID == ack.MessageID
	}, "entry never confirmed")

	// The send refreshed the conversation preview.
	waitFor(t, func() bool {
		rows, err := f.gw.Fetch(context.Background(), gateway.TableConversations,
			[]gateway.Cond{gateway.Eq("id", "c1")}, nil)
		return err == nil && len(rows) == 1 && rows[0].Str("last_message_text") == "hello"
	}, "conversation preview not refreshed")
}

func TestSendFailureKeepsEntryForResend(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyGateway{Gateway: f.gw}
	tr := f.open(t, flaky)

	failCh, unsub := f.bus.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	flaky.setFail(true)
	tempID, err := tr.Send(context.Background(), "doomed")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-failCh:
		res := evt.Payload.(bus.SendResult)
		if res.TempID != tempID || res.Err == "" {
			t.Fatalf("failure payload = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send failure")
	}

	entries := tr.Entries()
	if len(entries) != 1 || entries[0].State != Failed || entries[0].SendError == "" {
		t.Fatalf("entries = %+v, want one failed entry", entries)
	}

	// Manual retry succeeds once the gateway recovers.
	flaky.setFail(false)
	if err := tr.Resend(context.Background(), tempID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		entries := tr.Entries()
		return len(entries) == 1 && entries[0].State == Confirmed && entries[0].ID != ""
	}, "resend never confirmed")
}

func TestResendRequiresFailedEntry(t *testing.T) {
	f := newFixture(t)
	blocking := &blockingGateway{Gateway: f.gw, release: make(chan struct{})}
	defer close(blocking.release)
	tr := f.open(t, blocking)
	ctx := context.Background()

	if err := tr.Resend(ctx, "missing"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("resend missing: err = %v, want NotFound", err)
	}

	tempID, err := tr.Send(ctx, "in flight")
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Resend(ctx, tempID); !fault.IsKind(err, fault.PolicyViolation) {
		t.Errorf("resend pending: err = %v, want PolicyViolation", err)
	}
}

func TestSendRequiresLive(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, f.gw)
	tr.Close()

	if _, err := tr.Send(context.Background(), "late"); !fault.IsKind(err, fault.PolicyViolation) {
		t.Errorf("err = %v, want PolicyViolation", err)
	}
}

func TestLiveInsertIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, f.gw)

	evt := gateway.Event{Op: gateway.OpInsert, Table: gateway.TableMessages, Row: gateway.Row{
		"id": "m1", "conversation_id": "c1", "sender_id": "y",
		"body": "hi", "is_read": false, "created_at": time.Now().UnixMilli(),
	}}
	ctx := context.Background()
	tr.handleEvent(ctx, evt)
	tr.handleEvent(ctx, evt) // reconnect replay

	entries := tr.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after duplicate delivery", len(entries))
	}
}

func TestEventsDuringLoadAreReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMessage(t, "m0", "y", "before", true, time.Now().Add(-time.Minute))

	// The bulk load will return the world as it was before the stall.
	snapshot, err := f.gw.Fetch(ctx, gateway.TableMessages,
		[]gateway.Cond{gateway.Eq("conversation_id", "c1")}, gateway.Asc("created_at"))
	if err != nil {
		t.Fatal(err)
	}
	slow := &slowLoadGateway{
		Gateway:  f.gw,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		snapshot: snapshot,
	}

	type opened struct {
		tr  *Transcript
		err error
	}
	done := make(chan opened, 1)
	go func() {
		tr, err := Open(ctx, slow, f.bus, f.rec, "c1", "x", nil)
		done <- opened{tr, err}
	}()

	// Messages land while the fetch is stalled; their feed events queue
	// in the subscription buffer.
	<-slow.entered
	f.seedMessage(t, "m1", "y", "during one", false, time.Now())
	f.seedMessage(t, "m2", "y", "during two", false, time.Now())
	close(slow.release)

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	t.Cleanup(res.tr.Close)

	waitFor(t, func() bool { return len(res.tr.Entries()) == 3 }, "buffered events never replayed")
	counts := make(map[string]int)
	for _, e := range res.tr.Entries() {
		counts[e.ID]++
	}
	for _, id := range []string{"m0", "m1", "m2"} {
		if counts[id] != 1 {
			t.Errorf("message %s appears %d times, want exactly once", id, counts[id])
		}
	}
}

func TestLiveInboundInsertMarkedRead(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, f.gw)

	// y sends while x has the conversation open.
	f.seedMessage(t, "m1", "y", "ping", false, time.Now())

	waitFor(t, func() bool {
		entries := tr.Entries()
		return len(entries) == 1 && entries[0].ID == "m1"
	}, "live insert never merged")

	waitFor(t, func() bool {
		n, err := readstate.UnreadCount(context.Background(), f.gw, "c1", "x")
		return err == nil && n == 0
	}, "live inbound message never marked read")
}

func TestEchoConfirmsPendingInPlace(t *testing.T) {
	f := newFixture(t)
	blocking := &blockingGateway{Gateway: f.gw, release: make(chan struct{})}
	tr := f.open(t, blocking)
	ctx := context.Background()

	tempID, err := tr.Send(ctx, "hello")
	if err != nil {
		t.Fatal(err)
	}
	entries := tr.Entries()
	if len(entries) != 1 || entries[0].State != Pending || entries[0].TempID != tempID {
		t.Fatalf("entries = %+v, want one pending entry", entries)
	}

	// The server echo lands before the create call returns.
	tr.handleEvent(ctx, gateway.Event{Op: gateway.OpInsert, Table: gateway.TableMessages, Row: gateway.Row{
		"id": "srv-1", "conversation_id": "c1", "sender_id": "x",
		"body": "hello", "is_read": false, "created_at": time.Now().UnixMilli(),
	}})

	entries = tr.Entries()
	if len(entries) != 1 || entries[0].State != Confirmed || entries[0].ID != "srv-1" {
		t.Fatalf("entries = %+v, want the echo confirmed in place", entries)
	}

	// The create call now returns the same server row; the transcript
	// must not grow a duplicate.
	blocking.result = gateway.Row{
		"id": "srv-1", "conversation_id": "c1", "sender_id": "x",
		"body": "hello", "is_read": false, "created_at": time.Now().UnixMilli(),
	}
	close(blocking.release)

	time.Sleep(100 * time.Millisecond)
	count := 0
	for _, e := range tr.Entries() {
		if e.Body == "hello" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("hello entries = %d, want 1", count)
	}
}

func TestUpdateReadIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.seedMessage(t, "m1", "x", "sent", true, time.Now())
	tr := f.open(t, f.gw)

	// A stale update claiming unread never reverts the flag.
	tr.handleEvent(context.Background(), gateway.Event{Op: gateway.OpUpdate, Table: gateway.TableMessages, Row: gateway.Row{
		"id": "m1", "conversation_id": "c1", "sender_id": "x",
		"body": "sent", "is_read": false, "created_at": time.Now().UnixMilli(),
	}})

	entries := tr.Entries()
	if len(entries) != 1 || !entries[0].Read {
		t.Errorf("entries = %+v, want m1 still read", entries)
	}
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	f.seedMessage(t, "mine", "x", "mine", true, base.Add(-time.Minute))
	f.seedMessage(t, "theirs", "y", "theirs", true, base)
	tr := f.open(t, f.gw)
	ctx := context.Background()

	if err := tr.DeleteMessage(ctx, "theirs"); !fault.IsKind(err, fault.PolicyViolation) {
		t.Errorf("delete theirs: err = %v, want PolicyViolation", err)
	}
	if err := tr.DeleteMessage(ctx, "nope"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("delete missing: err = %v, want NotFound", err)
	}

	if err := tr.DeleteMessage(ctx, "mine"); err != nil {
		t.Fatal(err)
	}
	rows, err := f.gw.Fetch(ctx, gateway.TableMessages, []gateway.Cond{gateway.Eq("id", "mine")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Error("row survived delete")
	}
	waitFor(t, func() bool {
		entries := tr.Entries()
		return len(entries) == 1 && entries[0].ID == "theirs"
	}, "entry survived delete")
}

func TestDeletePendingAndFailedEntries(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyGateway{Gateway: f.gw}
	tr := f.open(t, flaky)
	ctx := context.Background()

	flaky.setFail(true)
	tempID, err := tr.Send(ctx, "doomed")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		entries := tr.Entries()
		return len(entries) == 1 && entries[0].State == Failed
	}, "send never failed")

	// A failed entry never reached the server; deleting it is local.
	if err := tr.DeleteMessage(ctx, tempID); err != nil {
		t.Fatal(err)
	}
	if entries := tr.Entries(); len(entries) != 0 {
		t.Fatalf("entries = %+v, want empty", entries)
	}

	// An in-flight entry cannot be deleted yet.
	blocking := &blockingGateway{Gateway: f.gw, release: make(chan struct{})}
	defer close(blocking.release)
	tr2 := f.open(t, blocking)
	tempID, err = tr2.Send(ctx, "in flight")
	if err != nil {
		t.Fatal(err)
	}
	if err := tr2.DeleteMessage(ctx, tempID); !fault.IsKind(err, fault.PolicyViolation) {
		t.Errorf("delete pending: err = %v, want PolicyViolation", err)
	}
}

func TestClosesWhenConversationRemoved(t *testing.T) {
	f := newFixture(t)
	tr := f.open(t, f.gw)

	f.bus.Publish(bus.Event{
		Kind:    bus.KindConversationRemoved,
		Payload: bus.ConversationRef{ConversationID: "c1"},
	})

	waitFor(t, func() bool { return tr.State() == Closed }, "transcript never closed")
	if entries := tr.Entries(); len(entries) != 0 {
		t.Errorf("entries = %+v, want discarded", entries)
	}

	// Repeated close is fine.
	tr.Close()
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// 3-byte runes, so 100 bytes falls mid-rune.
	long := strings.Repeat("日", 40)
	got := truncate(long, 100)
	if len(got) > 100 {
		t.Errorf("len = %d, want <= 100", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("日", 33) {
		t.Errorf("got %d bytes, want 33 whole runes", len(got))
	}

	if truncate("short", 100) != "short" {
		t.Error("short string modified")
	}
}

func TestTypingIndicator(t *testing.T) {
	var mu sync.Mutex
	var edges []bool
	ti := NewTypingIndicator(50*time.Millisecond, func(active bool) {
		mu.Lock()
		edges = append(edges, active)
		mu.Unlock()
	})

	ti.Touch()
	if !ti.Active() {
		t.Error("not active after touch")
	}
	ti.Touch() // restart, no extra edge

	waitFor(t, func() bool { return !ti.Active() }, "indicator never expired")

	mu.Lock()
	got := append([]bool(nil), edges...)
	mu.Unlock()
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("edges = %v, want [true false]", got)
	}

	// Stop is an immediate edge.
	ti.Touch()
	ti.Stop()
	if ti.Active() {
		t.Error("active after stop")
	}
}
