package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/gateway"
)

func TestFetchBuildsRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotQuery = req.URL.RawQuery
		gotAuth = req.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[{"id":"m1","body":"hi"}]`))
	}))
	defer srv.Close()

	r, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rows, err := r.Fetch(context.Background(), gateway.TableMessages,
		[]gateway.Cond{gateway.Eq("conversation_id", "c1")}, gateway.Desc("created_at"))
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/v1/messages" {
		t.Errorf("path = %s, want /v1/messages", gotPath)
	}
	if gotQuery != "conversation_id=c1&order=created_at.desc" {
		t.Errorf("query = %s", gotQuery)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if len(rows) != 1 || rows[0].Str("id") != "m1" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestInsertAndUpdateRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body gateway.Row
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Method {
		case http.MethodPost:
			body["id"] = "srv-1"
			_ = json.NewEncoder(w).Encode(body)
		case http.MethodPatch:
			_ = json.NewEncoder(w).Encode([]gateway.Row{body})
		default:
			http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	r, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	stored, err := r.Insert(ctx, gateway.TableMessages, gateway.Row{"body": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Str("id") != "srv-1" || stored.Str("body") != "hi" {
		t.Errorf("stored = %+v", stored)
	}

	rows, err := r.Update(ctx, gateway.TableMessages,
		[]gateway.Cond{gateway.Eq("id", "srv-1")}, gateway.Row{"is_read": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !rows[0].Bool("is_read") {
		t.Errorf("rows = %+v", rows)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	r, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Fetch(context.Background(), gateway.TableMessages, nil, nil); err == nil {
		t.Fatal("want error on 403")
	}
}

// realtimeServer upgrades /v1/realtime and hands each client socket to
// the test.
func realtimeServer(t *testing.T, serve func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/realtime" {
			http.NotFound(w, req)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubscribeReceivesChanges(t *testing.T) {
	frames := make(chan clientFrame, 10)
	srv := realtimeServer(t, func(conn *websocket.Conn) {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		frames <- frame
		_ = conn.WriteJSON(serverFrame{
			Type: "change", Sub: frame.Sub, Op: "insert",
			Row: gateway.Row{"id": "m1", "conversation_id": "c1"},
		})
		// Keep the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	r, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	cond := gateway.Eq("conversation_id", "c1")
	events, stop, err := r.Subscribe(gateway.TableMessages, &cond)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	select {
	case frame := <-frames:
		if frame.Action != "subscribe" || frame.Table != gateway.TableMessages {
			t.Errorf("frame = %+v", frame)
		}
		if frame.Filter == nil || frame.Filter.Column != "conversation_id" {
			t.Errorf("filter = %+v", frame.Filter)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the subscribe frame")
	}

	select {
	case evt := <-events:
		if evt.Op != gateway.OpInsert || evt.Row.Str("id") != "m1" {
			t.Errorf("event = %+v", evt)
		}
		if evt.Table != gateway.TableMessages {
			t.Errorf("table = %s", evt.Table)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change never delivered")
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	srv := realtimeServer(t, func(conn *websocket.Conn) {
		// Reflect every broadcast frame back down, like the service fans
		// out to all clients including the sender.
		for {
			var frame clientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Action != "broadcast" {
				continue
			}
			_ = conn.WriteJSON(serverFrame{
				Type: "broadcast", Channel: frame.Channel, Event: frame.Event, Payload: frame.Payload,
			})
		}
	})

	r, err := New(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	got := make(chan []byte, 1)
	detach, err := r.OnBroadcast("read-state", "messages_read", func(payload []byte) {
		got <- payload
	})
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	payload := []byte(`{"conversation_id":"c1","user_id":"x"}`)
	if err := r.Broadcast(context.Background(), "read-state", "messages_read", payload); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-got:
		if string(data) != string(payload) {
			t.Errorf("payload = %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never came back")
	}
}
