package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/gateway"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// subscriberBuffer sizes each change feed channel; events queue here
	// while a consumer is still bulk-loading.
	subscriberBuffer = 256

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// clientFrame is everything the client sends on the realtime socket.
type clientFrame struct {
	Action  string          `json:"action"` // subscribe | unsubscribe | broadcast
	Sub     int             `json:"sub,omitempty"`
	Table   string          `json:"table,omitempty"`
	Filter  *filterSpec     `json:"filter,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type filterSpec struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// serverFrame is everything the service pushes down.
type serverFrame struct {
	Type    string          `json:"type"` // change | broadcast
	Sub     int             `json:"sub,omitempty"`
	Op      string          `json:"op,omitempty"`
	Row     gateway.Row     `json:"row,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// Subscribe implements gateway.Gateway.
func (r *Remote) Subscribe(table string, cond *gateway.Cond) (<-chan gateway.Event, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("remote gateway closed")
	}
	id := r.nextID
	r.nextID++
	sub := &remoteSub{table: table, cond: cond, ch: make(chan gateway.Event, subscriberBuffer)}
	r.subs[id] = sub
	conn := r.conn
	needDial := conn == nil
	r.mu.Unlock()

	if needDial {
		if err := r.connect(); err != nil {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			return nil, nil, err
		}
	} else if err := conn.writeJSON(subscribeFrame(id, sub)); err != nil {
		// The read pump will notice the broken socket and resubscribe
		// everything, this sub included, after the reconnect.
		r.logger.Warn("subscribe write failed, deferring to reconnect", zap.Error(err))
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			conn := r.conn
			r.mu.Unlock()
			if conn != nil {
				_ = conn.writeJSON(clientFrame{Action: "unsubscribe", Sub: id})
			}
		})
	}
	return sub.ch, stop, nil
}

// Broadcast implements gateway.Gateway.
func (r *Remote) Broadcast(_ context.Context, channel, event string, payload []byte) error {
	r.mu.Lock()
	conn := r.conn
	needDial := conn == nil && !r.closed
	r.mu.Unlock()

	if needDial {
		if err := r.connect(); err != nil {
			return err
		}
		r.mu.Lock()
		conn = r.conn
		r.mu.Unlock()
	}
	if conn == nil {
		return fmt.Errorf("remote gateway closed")
	}
	return conn.writeJSON(clientFrame{
		Action:  "broadcast",
		Channel: channel,
		Event:   event,
		Payload: json.RawMessage(payload),
	})
}

// OnBroadcast implements gateway.Gateway.
func (r *Remote) OnBroadcast(channel, event string, fn func(payload []byte)) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("remote gateway closed")
	}
	id := r.nextID
	r.nextID++
	r.bcasts[id] = &remoteBcast{channel: channel, event: event, fn: fn}
	needDial := r.conn == nil
	r.mu.Unlock()

	if needDial {
		if err := r.connect(); err != nil {
			r.mu.Lock()
			delete(r.bcasts, id)
			r.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.bcasts, id)
			r.mu.Unlock()
		})
	}, nil
}

func subscribeFrame(id int, sub *remoteSub) clientFrame {
	frame := clientFrame{Action: "subscribe", Sub: id, Table: sub.table}
	if sub.cond != nil {
		frame.Filter = &filterSpec{Column: sub.cond.Column, Value: sub.cond.Value}
	}
	return frame
}

func (r *Remote) realtimeURL() string {
	u := r.cfg.BaseURL + "/v1/realtime"
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// connect dials the realtime socket, replays every active subscription
// and starts the read pump. Called for the first subscription and again
// by the pump after each drop.
func (r *Remote) connect() error {
	header := make(map[string][]string)
	if r.cfg.APIKey != "" {
		header["Authorization"] = []string{"Bearer " + r.cfg.APIKey}
	}
	conn, _, err := websocket.DefaultDialer.Dial(r.realtimeURL(), header)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	ws := &wsConn{conn: conn, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ws.close()
		return fmt.Errorf("remote gateway closed")
	}
	r.conn = ws
	frames := make([]clientFrame, 0, len(r.subs))
	for id, sub := range r.subs {
		frames = append(frames, subscribeFrame(id, sub))
	}
	r.mu.Unlock()

	for _, frame := range frames {
		if err := ws.writeJSON(frame); err != nil {
			ws.close()
			return fmt.Errorf("replay subscription: %w", err)
		}
	}

	go r.readPump(ws)
	go r.pingLoop(ws)
	return nil
}

func (r *Remote) readPump(ws *wsConn) {
	defer close(ws.done)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame serverFrame
		if err := ws.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("realtime socket dropped", zap.Error(err))
			}
			r.scheduleReconnect(ws)
			return
		}
		r.dispatch(frame)
	}
}

func (r *Remote) pingLoop(ws *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ws.writeMu.Lock()
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := ws.conn.WriteMessage(websocket.PingMessage, nil)
			ws.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ws.done:
			return
		}
	}
}

func (r *Remote) dispatch(frame serverFrame) {
	switch frame.Type {
	case "change":
		r.mu.Lock()
		sub, ok := r.subs[frame.Sub]
		r.mu.Unlock()
		if !ok {
			return
		}
		evt := gateway.Event{Op: gateway.Op(frame.Op), Table: sub.table, Row: frame.Row}
		select {
		case sub.ch <- evt:
		default:
			r.logger.Warn("change feed subscriber full, dropping event",
				zap.String("table", sub.table))
		}
	case "broadcast":
		r.mu.Lock()
		var fns []func([]byte)
		for _, h := range r.bcasts {
			if h.channel == frame.Channel && h.event == frame.Event {
				fns = append(fns, h.fn)
			}
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(frame.Payload)
		}
	}
}

// scheduleReconnect redials with backoff until it succeeds or the
// client is closed. Subscriptions are replayed on the new socket, which
// is where the at-least-once redelivery consumers must tolerate comes
// from.
func (r *Remote) scheduleReconnect(dead *wsConn) {
	r.mu.Lock()
	if r.closed || r.conn != dead {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.mu.Unlock()
	_ = dead.conn.Close()

	backoff := reconnectMin
	for {
		r.mu.Lock()
		closed := r.closed
		idle := len(r.subs) == 0 && len(r.bcasts) == 0
		r.mu.Unlock()
		if closed || idle {
			return
		}

		time.Sleep(backoff)
		if err := r.connect(); err == nil {
			r.logger.Info("realtime socket reconnected")
			return
		} else {
			r.logger.Warn("realtime reconnect failed", zap.Error(err),
				zap.Duration("next_attempt", backoff))
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
