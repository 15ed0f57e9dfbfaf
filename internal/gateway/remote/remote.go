// Package remote is the client for a hosted data gateway. Row CRUD goes
// over its REST surface; the change feed and broadcast channels ride a
// single websocket that the client keeps alive, reconnecting and
// resubscribing on drops. After a reconnect the service replays from
// its last checkpoint, so consumers see at-least-once delivery.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/gateway"
)

// Config locates the hosted gateway.
type Config struct {
	// BaseURL is the http(s) root, e.g. "https://gw.example.com".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// HTTPTimeout bounds each REST call. Defaults to 10s.
	HTTPTimeout time.Duration
}

// Remote is a gateway.Gateway backed by a hosted deployment.
type Remote struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu     sync.Mutex
	conn   *wsConn
	subs   map[int]*remoteSub
	bcasts map[int]*remoteBcast
	nextID int
	closed bool
}

type remoteSub struct {
	table string
	cond  *gateway.Cond
	ch    chan gateway.Event
}

type remoteBcast struct {
	channel string
	event   string
	fn      func([]byte)
}

var _ gateway.Gateway = (*Remote)(nil)

// New creates a remote gateway client. The websocket is dialed lazily
// on the first Subscribe or OnBroadcast.
func New(cfg Config, logger *zap.Logger) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote gateway: base url required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
		subs:   make(map[int]*remoteSub),
		bcasts: make(map[int]*remoteBcast),
	}, nil
}

// Close shuts the websocket down. REST calls still work afterwards.
func (r *Remote) Close() error {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.close()
	}
	return nil
}

func (r *Remote) tableURL(table string, conds []gateway.Cond, order *gateway.Order) string {
	q := url.Values{}
	for _, c := range conds {
		q.Add(c.Column, fmt.Sprint(c.Value))
	}
	if order != nil {
		dir := "asc"
		if order.Desc {
			dir = "desc"
		}
		q.Set("order", order.Column+"."+dir)
	}
	u := r.cfg.BaseURL + "/v1/" + table
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func (r *Remote) do(ctx context.Context, method, u string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Fetch implements gateway.Gateway.
func (r *Remote) Fetch(ctx context.Context, table string, conds []gateway.Cond, order *gateway.Order) ([]gateway.Row, error) {
	data, err := r.do(ctx, http.MethodGet, r.tableURL(table, conds, order), nil)
	if err != nil {
		return nil, err
	}
	var rows []gateway.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("fetch %s: decode: %w", table, err)
	}
	return rows, nil
}

// Insert implements gateway.Gateway.
func (r *Remote) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	data, err := r.do(ctx, http.MethodPost, r.tableURL(table, nil, nil), row)
	if err != nil {
		return nil, err
	}
	var stored gateway.Row
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("insert %s: decode: %w", table, err)
	}
	return stored, nil
}

// Update implements gateway.Gateway.
func (r *Remote) Update(ctx context.Context, table string, conds []gateway.Cond, patch gateway.Row) ([]gateway.Row, error) {
	data, err := r.do(ctx, http.MethodPatch, r.tableURL(table, conds, nil), patch)
	if err != nil {
		return nil, err
	}
	var rows []gateway.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("update %s: decode: %w", table, err)
	}
	return rows, nil
}

// Delete implements gateway.Gateway.
func (r *Remote) Delete(ctx context.Context, table string, conds []gateway.Cond) error {
	_, err := r.do(ctx, http.MethodDelete, r.tableURL(table, conds, nil), nil)
	return err
}
