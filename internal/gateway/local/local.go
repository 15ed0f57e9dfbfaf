// Package local embeds the data service in-process on sqlite. It backs
// single-machine deployments and the test suite, and emits the same
// change feed a hosted gateway would push over the wire.
package local

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"chatsync/internal/gateway"
)

// Local is a gateway.Gateway backed by a sqlite database file.
type Local struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	subs     map[int]*subscriber
	handlers map[int]*broadcastHandler
	nextID   int
}

type subscriber struct {
	table string
	cond  *gateway.Cond
	ch    chan gateway.Event
}

type broadcastHandler struct {
	channel string
	event   string
	fn      func(payload []byte)
}

var _ gateway.Gateway = (*Local)(nil)

// Open creates a sqlite-backed gateway at path with WAL mode and a busy
// timeout, and runs pending migrations.
func Open(path string, logger *zap.Logger) (*Local, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Local{
		db:       db,
		logger:   logger,
		subs:     make(map[int]*subscriber),
		handlers: make(map[int]*broadcastHandler),
	}
	result, err := l.migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("gateway migrations applied", zap.Uint("version", result.Version))
	}
	return l, nil
}

// Close closes the underlying database. Open subscriptions stop
// receiving events but their channels stay open until unsubscribed.
func (l *Local) Close() error {
	return l.db.Close()
}

// emit delivers evt to every matching subscriber. Delivery is
// non-blocking; a subscriber that stopped draining loses events.
func (l *Local) emit(evt gateway.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs {
		if sub.table != evt.Table {
			continue
		}
		if sub.cond != nil && !condMatches(*sub.cond, evt.Row) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			l.logger.Warn("change feed subscriber full, dropping event",
				zap.String("table", evt.Table), zap.String("op", string(evt.Op)))
		}
	}
}

func condMatches(cond gateway.Cond, row gateway.Row) bool {
	return fmt.Sprint(row[cond.Column]) == fmt.Sprint(cond.Value)
}
