package local

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/gateway"
)

var knownTables = map[string]bool{
	gateway.TableProfiles:      true,
	gateway.TableFollows:       true,
	gateway.TableConversations: true,
	gateway.TableParticipants:  true,
	gateway.TableMessages:      true,
}

var columnRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkTable(table string) error {
	if !knownTables[table] {
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

func checkColumn(column string) error {
	if !columnRe.MatchString(column) {
		return fmt.Errorf("invalid column %q", column)
	}
	return nil
}

func whereClause(conds []gateway.Cond) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, c := range conds {
		if err := checkColumn(c.Column); err != nil {
			return "", nil, err
		}
		parts = append(parts, c.Column+" = ?")
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// Fetch implements gateway.Gateway.
func (l *Local) Fetch(ctx context.Context, table string, conds []gateway.Cond, order *gateway.Order) ([]gateway.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	where, args, err := whereClause(conds)
	if err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + table + where
	if order != nil {
		if err := checkColumn(order.Column); err != nil {
			return nil, err
		}
		q += " ORDER BY " + order.Column
		if order.Desc {
			q += " DESC"
		}
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRows(rows)
}

// Insert implements gateway.Gateway. A missing id column is assigned;
// tables with a created_at column get the current time when absent.
func (l *Local) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	stored := make(gateway.Row, len(row)+2)
	for k, v := range row {
		stored[k] = v
	}
	if stored.Str("id") == "" {
		stored["id"] = uuid.New().String()
	}
	if !stored.Has("created_at") {
		stored["created_at"] = time.Now().UnixMilli()
	}

	cols := make([]string, 0, len(stored))
	for k := range stored {
		if err := checkColumn(k); err != nil {
			return nil, err
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, normalizeValue(stored[c]))
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := l.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	// Re-read so the caller sees the row exactly as stored.
	fetched, err := l.Fetch(ctx, table, []gateway.Cond{gateway.Eq("id", stored["id"])}, nil)
	if err != nil {
		return nil, fmt.Errorf("insert %s: read back row %v: %w", table, stored["id"], err)
	}
	if len(fetched) == 0 {
		return nil, fmt.Errorf("insert %s: read back row %v: row missing", table, stored["id"])
	}

	l.emit(gateway.Event{Op: gateway.OpInsert, Table: table, Row: fetched[0]})
	return fetched[0], nil
}

// Update implements gateway.Gateway. Matching rows are resolved to ids
// first so each changed row produces exactly one update event.
func (l *Local) Update(ctx context.Context, table string, conds []gateway.Cond, patch gateway.Row) ([]gateway.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}

	matched, err := l.Fetch(ctx, table, conds, nil)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	setCols := make([]string, 0, len(patch))
	for k := range patch {
		if err := checkColumn(k); err != nil {
			return nil, err
		}
		setCols = append(setCols, k)
	}
	sort.Strings(setCols)

	setParts := make([]string, 0, len(setCols))
	args := make([]any, 0, len(setCols)+len(matched))
	for _, c := range setCols {
		setParts = append(setParts, c+" = ?")
		args = append(args, normalizeValue(patch[c]))
	}

	ids := make([]any, 0, len(matched))
	for _, r := range matched {
		ids = append(ids, r["id"])
	}
	args = append(args, ids...)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id IN (%s)",
		table, strings.Join(setParts, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "))

	if _, err := l.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}

	updated := make([]gateway.Row, 0, len(ids))
	for _, id := range ids {
		fetched, err := l.Fetch(ctx, table, []gateway.Cond{gateway.Eq("id", id)}, nil)
		if err != nil {
			return nil, err
		}
		if len(fetched) == 0 {
			continue
		}
		updated = append(updated, fetched[0])
		l.emit(gateway.Event{Op: gateway.OpUpdate, Table: table, Row: fetched[0]})
	}
	return updated, nil
}

// Delete implements gateway.Gateway. Delete events carry the last known
// state of each removed row.
func (l *Local) Delete(ctx context.Context, table string, conds []gateway.Cond) error {
	if err := checkTable(table); err != nil {
		return err
	}

	matched, err := l.Fetch(ctx, table, conds, nil)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}

	where, args, err := whereClause(conds)
	if err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, "DELETE FROM "+table+where, args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}

	for _, r := range matched {
		l.emit(gateway.Event{Op: gateway.OpDelete, Table: table, Row: r})
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]gateway.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []gateway.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(gateway.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue maps engine-level values onto sqlite storage types.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return t.UnixMilli()
	default:
		return v
	}
}
