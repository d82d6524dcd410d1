package persistence

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store backed by a handful of regexps
// over a minimal SQL subset: INSERT/SELECT/UPDATE/DELETE with ordinal
// ($1, $2, ...) parameters and simple "col = $N [AND col = $N]..."
// WHERE clauses. Exec is a no-op beyond recording that a table exists
// — there is no schema to apply. It exists for tests exercising the
// tick recorder, calibration ledger, and state snapshot callers
// without a real database.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][]Row
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

var (
	insertRe = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\w+)\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)\s*(RETURNING\s+(\w+))?\s*;?\s*$`)
	selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+.*?\s+FROM\s+(\w+)(?:\s+WHERE\s+(.*?))?(?:\s+ORDER\s+BY\s+.*)?(?:\s+LIMIT\s+(\d+))?\s*;?\s*$`)
	deleteRe = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+(\w+)(?:\s+WHERE\s+(.*))?\s*;?\s*$`)
	updateRe = regexp.MustCompile(`(?is)^\s*UPDATE\s+(\w+)\s+SET\s+(.*?)(?:\s+WHERE\s+(.*))?\s*;?\s*$`)
)

// Get returns the first row matching sql, or ErrNoRows.
func (m *MemoryStore) Get(ctx context.Context, sql string, params ...interface{}) (Row, error) {
	rows, err := m.All(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// All returns every row matching sql.
func (m *MemoryStore) All(ctx context.Context, sql string, params ...interface{}) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := selectRe.FindStringSubmatch(sql)
	if match == nil {
		return nil, fmt.Errorf("persistence: unsupported SELECT: %s", sql)
	}
	table, whereClause, limitStr := match[1], match[2], match[3]

	pred, err := parseWhere(whereClause, params)
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, row := range m.tables[table] {
		if pred(row) {
			out = append(out, cloneRow(row))
		}
	}

	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n < len(out) {
			out = out[:n]
		}
	}

	return out, nil
}

// Run executes an INSERT/UPDATE/DELETE statement.
func (m *MemoryStore) Run(ctx context.Context, sql string, params ...interface{}) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ins := insertRe.FindStringSubmatch(sql); ins != nil {
		return m.runInsert(ins, params)
	}
	if del := deleteRe.FindStringSubmatch(sql); del != nil {
		return m.runDelete(del, params)
	}
	if upd := updateRe.FindStringSubmatch(sql); upd != nil {
		return m.runUpdate(upd, params)
	}
	return Result{}, fmt.Errorf("persistence: unsupported statement: %s", sql)
}

func (m *MemoryStore) runInsert(match []string, params []interface{}) (Result, error) {
	table := match[1]
	cols := splitTrim(match[2])
	placeholders := splitTrim(match[3])

	row := make(Row, len(cols))
	for i, col := range cols {
		if i >= len(placeholders) {
			break
		}
		val, err := resolvePlaceholder(placeholders[i], params)
		if err != nil {
			return Result{}, err
		}
		row[col] = val
	}

	if _, ok := row["id"]; !ok {
		row["id"] = uuid.New().String()
	}

	m.tables[table] = append(m.tables[table], row)

	result := Result{Changes: 1}
	if match[5] != "" {
		if id, ok := row[match[5]]; ok {
			result.LastInsertID = fmt.Sprintf("%v", id)
		}
	}
	return result, nil
}

func (m *MemoryStore) runDelete(match []string, params []interface{}) (Result, error) {
	table := match[1]
	pred, err := parseWhere(match[2], params)
	if err != nil {
		return Result{}, err
	}

	kept := m.tables[table][:0]
	var changes int64
	for _, row := range m.tables[table] {
		if pred(row) {
			changes++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return Result{Changes: changes}, nil
}

func (m *MemoryStore) runUpdate(match []string, params []interface{}) (Result, error) {
	table := match[1]
	assignments := splitTrim(match[2])
	pred, err := parseWhere(match[3], params)
	if err != nil {
		return Result{}, err
	}

	var changes int64
	for i, row := range m.tables[table] {
		if !pred(row) {
			continue
		}
		for _, assign := range assignments {
			parts := strings.SplitN(assign, "=", 2)
			if len(parts) != 2 {
				continue
			}
			col := strings.TrimSpace(parts[0])
			val, err := resolvePlaceholder(strings.TrimSpace(parts[1]), params)
			if err != nil {
				return Result{}, err
			}
			row[col] = val
		}
		m.tables[table][i] = row
		changes++
	}
	return Result{Changes: changes}, nil
}

// Exec runs DDL. The in-memory store has no schema, so this only
// ensures the referenced table exists.
func (m *MemoryStore) Exec(ctx context.Context, sql string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	re := regexp.MustCompile(`(?is)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(\w+)`)
	if match := re.FindStringSubmatch(sql); match != nil {
		if _, ok := m.tables[match[1]]; !ok {
			m.tables[match[1]] = nil
		}
	}
	return nil
}

// RunReturningID runs sql and returns the RETURNING id value.
func (m *MemoryStore) RunReturningID(ctx context.Context, sql string, params ...interface{}) (string, error) {
	result, err := m.Run(ctx, sql, params...)
	if err != nil {
		return "", err
	}
	if result.LastInsertID == "" {
		return "", fmt.Errorf("persistence: statement did not return an id: %s", sql)
	}
	return result.LastInsertID, nil
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func resolvePlaceholder(token string, params []interface{}) (interface{}, error) {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "$") {
		n, err := strconv.Atoi(token[1:])
		if err != nil || n < 1 || n > len(params) {
			return nil, fmt.Errorf("persistence: invalid ordinal parameter %q", token)
		}
		return params[n-1], nil
	}
	unquoted := strings.Trim(token, "'\"")
	return unquoted, nil
}

// parseWhere builds a predicate from a simple "col = $N [AND col = $N]"
// clause. An empty clause matches every row.
func parseWhere(clause string, params []interface{}) (func(Row) bool, error) {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return func(Row) bool { return true }, nil
	}

	type cond struct {
		col string
		val interface{}
	}
	var conds []cond
	for _, part := range strings.Split(clause, " AND ") {
		parts := strings.SplitN(part, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("persistence: unsupported WHERE clause: %s", clause)
		}
		col := strings.TrimSpace(parts[0])
		val, err := resolvePlaceholder(strings.TrimSpace(parts[1]), params)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond{col: col, val: val})
	}

	return func(row Row) bool {
		for _, c := range conds {
			if fmt.Sprintf("%v", row[c.col]) != fmt.Sprintf("%v", c.val) {
				return false
			}
		}
		return true
	}, nil
}

func cloneRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
