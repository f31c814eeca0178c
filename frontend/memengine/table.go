package memengine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tessera-db/tessera/frontend/engine"
)

// Table is an in-memory, versioned table. Structural changes bump the
// version; cursor factories compiled against an older version report
// their plans stale.
type Table struct {
	mu      sync.Mutex
	name    string
	version int64
	columns []engine.Column
	rows    [][]any

	// rows at or beyond coldFrom are unavailable until the event
	// fires; models cold storage
	coldFrom  int
	coldEvent uint64
	coldFired bool
}

func NewTable(name string, columns []engine.Column) *Table {
	return &Table{name: name, columns: columns, coldFrom: -1}
}

func (t *Table) Token() engine.TableToken {
	return engine.TableToken{Table: t.name}
}

func (t *Table) Version() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

func (t *Table) Columns() []engine.Column {
	t.mu.Lock()
	defer t.mu.Unlock()
	cols := make([]engine.Column, len(t.columns))
	copy(cols, t.columns)
	return cols
}

func (t *Table) columnIndex(name string) int {
	for i, c := range t.columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// AddColumn alters the table structure and invalidates every plan
// compiled against it.
func (t *Table) AddColumn(col engine.Column) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.columns = append(t.columns, col)
	for i, row := range t.rows {
		t.rows[i] = append(row, nil)
	}
	t.version++
}

func (t *Table) RowCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Append seeds rows directly, bypassing the SQL surface.
func (t *Table) Append(rows ...[]any) {
	t.appendRows(rows)
}

func (t *Table) appendRows(rows [][]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, rows...)
}

// MarkCold declares rows from index on as cold storage, woken by the
// given event.
func (t *Table) MarkCold(fromRow int, event uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coldFrom = fromRow
	t.coldEvent = event
	t.coldFired = false
}

func (t *Table) warm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coldFired = true
}

func (t *Table) coldAt(row int) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.coldFrom >= 0 && !t.coldFired && row >= t.coldFrom {
		return t.coldEvent, true
	}
	return 0, false
}

// snapshotRows copies the current row window for a cursor.
func (t *Table) snapshotRows() [][]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([][]any, len(t.rows))
	copy(rows, t.rows)
	return rows
}

// tableWriter buffers inserted rows until commit.
type tableWriter struct {
	table    *Table
	buffered [][]any
	closed   bool
}

var _ engine.TableWriter = (*tableWriter)(nil)

func (w *tableWriter) Token() engine.TableToken {
	return w.table.Token()
}

func (w *tableWriter) Commit() error {
	if len(w.buffered) > 0 {
		w.table.appendRows(w.buffered)
		w.buffered = nil
	}
	return nil
}

func (w *tableWriter) Rollback() error {
	w.buffered = nil
	return nil
}

func (w *tableWriter) ApplyUpdate(ctx *engine.ExecContext, op engine.UpdateOperation) (int64, error) {
	return op.Execute(ctx)
}

func (w *tableWriter) Close() {
	w.closed = true
	w.buffered = nil
}

// parseColumnSpec resolves a column type declaration. Geo hash
// columns declare their precision in chars or bits, e.g. geohash(5c)
// or geohash(13b); the bit count picks the narrowest storage class.
func parseColumnSpec(s string) (engine.ColumnType, int, error) {
	if strings.HasPrefix(s, "geohash(") && strings.HasSuffix(s, ")") {
		spec := s[len("geohash(") : len(s)-1]
		if len(spec) < 2 {
			return engine.Undefined, 0, fmt.Errorf("invalid geohash precision: %s", s)
		}
		n, err := strconv.Atoi(spec[:len(spec)-1])
		if err != nil || n <= 0 {
			return engine.Undefined, 0, fmt.Errorf("invalid geohash precision: %s", s)
		}
		bits := n
		switch spec[len(spec)-1] {
		case 'c':
			bits = n * 5
		case 'b':
		default:
			return engine.Undefined, 0, fmt.Errorf("invalid geohash precision unit: %s", s)
		}
		if bits > 60 {
			return engine.Undefined, 0, fmt.Errorf("geohash precision too high: %s", s)
		}
		switch {
		case bits <= 8:
			return engine.GeoByte, bits, nil
		case bits <= 16:
			return engine.GeoShort, bits, nil
		case bits <= 32:
			return engine.GeoInt, bits, nil
		default:
			return engine.GeoLong, bits, nil
		}
	}
	switch s {
	case "boolean", "bool":
		return engine.Boolean, 0, nil
	case "byte":
		return engine.Byte, 0, nil
	case "short":
		return engine.Short, 0, nil
	case "char":
		return engine.Char, 0, nil
	case "int":
		return engine.Int, 0, nil
	case "long":
		return engine.Long, 0, nil
	case "long256":
		return engine.Long256, 0, nil
	case "date":
		return engine.Date, 0, nil
	case "timestamp":
		return engine.Timestamp, 0, nil
	case "float":
		return engine.Float, 0, nil
	case "double":
		return engine.Double, 0, nil
	case "string":
		return engine.String, 0, nil
	case "varchar":
		return engine.Varchar, 0, nil
	case "symbol":
		return engine.Symbol, 0, nil
	case "uuid":
		return engine.UUID, 0, nil
	case "binary":
		return engine.Binary, 0, nil
	case "ipv4":
		return engine.IPv4, 0, nil
	}
	return engine.Undefined, 0, fmt.Errorf("unsupported column type: %s", s)
}
