package memengine

import (
	"github.com/tessera-db/tessera/frontend/engine"
)

// cursorFactory is a compiled SELECT: a projection over one table (or
// none, for expression-only selects), pinned to the table version it
// was compiled against.
type cursorFactory struct {
	eng      *Engine
	table    *Table
	version  int64
	metadata *engine.Metadata
	exprs    []expr
	closed   bool
}

var _ engine.CursorFactory = (*cursorFactory)(nil)

func (f *cursorFactory) Metadata() *engine.Metadata {
	return f.metadata
}

func (f *cursorFactory) Cursor(ctx *engine.ExecContext) (engine.Cursor, error) {
	if f.table != nil && f.table.Version() != f.version {
		return nil, &engine.TableReferenceOutOfDateError{Token: f.table.Token()}
	}
	cur := &cursor{factory: f, ctx: ctx, pos: -1}
	if f.table != nil {
		cur.rows = f.table.snapshotRows()
		cur.srcCols = f.table.Columns()
	} else {
		// expression-only select produces exactly one row
		cur.rows = [][]any{nil}
	}
	cur.current = make([]any, len(f.exprs))
	return cur, nil
}

func (f *cursorFactory) Close() {
	f.closed = true
}

type cursor struct {
	factory *cursorFactory
	ctx     *engine.ExecContext
	rows    [][]any
	srcCols []engine.Column
	current []any
	pos     int
	closed  bool
}

var _ engine.Cursor = (*cursor)(nil)

func (c *cursor) Next() (bool, error) {
	if c.closed {
		return false, nil
	}
	if err := c.ctx.CircuitBreaker().Check(); err != nil {
		return false, err
	}
	next := c.pos + 1
	if next >= len(c.rows) {
		return false, nil
	}
	if c.factory.table != nil {
		if event, cold := c.factory.table.coldAt(next); cold {
			return false, &engine.DataUnavailableError{Token: c.factory.table.Token(), Event: event}
		}
	}
	c.pos = next
	return true, c.materialize()
}

func (c *cursor) materialize() error {
	binds := c.ctx.BindVariableService()
	row := c.rows[c.pos]
	for i, ex := range c.factory.exprs {
		v, err := ex.eval(row, binds, engine.ColumnType(c.factory.metadata.Columns[i].Type))
		if err != nil {
			return err
		}
		c.current[i] = v
	}
	return nil
}

func (c *cursor) Record() engine.Record {
	return (*record)(&c.current)
}

func (c *cursor) Close() {
	c.closed = true
}

// record adapts one materialized row to the positional accessors.
type record []any

var _ engine.Record = (*record)(nil)

func (r *record) IsNull(col int) bool {
	return (*r)[col] == nil
}

func (r *record) GetBool(col int) bool {
	v, _ := (*r)[col].(bool)
	return v
}

func (r *record) GetByte(col int) int8 {
	v, _ := (*r)[col].(int8)
	return v
}

func (r *record) GetShort(col int) int16 {
	v, _ := (*r)[col].(int16)
	return v
}

func (r *record) GetChar(col int) rune {
	v, _ := (*r)[col].(rune)
	return v
}

func (r *record) GetInt(col int) int32 {
	v, _ := (*r)[col].(int32)
	return v
}

func (r *record) GetLong(col int) int64 {
	v, _ := (*r)[col].(int64)
	return v
}

func (r *record) GetDate(col int) int64 {
	v, _ := (*r)[col].(int64)
	return v
}

func (r *record) GetTimestamp(col int) int64 {
	v, _ := (*r)[col].(int64)
	return v
}

func (r *record) GetFloat(col int) float32 {
	v, _ := (*r)[col].(float32)
	return v
}

func (r *record) GetDouble(col int) float64 {
	v, _ := (*r)[col].(float64)
	return v
}

func (r *record) GetStr(col int) string {
	v, _ := (*r)[col].(string)
	return v
}

func (r *record) GetSym(col int) string {
	v, _ := (*r)[col].(string)
	return v
}

func (r *record) GetUUID(col int) (uint64, uint64) {
	v, _ := (*r)[col].([2]uint64)
	return v[0], v[1]
}

func (r *record) GetIPv4(col int) uint32 {
	v, _ := (*r)[col].(uint32)
	return v
}

func (r *record) GetLong256(col int) [4]uint64 {
	v, _ := (*r)[col].([4]uint64)
	return v
}

func (r *record) GetGeo(col int) int64 {
	v, _ := (*r)[col].(int64)
	return v
}

func (r *record) GetBin(col int) []byte {
	v, _ := (*r)[col].([]byte)
	return v
}
