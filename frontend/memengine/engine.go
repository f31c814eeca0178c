package memengine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tessera-db/tessera/frontend/engine"
)

// Engine is the in-memory backend used by tests and the standalone
// dev server. It understands a narrow SQL subset: enough to exercise
// every pipeline path, including stale plans and cold storage pauses.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*Table
	events map[uint64]chan struct{}
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.WriterSource = (*Engine)(nil)
var _ engine.EventWaiter = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		tables: map[string]*Table{},
		events: map[uint64]chan struct{}{},
	}
}

func (e *Engine) Table(name string) *Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tables[strings.ToLower(name)]
}

func (e *Engine) putTable(t *Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables[t.name] = t
}

func (e *Engine) eventChan(event uint64) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.events[event]
	if !ok {
		ch = make(chan struct{})
		e.events[event] = ch
	}
	return ch
}

// FireEvent completes a cold storage fetch: paused cursors become
// readable and waiting connections wake up.
func (e *Engine) FireEvent(event uint64) {
	e.mu.Lock()
	for _, t := range e.tables {
		if t.coldEvent == event {
			t.warm()
		}
	}
	ch, ok := e.events[event]
	if !ok {
		ch = make(chan struct{})
		e.events[event] = ch
	}
	e.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// WaitEvent implements [engine.EventWaiter].
func (e *Engine) WaitEvent(ctx context.Context, event uint64) error {
	select {
	case <-e.eventChan(event):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetWriter implements [engine.WriterSource].
func (e *Engine) GetWriter(token engine.TableToken) (engine.TableWriter, error) {
	t := e.Table(token.Table)
	if t == nil {
		return nil, engine.NewSQLError(-1, "table does not exist [table=%s]", token.Table)
	}
	return &tableWriter{table: t}, nil
}

// DDL implements [engine.Engine] for unclassified DDL arriving via
// the direct path.
func (e *Engine) DDL(ctx *engine.ExecContext, sqlText string) error {
	_, err := e.Compile(ctx, sqlText)
	return err
}

// Compile implements [engine.Engine].
func (e *Engine) Compile(ctx *engine.ExecContext, sqlText string) (*engine.CompiledQuery, error) {
	sql := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sqlText), ";"))
	lower := strings.ToLower(sql)

	cq := &engine.CompiledQuery{Text: sqlText}
	switch {
	case lower == "begin" || strings.HasPrefix(lower, "begin "):
		cq.Type = engine.QueryBegin
	case lower == "commit":
		cq.Type = engine.QueryCommit
	case lower == "rollback":
		cq.Type = engine.QueryRollback
	case strings.HasPrefix(lower, "set "):
		cq.Type = engine.QuerySet
	case strings.HasPrefix(lower, "deallocate "):
		cq.Type = engine.QueryDeallocate
		cq.StatementName = strings.TrimSpace(sql[len("deallocate "):])
	case strings.HasPrefix(lower, "explain "):
		return e.compileExplain(ctx, cq, sql)
	case strings.HasPrefix(lower, "select "):
		return e.compileSelect(ctx, cq, sql)
	case strings.HasPrefix(lower, "insert into "):
		return e.compileInsert(ctx, cq, sql)
	case strings.HasPrefix(lower, "update "):
		return e.compileUpdate(ctx, cq, sql)
	case strings.HasPrefix(lower, "create table "):
		return e.compileCreateTable(ctx, cq, sql)
	case strings.HasPrefix(lower, "drop table "):
		name := strings.ToLower(strings.TrimSpace(sql[len("drop table "):]))
		e.mu.Lock()
		_, ok := e.tables[name]
		delete(e.tables, name)
		e.mu.Unlock()
		if !ok {
			return nil, engine.NewSQLError(len("drop table "), "table does not exist [table=%s]", name)
		}
		cq.Type = engine.QueryDDL
	case strings.HasPrefix(lower, "alter table "):
		return e.compileAlterTable(cq, sql)
	case strings.HasPrefix(lower, "create user "):
		cq.Type = engine.QueryCreateUser
		cq.HasSecret = strings.Contains(lower, "password")
		cq.Operation = &noopOperation{}
	case strings.HasPrefix(lower, "alter user "):
		cq.Type = engine.QueryAlterUser
		cq.HasSecret = strings.Contains(lower, "password")
		cq.Operation = &noopOperation{}
	default:
		return nil, engine.NewSQLError(0, "unexpected token [%s]", firstWord(sql))
	}
	return cq, nil
}

func firstWord(s string) string {
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		return s[:idx]
	}
	return s
}

// splitTopLevel splits on commas that sit outside quotes and parens.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	quoted := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case '(':
			if !quoted {
				depth++
			}
		case ')':
			if !quoted {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

func (e *Engine) compileSelect(ctx *engine.ExecContext, cq *engine.CompiledQuery, sql string) (*engine.CompiledQuery, error) {
	lower := strings.ToLower(sql)
	if strings.Contains(lower, " where ") {
		return nil, engine.NewSQLError(strings.Index(lower, " where ")+1, "WHERE is not supported")
	}

	list := sql[len("select "):]
	var table *Table
	var version int64
	var srcCols []engine.Column

	if idx := strings.Index(lower, " from "); idx >= 0 {
		tableName := strings.ToLower(firstWord(strings.TrimSpace(sql[idx+len(" from "):])))
		table = e.Table(tableName)
		if table == nil {
			return nil, engine.NewSQLError(idx+len(" from "), "table does not exist [table=%s]", tableName)
		}
		version = table.Version()
		srcCols = table.Columns()
		list = sql[len("select "):idx]
	}

	binds := ctx.BindVariableService()
	var exprs []expr
	var cols []engine.Column

	if strings.TrimSpace(list) == "*" {
		if table == nil {
			return nil, engine.NewSQLError(len("select "), "* requires a table")
		}
		for i, c := range srcCols {
			exprs = append(exprs, expr{kind: exprColumn, col: i, cast: engine.Undefined, bindIndex: -1, text: c.Name})
			cols = append(cols, c)
		}
	} else {
		for _, item := range splitTopLevel(list) {
			ex, err := parseExpr(item, srcCols, len("select "))
			if err != nil {
				return nil, err
			}
			// the compiler defines types for bind variables the
			// client left unspecified
			if ex.kind == exprBind && ex.cast != engine.Undefined && binds.TypeOf(ex.bindIndex) == engine.Undefined {
				binds.Define(ex.bindIndex, ex.cast)
			}
			name := fmt.Sprintf("column%d", len(exprs)+1)
			var geoBits int
			if ex.kind == exprColumn {
				name = srcCols[ex.col].Name
				geoBits = srcCols[ex.col].GeoBits
			}
			cols = append(cols, engine.Column{Name: name, Type: ex.resultType(srcCols, binds), GeoBits: geoBits})
			exprs = append(exprs, ex)
		}
	}

	cq.Type = engine.QuerySelect
	cq.Factory = &cursorFactory{
		eng:      e,
		table:    table,
		version:  version,
		metadata: &engine.Metadata{Columns: cols},
		exprs:    exprs,
	}
	return cq, nil
}

func (e *Engine) compileExplain(ctx *engine.ExecContext, cq *engine.CompiledQuery, sql string) (*engine.CompiledQuery, error) {
	inner, err := e.Compile(ctx, sql[len("explain "):])
	if err != nil {
		return nil, err
	}
	plan := "Full scan"
	if inner.Factory != nil {
		if f, ok := inner.Factory.(*cursorFactory); ok && f.table != nil {
			plan = fmt.Sprintf("Full scan over %s", f.table.name)
		}
		inner.Factory.Close()
	}
	cq.Type = engine.QueryExplain
	cq.Factory = &cursorFactory{
		eng:      e,
		metadata: &engine.Metadata{Columns: []engine.Column{{Name: "query plan", Type: engine.Varchar}}},
		exprs:    []expr{{kind: exprLiteral, lit: plan, cast: engine.Undefined, col: -1, bindIndex: -1}},
	}
	return cq, nil
}

func (e *Engine) compileInsert(ctx *engine.ExecContext, cq *engine.CompiledQuery, sql string) (*engine.CompiledQuery, error) {
	rest := strings.TrimSpace(sql[len("insert into "):])
	nameEnd := strings.IndexAny(rest, " (")
	if nameEnd < 0 {
		nameEnd = len(rest)
	}
	tableName := strings.ToLower(rest[:nameEnd])
	table := e.Table(tableName)
	if table == nil {
		return nil, engine.NewSQLError(len("insert into "), "table does not exist [table=%s]", tableName)
	}
	rest = strings.TrimSpace(rest[nameEnd:])
	cols := table.Columns()

	// optional destination column list
	dest := make([]int, 0, len(cols))
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return nil, engine.NewSQLError(-1, "unbalanced column list")
		}
		for _, name := range splitTopLevel(rest[1:end]) {
			idx := table.columnIndex(strings.ToLower(strings.TrimSpace(name)))
			if idx < 0 {
				return nil, engine.NewSQLError(-1, "unknown column: %s", strings.TrimSpace(name))
			}
			dest = append(dest, idx)
		}
		rest = strings.TrimSpace(rest[end+1:])
	} else {
		for i := range cols {
			dest = append(dest, i)
		}
	}

	lowerRest := strings.ToLower(rest)
	if strings.HasPrefix(lowerRest, "select ") {
		// INSERT AS SELECT runs during compilation
		affected, err := e.runInsertAsSelect(ctx, table, dest, rest)
		if err != nil {
			return nil, err
		}
		cq.Type = engine.QueryInsertAsSelect
		cq.AffectedRows = affected
		return cq, nil
	}
	if !strings.HasPrefix(lowerRest, "values") {
		return nil, engine.NewSQLError(-1, "expected VALUES or SELECT")
	}
	rest = strings.TrimSpace(rest[len("values"):])
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return nil, engine.NewSQLError(-1, "unbalanced VALUES list")
	}

	binds := ctx.BindVariableService()
	var exprs []expr
	for i, item := range splitTopLevel(rest[1 : len(rest)-1]) {
		if i >= len(dest) {
			return nil, engine.NewSQLError(-1, "too many values")
		}
		ex, err := parseExpr(item, cols, -1)
		if err != nil {
			return nil, err
		}
		if ex.kind == exprBind && binds.TypeOf(ex.bindIndex) == engine.Undefined {
			// infer the bind type from the target column
			t := cols[dest[i]].Type
			if ex.cast != engine.Undefined {
				t = ex.cast
			}
			binds.Define(ex.bindIndex, t)
		}
		exprs = append(exprs, ex)
	}

	cq.Type = engine.QueryInsert
	cq.InsertOp = &insertOperation{
		eng:     e,
		table:   table.name,
		version: table.Version(),
		dest:    dest[:len(exprs)],
		exprs:   exprs,
	}
	return cq, nil
}

func (e *Engine) runInsertAsSelect(ctx *engine.ExecContext, table *Table, dest []int, selectSQL string) (int64, error) {
	inner, err := e.Compile(ctx, selectSQL)
	if err != nil {
		return 0, err
	}
	defer inner.Factory.Close()
	cur, err := inner.Factory.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	defer cur.Close()

	cols := table.Columns()
	var rows [][]any
	mcur := cur.(*cursor)
	for {
		hasNext, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !hasNext {
			break
		}
		row := make([]any, len(cols))
		for i, d := range dest {
			if i >= len(mcur.current) {
				break
			}
			v, err := coerce(mcur.current[i], cols[d].Type)
			if err != nil {
				return 0, err
			}
			row[d] = v
		}
		rows = append(rows, row)
	}
	table.appendRows(rows)
	return int64(len(rows)), nil
}

func (e *Engine) compileUpdate(ctx *engine.ExecContext, cq *engine.CompiledQuery, sql string) (*engine.CompiledQuery, error) {
	lower := strings.ToLower(sql)
	if strings.Contains(lower, " where ") {
		return nil, engine.NewSQLError(strings.Index(lower, " where ")+1, "WHERE is not supported")
	}
	rest := strings.TrimSpace(sql[len("update "):])
	tableName := strings.ToLower(firstWord(rest))
	table := e.Table(tableName)
	if table == nil {
		return nil, engine.NewSQLError(len("update "), "table does not exist [table=%s]", tableName)
	}
	rest = strings.TrimSpace(rest[len(tableName):])
	if !strings.HasPrefix(strings.ToLower(rest), "set ") {
		return nil, engine.NewSQLError(-1, "expected SET")
	}

	cols := table.Columns()
	binds := ctx.BindVariableService()
	var sets []setClause
	for _, item := range splitTopLevel(rest[len("set "):]) {
		eq := strings.Index(item, "=")
		if eq < 0 {
			return nil, engine.NewSQLError(-1, "expected assignment: %s", item)
		}
		idx := table.columnIndex(strings.ToLower(strings.TrimSpace(item[:eq])))
		if idx < 0 {
			return nil, engine.NewSQLError(-1, "unknown column: %s", strings.TrimSpace(item[:eq]))
		}
		ex, err := parseExpr(item[eq+1:], cols, -1)
		if err != nil {
			return nil, err
		}
		if ex.kind == exprBind && binds.TypeOf(ex.bindIndex) == engine.Undefined {
			binds.Define(ex.bindIndex, cols[idx].Type)
		}
		sets = append(sets, setClause{col: idx, ex: ex})
	}

	cq.Type = engine.QueryUpdate
	cq.UpdateOp = &updateOperation{
		eng:     e,
		table:   table.name,
		version: table.Version(),
		sets:    sets,
	}
	return cq, nil
}

func (e *Engine) compileCreateTable(ctx *engine.ExecContext, cq *engine.CompiledQuery, sql string) (*engine.CompiledQuery, error) {
	rest := strings.TrimSpace(sql[len("create table "):])
	nameEnd := strings.IndexAny(rest, " (")
	if nameEnd < 0 {
		nameEnd = len(rest)
	}
	tableName := strings.ToLower(rest[:nameEnd])
	rest = strings.TrimSpace(rest[nameEnd:])
	lowerRest := strings.ToLower(rest)

	if e.Table(tableName) != nil {
		return nil, engine.NewSQLError(len("create table "), "table already exists [table=%s]", tableName)
	}

	if strings.HasPrefix(lowerRest, "as ") || strings.HasPrefix(lowerRest, "as(") {
		// CTAS materialises during compilation
		inner := strings.TrimSpace(rest[len("as"):])
		inner = strings.TrimPrefix(inner, "(")
		inner = strings.TrimSuffix(inner, ")")
		cqInner, err := e.Compile(ctx, inner)
		if err != nil {
			return nil, err
		}
		defer cqInner.Factory.Close()
		cur, err := cqInner.Factory.Cursor(ctx)
		if err != nil {
			return nil, err
		}
		defer cur.Close()
		table := NewTable(tableName, cqInner.Factory.Metadata().Columns)
		var rows [][]any
		mcur := cur.(*cursor)
		for {
			hasNext, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if !hasNext {
				break
			}
			rows = append(rows, append([]any(nil), mcur.current...))
		}
		table.appendRows(rows)
		e.putTable(table)
		cq.Type = engine.QueryCreateTableAsSelect
		cq.AffectedRows = int64(len(rows))
		return cq, nil
	}

	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return nil, engine.NewSQLError(-1, "expected column list")
	}
	var cols []engine.Column
	for _, item := range splitTopLevel(rest[1 : len(rest)-1]) {
		fields := strings.Fields(strings.TrimSpace(item))
		if len(fields) < 2 {
			return nil, engine.NewSQLError(-1, "expected column definition: %s", item)
		}
		t, geoBits, err := parseColumnSpec(strings.ToLower(fields[1]))
		if err != nil {
			return nil, engine.NewSQLError(-1, "%s", err.Error())
		}
		cols = append(cols, engine.Column{Name: strings.ToLower(fields[0]), Type: t, GeoBits: geoBits})
	}
	e.putTable(NewTable(tableName, cols))
	cq.Type = engine.QueryDDL
	return cq, nil
}

func (e *Engine) compileAlterTable(cq *engine.CompiledQuery, sql string) (*engine.CompiledQuery, error) {
	rest := strings.TrimSpace(sql[len("alter table "):])
	tableName := strings.ToLower(firstWord(rest))
	if e.Table(tableName) == nil {
		return nil, engine.NewSQLError(len("alter table "), "table does not exist [table=%s]", tableName)
	}
	rest = strings.TrimSpace(rest[len(tableName):])
	lowerRest := strings.ToLower(rest)
	if !strings.HasPrefix(lowerRest, "add column ") {
		return nil, engine.NewSQLError(-1, "only ADD COLUMN is supported")
	}
	fields := strings.Fields(rest[len("add column "):])
	if len(fields) < 2 {
		return nil, engine.NewSQLError(-1, "expected column definition")
	}
	t, geoBits, err := parseColumnSpec(strings.ToLower(fields[1]))
	if err != nil {
		return nil, engine.NewSQLError(-1, "%s", err.Error())
	}
	cq.Type = engine.QueryAlter
	cq.Operation = &alterOperation{
		eng:   e,
		table: tableName,
		col:   engine.Column{Name: strings.ToLower(fields[0]), Type: t, GeoBits: geoBits},
	}
	return cq, nil
}

type setClause struct {
	col int
	ex  expr
}

type insertOperation struct {
	eng     *Engine
	table   string
	version int64
	dest    []int
	exprs   []expr
	closed  bool
}

var _ engine.InsertOperation = (*insertOperation)(nil)

func (op *insertOperation) TableToken() engine.TableToken {
	return engine.TableToken{Table: op.table}
}

func (op *insertOperation) CreateMethod(ctx *engine.ExecContext, source engine.WriterSource) (engine.InsertMethod, error) {
	t := op.eng.Table(op.table)
	if t == nil || t.Version() != op.version {
		return nil, &engine.TableReferenceOutOfDateError{Token: op.TableToken()}
	}
	w, err := source.GetWriter(op.TableToken())
	if err != nil {
		return nil, err
	}
	return &insertMethod{op: op, table: t, writer: w}, nil
}

func (op *insertOperation) Close() {
	op.closed = true
}

type insertMethod struct {
	op     *insertOperation
	table  *Table
	writer engine.TableWriter
	popped bool
}

var _ engine.InsertMethod = (*insertMethod)(nil)

func (m *insertMethod) Execute(ctx *engine.ExecContext) (int64, error) {
	binds := ctx.BindVariableService()
	cols := m.table.Columns()
	row := make([]any, len(cols))
	for i, ex := range m.op.exprs {
		target := cols[m.op.dest[i]].Type
		v, err := ex.eval(nil, binds, target)
		if err != nil {
			return 0, err
		}
		row[m.op.dest[i]] = v
	}
	w, ok := m.writer.(*tableWriter)
	if !ok {
		return 0, engine.NewSQLError(-1, "foreign writer [table=%s]", m.op.table)
	}
	w.buffered = append(w.buffered, row)
	return 1, nil
}

func (m *insertMethod) Commit() error {
	return m.writer.Commit()
}

func (m *insertMethod) PopWriter() engine.TableWriter {
	m.popped = true
	return m.writer
}

func (m *insertMethod) Close() {
	if !m.popped {
		m.writer.Close()
	}
}

type updateOperation struct {
	eng     *Engine
	table   string
	version int64
	sets    []setClause
	closed  bool
}

var _ engine.UpdateOperation = (*updateOperation)(nil)

func (op *updateOperation) TableToken() engine.TableToken {
	return engine.TableToken{Table: op.table}
}

func (op *updateOperation) Execute(ctx *engine.ExecContext) (int64, error) {
	t := op.eng.Table(op.table)
	if t == nil || t.Version() != op.version {
		return 0, &engine.TableReferenceOutOfDateError{Token: op.TableToken()}
	}
	binds := ctx.BindVariableService()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range t.rows {
		for _, set := range op.sets {
			v, err := set.ex.eval(row, binds, t.columns[set.col].Type)
			if err != nil {
				return 0, err
			}
			row[set.col] = v
		}
	}
	return int64(len(t.rows)), nil
}

func (op *updateOperation) Close() {
	op.closed = true
}

type alterOperation struct {
	eng   *Engine
	table string
	col   engine.Column
}

var _ engine.Operation = (*alterOperation)(nil)

func (op *alterOperation) Execute(ctx *engine.ExecContext) (int64, error) {
	t := op.eng.Table(op.table)
	if t == nil {
		return 0, engine.NewSQLError(-1, "table does not exist [table=%s]", op.table)
	}
	t.AddColumn(op.col)
	return 0, nil
}

func (op *alterOperation) Close() {}

type noopOperation struct{}

var _ engine.Operation = (*noopOperation)(nil)

func (op *noopOperation) Execute(ctx *engine.ExecContext) (int64, error) {
	return 0, nil
}

func (op *noopOperation) Close() {}
