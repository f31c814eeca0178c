package memengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/frontend/engine"
)

func testCtx() *engine.ExecContext {
	return engine.NewExecContext(context.Background(), engine.NewCircuitBreaker(0))
}

func TestCompileClassification(t *testing.T) {
	e := New()
	ctx := testCtx()

	for _, tc := range []struct {
		sql  string
		want engine.QueryType
	}{
		{"BEGIN", engine.QueryBegin},
		{"commit", engine.QueryCommit},
		{"ROLLBACK", engine.QueryRollback},
		{"set client_encoding = 'UTF8'", engine.QuerySet},
		{"deallocate ps1", engine.QueryDeallocate},
		{"create table t1 (a int)", engine.QueryDDL},
	} {
		cq, err := e.Compile(ctx, tc.sql)
		require.NoError(t, err, tc.sql)
		assert.Equal(t, tc.want, cq.Type, tc.sql)
	}

	cq, err := e.Compile(ctx, "deallocate ps1")
	require.NoError(t, err)
	assert.Equal(t, "ps1", cq.StatementName)
}

func TestCompileSelectMetadata(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int, b string)")
	require.NoError(t, err)

	cq, err := e.Compile(ctx, "select b, a from t")
	require.NoError(t, err)
	require.NotNil(t, cq.Factory)
	m := cq.Factory.Metadata()
	require.Equal(t, 2, m.ColumnCount())
	assert.Equal(t, "b", m.Columns[0].Name)
	assert.Equal(t, engine.String, m.Columns[0].Type)
	assert.Equal(t, "a", m.Columns[1].Name)
	assert.Equal(t, engine.Int, m.Columns[1].Type)
}

func TestCompileDefinesBindTypes(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (ts timestamp, v int)")
	require.NoError(t, err)

	_, err = e.Compile(ctx, "insert into t values ($1, $2)")
	require.NoError(t, err)
	binds := ctx.BindVariableService()
	assert.Equal(t, engine.Timestamp, binds.TypeOf(0))
	assert.Equal(t, engine.Int, binds.TypeOf(1))
}

func TestCursorStaleAfterAlter(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int)")
	require.NoError(t, err)

	cq, err := e.Compile(ctx, "select * from t")
	require.NoError(t, err)

	alter, err := e.Compile(ctx, "alter table t add column b string")
	require.NoError(t, err)
	_, err = alter.Operation.Execute(ctx)
	require.NoError(t, err)

	_, err = cq.Factory.Cursor(ctx)
	var stale *engine.TableReferenceOutOfDateError
	assert.ErrorAs(t, err, &stale)
}

func TestInsertAndSelectRoundTrip(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int, b string)")
	require.NoError(t, err)

	cq, err := e.Compile(ctx, "insert into t values (1, 'one')")
	require.NoError(t, err)
	m, err := cq.InsertOp.CreateMethod(ctx, e)
	require.NoError(t, err)
	n, err := m.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, m.Commit())
	m.Close()

	sel, err := e.Compile(ctx, "select * from t")
	require.NoError(t, err)
	cur, err := sel.Factory.Cursor(ctx)
	require.NoError(t, err)
	defer cur.Close()
	hasNext, err := cur.Next()
	require.NoError(t, err)
	require.True(t, hasNext)
	assert.Equal(t, int32(1), cur.Record().GetInt(0))
	assert.Equal(t, "one", cur.Record().GetStr(1))
}

func TestUpdateAppliesToAllRows(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int)")
	require.NoError(t, err)
	e.Table("t").Append([]any{int32(1)}, []any{int32(2)})

	cq, err := e.Compile(ctx, "update t set a = 9")
	require.NoError(t, err)
	n, err := cq.UpdateOp.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCreateTableAsSelect(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table src (a int)")
	require.NoError(t, err)
	e.Table("src").Append([]any{int32(1)}, []any{int32(2)}, []any{int32(3)})

	cq, err := e.Compile(ctx, "create table dst as select * from src")
	require.NoError(t, err)
	assert.Equal(t, engine.QueryCreateTableAsSelect, cq.Type)
	assert.Equal(t, int64(3), cq.AffectedRows)
	assert.Equal(t, 3, e.Table("dst").RowCount())
}

func TestInsertAsSelectRunsAtCompileTime(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table src (a int)")
	require.NoError(t, err)
	_, err = e.Compile(ctx, "create table dst (a int)")
	require.NoError(t, err)
	e.Table("src").Append([]any{int32(4)}, []any{int32(5)})

	cq, err := e.Compile(ctx, "insert into dst select * from src")
	require.NoError(t, err)
	assert.Equal(t, engine.QueryInsertAsSelect, cq.Type)
	assert.Equal(t, int64(2), cq.AffectedRows)
	assert.Equal(t, 2, e.Table("dst").RowCount())
}

func TestExplainProducesPlanColumn(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int)")
	require.NoError(t, err)

	cq, err := e.Compile(ctx, "explain select * from t")
	require.NoError(t, err)
	assert.Equal(t, engine.QueryExplain, cq.Type)
	m := cq.Factory.Metadata()
	require.Equal(t, 1, m.ColumnCount())
	assert.Equal(t, "query plan", m.Columns[0].Name)
}

func TestCompileErrorsCarryPositions(t *testing.T) {
	e := New()
	ctx := testCtx()

	_, err := e.Compile(ctx, "select * from missing")
	var sqlErr *engine.SQLError
	require.ErrorAs(t, err, &sqlErr)
	assert.Equal(t, len("select * from "), sqlErr.Position)

	_, err = e.Compile(ctx, "frobnicate the database")
	require.ErrorAs(t, err, &sqlErr)
}

func TestDuplicateTableRejected(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int)")
	require.NoError(t, err)
	_, err = e.Compile(ctx, "create table t (a int)")
	assert.Error(t, err)
}

func TestColumnSpecGeoHashAndLong256(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table g (a geohash(2c), b geohash(13b), c long256)")
	require.NoError(t, err)

	cols := e.Table("g").Columns()
	require.Len(t, cols, 3)
	assert.Equal(t, engine.GeoShort, cols[0].Type)
	assert.Equal(t, 10, cols[0].GeoBits)
	assert.Equal(t, engine.GeoShort, cols[1].Type)
	assert.Equal(t, 13, cols[1].GeoBits)
	assert.Equal(t, engine.Long256, cols[2].Type)

	_, err = e.Compile(ctx, "create table bad (a geohash(99c))")
	assert.Error(t, err)
}

func TestGeoHashLiteralDecodesOnInsert(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table g (a geohash(2c), b geohash(6b))")
	require.NoError(t, err)

	cq, err := e.Compile(ctx, "insert into g values ('9q', 42)")
	require.NoError(t, err)
	m, err := cq.InsertOp.CreateMethod(ctx, e)
	require.NoError(t, err)
	_, err = m.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Commit())
	m.Close()

	sel, err := e.Compile(ctx, "select * from g")
	require.NoError(t, err)
	cur, err := sel.Factory.Cursor(ctx)
	require.NoError(t, err)
	defer cur.Close()
	hasNext, err := cur.Next()
	require.NoError(t, err)
	require.True(t, hasNext)
	// '9' = 9, 'q' = 22, five bits per char
	assert.Equal(t, int64(9<<5|22), cur.Record().GetGeo(0))
	assert.Equal(t, int64(42), cur.Record().GetGeo(1))
}

func TestColdRowsPauseCursor(t *testing.T) {
	e := New()
	ctx := testCtx()
	_, err := e.Compile(ctx, "create table t (a int)")
	require.NoError(t, err)
	e.Table("t").Append([]any{int32(1)}, []any{int32(2)})
	e.Table("t").MarkCold(1, 42)

	cq, err := e.Compile(ctx, "select * from t")
	require.NoError(t, err)
	cur, err := cq.Factory.Cursor(ctx)
	require.NoError(t, err)
	defer cur.Close()

	hasNext, err := cur.Next()
	require.NoError(t, err)
	require.True(t, hasNext)

	_, err = cur.Next()
	var unavailable *engine.DataUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, uint64(42), unavailable.Event)

	e.FireEvent(42)
	hasNext, err = cur.Next()
	require.NoError(t, err)
	assert.True(t, hasNext)
}
