package pipeline_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/frontend/cache"
	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/memengine"
	"github.com/tessera-db/tessera/frontend/pipeline"
	"github.com/tessera-db/tessera/frontend/wire"
	"github.com/tessera-db/tessera/frontend/xproto"
	"github.com/tessera-db/tessera/pkg/txstatus"
)

type harness struct {
	t       *testing.T
	eng     *memengine.Engine
	ctx     *engine.ExecContext
	out     *wire.OutBuf
	pending map[engine.TableToken]engine.TableWriter
	sel     *cache.SelectCache
	ins     *cache.InsertCache
	tx      txstatus.TXStatus
}

func newHarness(t *testing.T, bufSize int) *harness {
	return &harness{
		t:       t,
		eng:     memengine.New(),
		ctx:     engine.NewExecContext(context.Background(), engine.NewCircuitBreaker(0)),
		out:     wire.NewOutBuf(bufSize),
		pending: map[engine.TableToken]engine.TableWriter{},
		sel:     cache.NewSelectCache(16),
		ins:     cache.NewInsertCache(16),
		tx:      txstatus.TXIDLE,
	}
}

func (h *harness) ddl(sql string) {
	_, err := h.eng.Compile(h.ctx, sql)
	require.NoError(h.t, err)
}

func (h *harness) parse(sql string, oids ...uint32) *pipeline.Entry {
	e := pipeline.NewEntry(h.eng, 3, 1<<20)
	e.MsgParseCopyParameterTypes(oids)
	require.NoError(h.t, e.CompileNewSQL(h.ctx, sql))
	e.SetStateParse(true)
	return e
}

func be16(b []byte, v int) []byte {
	return append(b, byte(uint16(v)>>8), byte(uint16(v)))
}

func bindPayload(fmtCodes []int16, values [][]byte, resultCodes []int16) []byte {
	var b []byte
	b = be16(b, len(fmtCodes))
	for _, c := range fmtCodes {
		b = be16(b, int(c))
	}
	b = be16(b, len(values))
	for _, v := range values {
		if v == nil {
			b = append(b, 0xff, 0xff, 0xff, 0xff)
			continue
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(v)))
		b = append(b, hdr[:]...)
		b = append(b, v...)
	}
	b = be16(b, len(resultCodes))
	for _, c := range resultCodes {
		b = be16(b, int(c))
	}
	return b
}

func (h *harness) bind(e *pipeline.Entry, fmtCodes []int16, values [][]byte, resultCodes []int16) {
	require.NoError(h.t, e.MsgBind(wire.NewReader(bindPayload(fmtCodes, values, resultCodes))))
	e.SetStateBind(true)
}

func (h *harness) execute(e *pipeline.Entry, limit int32) {
	e.SetReturnRowCountLimit(limit)
	e.SetStateExec(true)
	h.tx = e.MsgExecute(h.ctx, h.tx, h.ins, h.pending, h.eng)
	if e.IsError() && h.tx == txstatus.TXACT {
		h.tx = txstatus.TXERR
	}
}

// sync runs one complete MsgSync that is expected to need no flushes.
func (h *harness) sync(e *pipeline.Entry) []pgproto3.BackendMessage {
	require.NoError(h.t, e.MsgSync(h.ctx, h.pending, h.out))
	var buf bytes.Buffer
	_, err := h.out.FlushToBookmark(&buf)
	require.NoError(h.t, err)
	return decodeMessages(h.t, buf.Bytes())
}

// syncAll re-enters MsgSync across buffer flushes and cursor pauses
// until the entry completes, the way the connection scheduler does.
func (h *harness) syncAll(e *pipeline.Entry, sink *bytes.Buffer) {
	for {
		err := e.MsgSync(h.ctx, h.pending, h.out)
		if err == nil {
			_, ferr := h.out.FlushToBookmark(sink)
			require.NoError(h.t, ferr)
			return
		}
		if errors.Is(err, wire.ErrNoSpace) {
			n, ferr := h.out.FlushToBookmark(sink)
			require.NoError(h.t, ferr)
			require.NotZero(h.t, n, "zero byte flush must escalate")
			continue
		}
		var paused *pipeline.PausedError
		if errors.As(err, &paused) {
			h.eng.FireEvent(paused.Event)
			continue
		}
		h.t.Fatalf("sync failed: %v", err)
	}
}

func decodeMessages(t *testing.T, raw []byte) []pgproto3.BackendMessage {
	fe := pgproto3.NewFrontend(bytes.NewReader(raw), io.Discard)
	var msgs []pgproto3.BackendMessage
	for {
		msg, err := fe.Receive()
		if err != nil {
			return msgs
		}
		msgs = append(msgs, cloneMessage(msg))
	}
}

// cloneMessage detaches a received message from the decoder's shared
// buffers so a whole conversation can be asserted at once.
func cloneMessage(msg pgproto3.BackendMessage) pgproto3.BackendMessage {
	switch m := msg.(type) {
	case *pgproto3.ParameterDescription:
		return &pgproto3.ParameterDescription{ParameterOIDs: append([]uint32(nil), m.ParameterOIDs...)}
	case *pgproto3.RowDescription:
		out := &pgproto3.RowDescription{}
		for _, f := range m.Fields {
			f.Name = append([]byte(nil), f.Name...)
			out.Fields = append(out.Fields, f)
		}
		return out
	case *pgproto3.DataRow:
		out := &pgproto3.DataRow{}
		for _, v := range m.Values {
			if v == nil {
				out.Values = append(out.Values, nil)
			} else {
				out.Values = append(out.Values, append([]byte(nil), v...))
			}
		}
		return out
	case *pgproto3.CommandComplete:
		return &pgproto3.CommandComplete{CommandTag: append([]byte(nil), m.CommandTag...)}
	case *pgproto3.ErrorResponse:
		cp := *m
		return &cp
	case *pgproto3.ReadyForQuery:
		cp := *m
		return &cp
	default:
		return msg
	}
}

func dataRows(msgs []pgproto3.BackendMessage) []*pgproto3.DataRow {
	var rows []*pgproto3.DataRow
	for _, m := range msgs {
		if r, ok := m.(*pgproto3.DataRow); ok {
			rows = append(rows, r)
		}
	}
	return rows
}

func TestSyncSelectBindVariableFlow(t *testing.T) {
	h := newHarness(t, 4096)

	e := h.parse("select $1::int", 0)
	e.SetStateDesc(xproto.DescNamedStatement)

	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, 42)
	h.bind(e, []int16{1}, [][]byte{val}, nil)
	h.execute(e, 0)

	msgs := h.sync(e)
	assert.Equal(t, []pgproto3.BackendMessage{
		&pgproto3.ParseComplete{},
		&pgproto3.BindComplete{},
		&pgproto3.ParameterDescription{ParameterOIDs: []uint32{23}},
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			{
				Name:                 []byte("column1"),
				TableOID:             0,
				TableAttributeNumber: 1,
				DataTypeOID:          23,
				DataTypeSize:         4,
				TypeModifier:         -1,
				Format:               0,
			},
		}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("42")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
	}, msgs)
}

func TestSyncEmptyQuery(t *testing.T) {
	h := newHarness(t, 1024)

	e := pipeline.NewEntry(h.eng, 3, 1<<20)
	require.NoError(t, e.CompileNewSQL(h.ctx, ""))
	e.SetStateParse(true)
	e.SetStateBind(true)
	h.execute(e, 0)

	msgs := h.sync(e)
	assert.Equal(t, []pgproto3.BackendMessage{
		&pgproto3.ParseComplete{},
		&pgproto3.BindComplete{},
		&pgproto3.EmptyQueryResponse{},
	}, msgs)
}

func seedTrades(h *harness, n int) {
	h.ddl("create table trades (id int, sym string)")
	table := h.eng.Table("trades")
	for i := 0; i < n; i++ {
		table.Append([]any{int32(i), "sym-" + string(rune('a'+i%26))})
	}
}

func TestPortalSuspendBatches(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 10)

	e := h.parse("select * from trades")
	e.SetPortal(true, "p1")
	h.bind(e, nil, nil, nil)
	h.execute(e, 4)
	msgs := h.sync(e)
	assert.Len(t, dataRows(msgs), 4)
	assert.IsType(t, &pgproto3.PortalSuspended{}, msgs[len(msgs)-1])

	// the suspended named portal keeps its cursor; no row repetition
	h.execute(e, 4)
	msgs = h.sync(e)
	rows := dataRows(msgs)
	assert.Len(t, rows, 4)
	assert.Equal(t, []byte("4"), rows[0].Values[0])
	assert.IsType(t, &pgproto3.PortalSuspended{}, msgs[len(msgs)-1])

	h.execute(e, 4)
	msgs = h.sync(e)
	rows = dataRows(msgs)
	assert.Len(t, rows, 2)
	assert.Equal(t, []byte("8"), rows[0].Values[0])
	assert.Equal(t, &pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")}, msgs[len(msgs)-1])
}

func TestUnnamedPortalClosesCursorOnSuspend(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 10)

	e := h.parse("select * from trades")
	h.bind(e, nil, nil, nil)
	h.execute(e, 4)
	msgs := h.sync(e)
	assert.Len(t, dataRows(msgs), 4)
	assert.IsType(t, &pgproto3.PortalSuspended{}, msgs[len(msgs)-1])

	// cursor was closed; the next execute starts from the top
	h.execute(e, 4)
	msgs = h.sync(e)
	rows := dataRows(msgs)
	require.Len(t, rows, 4)
	assert.Equal(t, []byte("0"), rows[0].Values[0])
}

func TestMidRowOverflowResendsWholeRow(t *testing.T) {
	// a buffer this small overflows every couple of rows
	h := newHarness(t, 96)
	seedTrades(h, 20)

	e := h.parse("select * from trades")
	e.SetStateDesc(xproto.DescUnnamedPortal)
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)

	var sink bytes.Buffer
	h.syncAll(e, &sink)

	msgs := decodeMessages(t, sink.Bytes())
	rows := dataRows(msgs)
	require.Len(t, rows, 20)
	// rows arrive exactly once, in order, and never truncated
	for i, row := range rows {
		assert.Equal(t, strconv.Itoa(i), string(row.Values[0]))
		assert.Equal(t, []byte("sym-"+string(rune('a'+i%26))), row.Values[1])
	}
	assert.Equal(t, &pgproto3.CommandComplete{CommandTag: []byte("SELECT 20")}, msgs[len(msgs)-1])
}

func TestCursorPauseAndResume(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 6)
	h.eng.Table("trades").MarkCold(3, 77)

	e := h.parse("select * from trades")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)

	err := e.MsgSync(h.ctx, h.pending, h.out)
	var paused *pipeline.PausedError
	require.ErrorAs(t, err, &paused)
	assert.Equal(t, uint64(77), paused.Event)

	h.eng.FireEvent(77)

	var sink bytes.Buffer
	h.syncAll(e, &sink)
	msgs := decodeMessages(t, sink.Bytes())
	assert.Len(t, dataRows(msgs), 6)
	assert.Equal(t, &pgproto3.CommandComplete{CommandTag: []byte("SELECT 6")}, msgs[len(msgs)-1])
}

func TestStalePlanPreparedStatement(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 2)

	e := h.parse("select * from trades")
	e.SetPreparedStatement(true, "ps1")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	msgs := h.sync(e)
	assert.Len(t, dataRows(msgs), 2)

	// concurrent schema change invalidates the cached plan
	h.eng.Table("trades").AddColumn(engine.Column{Name: "price", Type: engine.Double})

	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	msgs = h.sync(e)
	require.Len(t, msgs, 1)
	errResp, ok := msgs[0].(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "0A000", errResp.Code)
	assert.Equal(t, "RevalidateCachedQuery", errResp.Routine)
	assert.Equal(t, "ERROR", errResp.Severity)
}

func TestStalePlanAnonymousEntryRecompiles(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 2)

	e := h.parse("select * from trades")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	h.sync(e)

	h.eng.Table("trades").AddColumn(engine.Column{Name: "price", Type: engine.Double})

	// anonymous statements recompile quietly
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	msgs := h.sync(e)
	rows := dataRows(msgs)
	require.Len(t, rows, 2)
	assert.Len(t, rows[0].Values, 3)
	assert.Equal(t, &pgproto3.CommandComplete{CommandTag: []byte("SELECT 2")}, msgs[len(msgs)-1])
}

func TestInsertOutsideTransactionCommitsInPlace(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table readings (ts timestamp, v int)")

	e := h.parse("insert into readings values ($1, $2)")

	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, 7)
	h.bind(e, []int16{0, 1}, [][]byte{[]byte("2024-01-01T00:00:00Z"), val}, nil)
	h.execute(e, 0)

	msgs := h.sync(e)
	assert.Equal(t, []pgproto3.BackendMessage{
		&pgproto3.ParseComplete{},
		&pgproto3.BindComplete{},
		&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 1")},
	}, msgs)

	// implicit single-statement transaction committed in place
	assert.Equal(t, 1, h.eng.Table("readings").RowCount())
	assert.Empty(t, h.pending)
}

func TestInsertInTransactionDefersCommit(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table readings (v int)")
	h.tx = txstatus.TXACT

	e := h.parse("insert into readings values (5)")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	h.sync(e)

	// the writer is parked until COMMIT
	assert.Equal(t, 0, h.eng.Table("readings").RowCount())
	assert.Len(t, h.pending, 1)

	pipeline.FreePendingWriters(h.pending, true)
	assert.Equal(t, 1, h.eng.Table("readings").RowCount())
	assert.Empty(t, h.pending)
}

func TestErrorRollsBackPendingWriters(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table readings (v int)")
	h.tx = txstatus.TXACT

	e := h.parse("insert into readings values (5)")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	h.sync(e)
	require.Len(t, h.pending, 1)

	bad := h.parse("insert into readings values (6)")
	bad.CaptureError(engine.NewSQLError(-1, "deliberate failure"))
	msgs := h.sync(bad)
	require.Len(t, msgs, 1)
	assert.IsType(t, &pgproto3.ErrorResponse{}, msgs[0])

	// the transaction rolled back: buffered rows are gone
	assert.Empty(t, h.pending)
	assert.Equal(t, 0, h.eng.Table("readings").RowCount())
}

func TestNullValuesRoundTrip(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table readings (v int)")

	e := h.parse("insert into readings values ($1)")
	h.bind(e, nil, [][]byte{nil}, nil)
	h.execute(e, 0)
	h.sync(e)

	sel := h.parse("select * from readings")
	h.bind(sel, nil, nil, nil)
	h.execute(sel, 0)
	msgs := h.sync(sel)
	rows := dataRows(msgs)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Values[0])
}

func TestDeallocateViaExecuteIsRejected(t *testing.T) {
	h := newHarness(t, 4096)

	e := h.parse("deallocate ps1")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	assert.True(t, e.IsError())
	assert.Equal(t, "ps1", e.StatementNameToDeallocate())

	msgs := h.sync(e)
	require.Len(t, msgs, 1)
	assert.IsType(t, &pgproto3.ErrorResponse{}, msgs[0])
}

func TestSqlErrorCarriesPosition(t *testing.T) {
	h := newHarness(t, 4096)

	e := pipeline.NewEntry(h.eng, 3, 1<<20)
	err := e.CompileNewSQL(h.ctx, "select nosuch from missing")
	require.Error(t, err)
	e.SetStateParse(true)
	e.CaptureError(err)

	msgs := h.sync(e)
	require.Len(t, msgs, 1)
	errResp := msgs[0].(*pgproto3.ErrorResponse)
	assert.Equal(t, "00000", errResp.Code)
	// the wire position is 1-based
	assert.Equal(t, int32(len("select nosuch from ")+1), errResp.Position)
}

func TestCopyIfExecutedClonesStreamingEntry(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 4)

	e := h.parse("select * from trades")
	e.SetPreparedStatement(true, "ps1")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)

	// before sync the entry still counts as executed
	clone := e.CopyIfExecuted()
	require.NotSame(t, e, clone)
	assert.Equal(t, e.SqlText(), clone.SqlText())
	assert.True(t, clone.IsPreparedStatement())
	assert.False(t, clone.IsStateExec())

	h.sync(e)
	// after sync the state flags are clear; no clone needed
	assert.Same(t, e, e.CopyIfExecuted())
}

func TestCacheIfPossibleHandsBackArtifacts(t *testing.T) {
	h := newHarness(t, 8192)
	seedTrades(h, 1)

	e := h.parse("select * from trades")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	h.sync(e)

	e.CacheIfPossible(h.sel, h.ins)
	assert.NotNil(t, h.sel.Peek("select * from trades"))

	// named statements keep their artifacts
	p := h.parse("select id from trades")
	p.SetPreparedStatement(true, "ps1")
	p.CacheIfPossible(h.sel, h.ins)
	assert.Nil(t, h.sel.Peek("select id from trades"))
}

const geoTestAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

func geoHashValue(t *testing.T, s string) int64 {
	t.Helper()
	var v int64
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(geoTestAlphabet, s[i])
		require.GreaterOrEqual(t, idx, 0)
		v = v<<5 | int64(idx)
	}
	return v
}

func TestGeoHashRendering(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table geo (g5 geohash(5c), g6 geohash(6b))")
	h.eng.Table("geo").Append([]any{geoHashValue(t, "9q8yy"), int64(0b101010)})

	e := h.parse("select * from geo")
	e.SetStateDesc(xproto.DescUnnamedPortal)
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	msgs := h.sync(e)

	rd := msgs[2].(*pgproto3.RowDescription)
	require.Len(t, rd.Fields, 2)
	// geo hashes travel as variable-length text
	assert.Equal(t, uint32(1043), rd.Fields[0].DataTypeOID)
	assert.Equal(t, int16(-1), rd.Fields[0].DataTypeSize)

	rows := dataRows(msgs)
	require.Len(t, rows, 1)
	// whole chars render base32, odd precision renders raw bits
	assert.Equal(t, []byte("9q8yy"), rows[0].Values[0])
	assert.Equal(t, []byte("101010"), rows[0].Values[1])
	assert.Equal(t, &pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}, msgs[len(msgs)-1])
}

func TestLong256Rendering(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table wide (v long256)")
	h.eng.Table("wide").Append([]any{[4]uint64{0x04, 0x03, 0x02, 0x01}})

	e := h.parse("select * from wide")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	msgs := h.sync(e)

	rows := dataRows(msgs)
	require.Len(t, rows, 1)
	// most significant word first
	assert.Equal(t,
		[]byte("0x0000000000000001000000000000000200000000000000030000000000000004"),
		rows[0].Values[0])
}

func TestIPv4Rendering(t *testing.T) {
	h := newHarness(t, 4096)
	h.ddl("create table hosts (addr ipv4)")
	h.eng.Table("hosts").Append([]any{uint32(0xC0A80101)})

	e := h.parse("select * from hosts")
	h.bind(e, nil, nil, nil)
	h.execute(e, 0)
	msgs := h.sync(e)

	rows := dataRows(msgs)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("192.168.1.1"), rows[0].Values[0])
}

func TestBinaryResultFormat(t *testing.T) {
	h := newHarness(t, 4096)
	seedTrades(h, 1)

	e := h.parse("select id from trades")
	e.SetStateDesc(xproto.DescUnnamedPortal)
	h.bind(e, nil, nil, []int16{1})
	h.execute(e, 0)
	msgs := h.sync(e)

	rd := msgs[2].(*pgproto3.RowDescription)
	assert.Equal(t, int16(1), rd.Fields[0].Format)
	rows := dataRows(msgs)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte{0, 0, 0, 0}, rows[0].Values[0])
}
