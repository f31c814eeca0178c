package bind

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/pgoid"
	"github.com/tessera-db/tessera/frontend/xproto"
)

func binaryFormats(n int) *Bitset {
	var b Bitset
	for i := 0; i < n; i++ {
		b.Set(i)
	}
	return &b
}

func TestBinderBinaryFixedWidth(t *testing.T) {
	i32 := make([]byte, 4)
	binary.BigEndian.PutUint32(i32, 42)
	i64 := make([]byte, 8)
	binary.BigEndian.PutUint64(i64, uint64(1<<40))
	i16 := []byte{0x00, 0x07}
	f32 := make([]byte, 4)
	binary.BigEndian.PutUint32(f32, math.Float32bits(1.5))
	f64 := make([]byte, 8)
	binary.BigEndian.PutUint64(f64, math.Float64bits(-2.25))

	arena := valueArea(i32, i64, i16, f32, f64)
	oids := []uint32{pgoid.Int4, pgoid.Int8, pgoid.Int2, pgoid.Float4, pgoid.Float8}
	binds := engine.NewBindVariableService()

	err := CopyValuesToBinds(arena, 5, binaryFormats(5), oids, binds)
	assert.NoError(t, err)

	assert.Equal(t, int64(42), binds.Value(0).I64)
	assert.Equal(t, engine.Int, binds.Value(0).Type)
	assert.Equal(t, int64(1<<40), binds.Value(1).I64)
	assert.Equal(t, int64(7), binds.Value(2).I64)
	assert.Equal(t, 1.5, binds.Value(3).F64)
	assert.Equal(t, -2.25, binds.Value(4).F64)
}

func TestBinderBinaryLengthMismatch(t *testing.T) {
	arena := valueArea([]byte{0x00, 0x00, 0x2A}) // 3 bytes for an INT4
	binds := engine.NewBindVariableService()

	err := CopyValuesToBinds(arena, 1, binaryFormats(1), []uint32{pgoid.Int4}, binds)
	var bad *xproto.BadProtocolError
	assert.ErrorAs(t, err, &bad)
	assert.Equal(t, 0, bad.VariableIndex)
	assert.Equal(t, 4, bad.SizeRequired)
	assert.Equal(t, 3, bad.SizeActual)
}

func TestBinderBinaryTimestampShiftsEpoch(t *testing.T) {
	// 2000-01-01T00:00:01Z in the wire's 2000-based epoch
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(1_000_000))
	arena := valueArea(raw)
	binds := engine.NewBindVariableService()

	err := CopyValuesToBinds(arena, 1, binaryFormats(1), []uint32{pgoid.Timestamp}, binds)
	assert.NoError(t, err)
	assert.Equal(t, pgoid.EpochShiftMicros+1_000_000, binds.Value(0).I64)
}

func TestBinderBinaryBoolLengthQuirk(t *testing.T) {
	binds := engine.NewBindVariableService()
	err := CopyValuesToBinds(valueArea([]byte("true")), 1, binaryFormats(1), []uint32{pgoid.Bool}, binds)
	assert.NoError(t, err)
	assert.True(t, binds.Value(0).Bool)

	err = CopyValuesToBinds(valueArea([]byte("false")), 1, binaryFormats(1), []uint32{pgoid.Bool}, binds)
	assert.NoError(t, err)
	assert.False(t, binds.Value(0).Bool)

	err = CopyValuesToBinds(valueArea([]byte("yes")), 1, binaryFormats(1), []uint32{pgoid.Bool}, binds)
	assert.Error(t, err)
}

func TestBinderBinaryUUIDAndBytea(t *testing.T) {
	u := make([]byte, 16)
	binary.BigEndian.PutUint64(u, 0x1111222233334444)
	binary.BigEndian.PutUint64(u[8:], 0x5555666677778888)
	blob := []byte{0xde, 0xad, 0xbe, 0xef}

	binds := engine.NewBindVariableService()
	err := CopyValuesToBinds(valueArea(u, blob), 2, binaryFormats(2), []uint32{pgoid.UUID, pgoid.Bytea}, binds)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x1111222233334444), binds.Value(0).UUIDHi)
	assert.Equal(t, uint64(0x5555666677778888), binds.Value(0).UUIDLo)
	assert.Equal(t, blob, binds.Value(1).Bin)
}

func TestBinderTextDecodes(t *testing.T) {
	arena := valueArea(
		[]byte("42"),
		[]byte("-7"),
		[]byte("3.5"),
		[]byte("t"),
		[]byte("2024-01-01T00:00:00Z"),
		[]byte("plain text"),
	)
	oids := []uint32{pgoid.Int4, pgoid.Int8, pgoid.Float8, pgoid.Bool, pgoid.Timestamp, pgoid.Unspecified}
	binds := engine.NewBindVariableService()

	err := CopyValuesToBinds(arena, 6, &Bitset{}, oids, binds)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), binds.Value(0).I64)
	assert.Equal(t, int64(-7), binds.Value(1).I64)
	assert.Equal(t, 3.5, binds.Value(2).F64)
	assert.True(t, binds.Value(3).Bool)
	assert.Equal(t, int64(1704067200000000), binds.Value(4).I64)
	assert.Equal(t, "plain text", binds.Value(5).Str)
}

func TestBinderTextRejectsInvalidUtf8(t *testing.T) {
	arena := valueArea([]byte{0xff, 0xfe})
	binds := engine.NewBindVariableService()

	err := CopyValuesToBinds(arena, 1, &Bitset{}, []uint32{pgoid.Unspecified}, binds)
	var bad *xproto.BadProtocolError
	assert.ErrorAs(t, err, &bad)
	assert.Equal(t, 0, bad.VariableIndex)
}

func TestBinderNullMapping(t *testing.T) {
	arena := valueArea(nil) // length -1
	binds := engine.NewBindVariableService()

	err := CopyValuesToBinds(arena, 1, &Bitset{}, []uint32{pgoid.Int4}, binds)
	assert.NoError(t, err)
	assert.True(t, binds.Value(0).IsNull)
	assert.Equal(t, engine.Int, binds.Value(0).Type)
}

func TestBinderMissingValuesBecomeTypedNulls(t *testing.T) {
	binds := engine.NewBindVariableService()
	// two variables in the SQL, no values in BIND
	err := CopyValuesToBinds(nil, 0, &Bitset{}, []uint32{pgoid.Int8, pgoid.Varchar}, binds)
	assert.NoError(t, err)
	assert.True(t, binds.Value(0).IsNull)
	assert.Equal(t, engine.Long, binds.Value(0).Type)
	assert.True(t, binds.Value(1).IsNull)
}

func TestReconcileParameterOIDsPreservesClientTypes(t *testing.T) {
	binds := engine.NewBindVariableService()
	binds.Define(0, engine.Long) // compiler inferred LONG
	binds.Define(1, engine.Int)

	// the client declared INT4 at position 0 and nothing at 1
	out := ReconcileParameterOIDs([]uint32{pgoid.Int4, pgoid.Unspecified}, binds)
	assert.Equal(t, []uint32{pgoid.Int4, pgoid.Int4}, out)
}

func TestReconcileParameterOIDsVoidFallsBack(t *testing.T) {
	binds := engine.NewBindVariableService()
	binds.Define(0, engine.Double)

	out := ReconcileParameterOIDs([]uint32{pgoid.Void}, binds)
	assert.Equal(t, []uint32{pgoid.Float8}, out)
}

func TestReconcileParameterOIDsLongerClientList(t *testing.T) {
	binds := engine.NewBindVariableService()
	// the compiler saw no variables at all
	out := ReconcileParameterOIDs([]uint32{pgoid.Int8, pgoid.Bool}, binds)
	assert.Equal(t, []uint32{pgoid.Int8, pgoid.Bool}, out)
}

func TestDefineParseTypesSkipsUnspecified(t *testing.T) {
	binds := engine.NewBindVariableService()
	DefineParseTypes([]uint32{pgoid.Unspecified, pgoid.Int8}, binds)
	assert.Equal(t, engine.Undefined, binds.TypeOf(0))
	assert.Equal(t, engine.Long, binds.TypeOf(1))
}
