package pgoid

import "github.com/tessera-db/tessera/frontend/engine"

// PostgreSQL type OIDs the front-end speaks.
const (
	Unspecified = uint32(0)
	Bool        = uint32(16)
	Bytea       = uint32(17)
	Int8        = uint32(20)
	Int2        = uint32(21)
	Int4        = uint32(23)
	Text        = uint32(25)
	Float4      = uint32(700)
	Float8      = uint32(701)
	Bpchar      = uint32(1042)
	Varchar     = uint32(1043)
	Date        = uint32(1082)
	Timestamp   = uint32(1114)
	TimestampTZ = uint32(1184)
	UUID        = uint32(2950)
	Void        = uint32(2278)
)

// EpochShiftMicros converts between the engine's 1970-based
// microsecond timestamps and PostgreSQL's 2000-based binary wire
// representation. Add when decoding, subtract when encoding.
const EpochShiftMicros = int64(946684800000000)

// OIDForColumnType maps an engine type to the OID reported in
// RowDescription and ParameterDescription. Variable-length and
// engine-only types all travel as varchar text.
func OIDForColumnType(t engine.ColumnType) uint32 {
	switch t {
	case engine.Boolean:
		return Bool
	case engine.Byte, engine.Short:
		return Int2
	case engine.Char:
		return Bpchar
	case engine.Int:
		return Int4
	case engine.Long:
		return Int8
	case engine.Date:
		return Date
	case engine.Timestamp:
		return Timestamp
	case engine.Float:
		return Float4
	case engine.Double:
		return Float8
	case engine.Binary:
		return Bytea
	case engine.UUID:
		return UUID
	case engine.Undefined:
		return Unspecified
	default:
		return Varchar
	}
}

// ColumnTypeForOID is the reverse mapping used when defining bind
// variable types from client-declared parameter OIDs. Unknown OIDs
// map to String so the value can be parsed from text.
func ColumnTypeForOID(oid uint32) engine.ColumnType {
	switch oid {
	case Bool:
		return engine.Boolean
	case Int2:
		return engine.Short
	case Int4:
		return engine.Int
	case Int8:
		return engine.Long
	case Float4:
		return engine.Float
	case Float8:
		return engine.Double
	case Bpchar:
		return engine.Char
	case Date:
		return engine.Date
	case Timestamp, TimestampTZ:
		return engine.Timestamp
	case Bytea:
		return engine.Binary
	case UUID:
		return engine.UUID
	case Unspecified, Void:
		return engine.Undefined
	default:
		return engine.String
	}
}

// TypeSize is the RowDescription type size field: the fixed binary
// width for fixed types, -1 for variable-length ones.
func TypeSize(t engine.ColumnType) int16 {
	switch t {
	case engine.Boolean:
		return 1
	case engine.Byte, engine.Short:
		return 2
	case engine.Int, engine.Float:
		return 4
	case engine.Long, engine.Double, engine.Date, engine.Timestamp:
		return 8
	case engine.UUID:
		return 16
	default:
		return -1
	}
}
