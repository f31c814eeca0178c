package engine

// ColumnType enumerates the engine's native column types. The wire
// layer maps these to PostgreSQL type OIDs.
type ColumnType int

const (
	Undefined ColumnType = iota
	Boolean
	Byte
	Short
	Char
	Int
	Long
	Date      // milliseconds since the unix epoch
	Timestamp // microseconds since the unix epoch
	Float
	Double
	String
	Varchar
	Symbol
	Long256
	GeoByte
	GeoShort
	GeoInt
	GeoLong
	Binary
	UUID
	IPv4
	Null
)

func (t ColumnType) String() string {
	switch t {
	case Boolean:
		return "BOOLEAN"
	case Byte:
		return "BYTE"
	case Short:
		return "SHORT"
	case Char:
		return "CHAR"
	case Int:
		return "INT"
	case Long:
		return "LONG"
	case Date:
		return "DATE"
	case Timestamp:
		return "TIMESTAMP"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case String:
		return "STRING"
	case Varchar:
		return "VARCHAR"
	case Symbol:
		return "SYMBOL"
	case Long256:
		return "LONG256"
	case GeoByte:
		return "GEOBYTE"
	case GeoShort:
		return "GEOSHORT"
	case GeoInt:
		return "GEOINT"
	case GeoLong:
		return "GEOLONG"
	case Binary:
		return "BINARY"
	case UUID:
		return "UUID"
	case IPv4:
		return "IPV4"
	case Null:
		return "NULL"
	}
	return "UNDEFINED"
}

// IsGeo reports whether the type renders as a geo hash.
func (t ColumnType) IsGeo() bool {
	switch t {
	case GeoByte, GeoShort, GeoInt, GeoLong:
		return true
	}
	return false
}

// Column describes one result set column. GeoBits carries the geo hash
// precision in bits for geo types, zero otherwise.
type Column struct {
	Name    string
	Type    ColumnType
	GeoBits int
}

// Metadata is the ordered column description of a cursor factory.
type Metadata struct {
	Columns []Column
}

func (m *Metadata) ColumnCount() int {
	return len(m.Columns)
}

// EqualColumnNamesAndTypes reports whether two result set shapes are
// interchangeable from a client's point of view. Used to detect stale
// cached plans after recompilation.
func EqualColumnNamesAndTypes(a, b *Metadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i].Name != b.Columns[i].Name || a.Columns[i].Type != b.Columns[i].Type {
			return false
		}
	}
	return true
}

// TableToken identifies a table within the engine. Comparable, used as
// the pending-writers map key.
type TableToken struct {
	Table string
}
