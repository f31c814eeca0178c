package engine

// BindValue is one typed bind variable slot. Which field carries the
// value depends on Type; IsNull overrides all of them.
type BindValue struct {
	Type   ColumnType
	IsNull bool

	Bool   bool
	I64    int64 // byte, short, char, int, long, date, timestamp
	F64    float64
	Str    string
	Bin    []byte // valid for the duration of one execute only
	UUIDHi uint64
	UUIDLo uint64
}

// BindVariableService holds the typed bind variable slots for the
// connection. The binder populates them from the BIND payload; the
// compiler defines types for slots the client left unspecified.
type BindVariableService struct {
	values []BindValue
}

func NewBindVariableService() *BindVariableService {
	return &BindVariableService{}
}

func (s *BindVariableService) Clear() {
	s.values = s.values[:0]
}

func (s *BindVariableService) Count() int {
	return len(s.values)
}

func (s *BindVariableService) grow(i int) *BindValue {
	for len(s.values) <= i {
		s.values = append(s.values, BindValue{Type: Undefined})
	}
	return &s.values[i]
}

// Define declares the type of slot i without assigning a value.
// An Undefined type leaves the slot open for compiler inference.
func (s *BindVariableService) Define(i int, t ColumnType) {
	v := s.grow(i)
	v.Type = t
	v.IsNull = false
}

// TypeOf returns Undefined for out-of-range slots.
func (s *BindVariableService) TypeOf(i int) ColumnType {
	if i < 0 || i >= len(s.values) {
		return Undefined
	}
	return s.values[i].Type
}

func (s *BindVariableService) Value(i int) *BindValue {
	if i < 0 || i >= len(s.values) {
		return nil
	}
	return &s.values[i]
}

func (s *BindVariableService) SetNull(i int, t ColumnType) {
	v := s.grow(i)
	v.Type = t
	v.IsNull = true
}

func (s *BindVariableService) SetBool(i int, val bool) {
	v := s.grow(i)
	v.Type = Boolean
	v.IsNull = false
	v.Bool = val
}

func (s *BindVariableService) SetShort(i int, val int16) {
	v := s.grow(i)
	v.Type = Short
	v.IsNull = false
	v.I64 = int64(val)
}

func (s *BindVariableService) SetChar(i int, val rune) {
	v := s.grow(i)
	v.Type = Char
	v.IsNull = false
	v.I64 = int64(val)
}

func (s *BindVariableService) SetInt(i int, val int32) {
	v := s.grow(i)
	v.Type = Int
	v.IsNull = false
	v.I64 = int64(val)
}

func (s *BindVariableService) SetLong(i int, val int64) {
	v := s.grow(i)
	v.Type = Long
	v.IsNull = false
	v.I64 = val
}

func (s *BindVariableService) SetDate(i int, millis int64) {
	v := s.grow(i)
	v.Type = Date
	v.IsNull = false
	v.I64 = millis
}

func (s *BindVariableService) SetTimestamp(i int, micros int64) {
	v := s.grow(i)
	v.Type = Timestamp
	v.IsNull = false
	v.I64 = micros
}

func (s *BindVariableService) SetFloat(i int, val float32) {
	v := s.grow(i)
	v.Type = Float
	v.IsNull = false
	v.F64 = float64(val)
}

func (s *BindVariableService) SetDouble(i int, val float64) {
	v := s.grow(i)
	v.Type = Double
	v.IsNull = false
	v.F64 = val
}

// SetStr assigns a string slot. The binder passes a copy of the
// wire bytes, so the value stays valid after the execute.
func (s *BindVariableService) SetStr(i int, t ColumnType, val string) {
	v := s.grow(i)
	v.Type = t
	v.IsNull = false
	v.Str = val
}

func (s *BindVariableService) SetBin(i int, val []byte) {
	v := s.grow(i)
	v.Type = Binary
	v.IsNull = false
	v.Bin = val
}

func (s *BindVariableService) SetUUID(i int, hi, lo uint64) {
	v := s.grow(i)
	v.Type = UUID
	v.IsNull = false
	v.UUIDHi = hi
	v.UUIDLo = lo
}
