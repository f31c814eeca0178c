package memengine

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessera-db/tessera/frontend/engine"
)

type exprKind int

const (
	exprColumn exprKind = iota
	exprBind
	exprLiteral
)

// expr is one select-list or value-list item: a column reference, a
// bind variable placeholder or a literal, with an optional cast.
type expr struct {
	kind      exprKind
	text      string
	col       int
	bindIndex int
	lit       any
	cast      engine.ColumnType
}

// parseExpr understands $n, quoted strings, numbers, booleans, null
// and column references, each with an optional ::type suffix.
func parseExpr(item string, cols []engine.Column, position int) (expr, error) {
	item = strings.TrimSpace(item)
	ex := expr{text: item, cast: engine.Undefined, col: -1, bindIndex: -1}

	if idx := strings.Index(item, "::"); idx >= 0 {
		t, _, err := parseColumnSpec(strings.ToLower(strings.TrimSpace(item[idx+2:])))
		if err != nil {
			return ex, engine.NewSQLError(position+idx+2, "unsupported cast: %s", item[idx+2:])
		}
		ex.cast = t
		item = strings.TrimSpace(item[:idx])
	}

	switch {
	case item == "":
		return ex, engine.NewSQLError(position, "empty expression")
	case item[0] == '$':
		n, err := strconv.Atoi(item[1:])
		if err != nil || n < 1 {
			return ex, engine.NewSQLError(position, "invalid bind variable: %s", item)
		}
		ex.kind = exprBind
		ex.bindIndex = n - 1
	case item[0] == '\'':
		if len(item) < 2 || item[len(item)-1] != '\'' {
			return ex, engine.NewSQLError(position, "unterminated string literal")
		}
		ex.kind = exprLiteral
		ex.lit = strings.ReplaceAll(item[1:len(item)-1], "''", "'")
	case strings.EqualFold(item, "null"):
		ex.kind = exprLiteral
		ex.lit = nil
	case strings.EqualFold(item, "true"):
		ex.kind = exprLiteral
		ex.lit = true
	case strings.EqualFold(item, "false"):
		ex.kind = exprLiteral
		ex.lit = false
	default:
		if v, err := strconv.ParseInt(item, 10, 64); err == nil {
			ex.kind = exprLiteral
			ex.lit = v
			break
		}
		if v, err := strconv.ParseFloat(item, 64); err == nil {
			ex.kind = exprLiteral
			ex.lit = v
			break
		}
		// column reference
		name := strings.ToLower(item)
		for i, c := range cols {
			if c.Name == name {
				ex.kind = exprColumn
				ex.col = i
				return ex, nil
			}
		}
		return ex, engine.NewSQLError(position, "unknown column: %s", item)
	}
	return ex, nil
}

// resultType is the column type an expression contributes to cursor
// metadata, resolved at compile time.
func (ex *expr) resultType(cols []engine.Column, binds *engine.BindVariableService) engine.ColumnType {
	if ex.cast != engine.Undefined {
		return ex.cast
	}
	switch ex.kind {
	case exprColumn:
		return cols[ex.col].Type
	case exprBind:
		if t := binds.TypeOf(ex.bindIndex); t != engine.Undefined {
			return t
		}
		return engine.String
	default:
		switch ex.lit.(type) {
		case nil:
			return engine.Null
		case bool:
			return engine.Boolean
		case int64:
			return engine.Long
		case float64:
			return engine.Double
		default:
			return engine.String
		}
	}
}

// eval produces the expression value for one source row, coerced to
// the target column type.
func (ex *expr) eval(row []any, binds *engine.BindVariableService, target engine.ColumnType) (any, error) {
	switch ex.kind {
	case exprColumn:
		return coerce(row[ex.col], target)
	case exprBind:
		v := binds.Value(ex.bindIndex)
		if v == nil || v.IsNull {
			return nil, nil
		}
		return coerce(bindToAny(v), target)
	default:
		return coerce(ex.lit, target)
	}
}

// bindToAny lowers a typed bind slot into the storage representation.
func bindToAny(v *engine.BindValue) any {
	switch v.Type {
	case engine.Boolean:
		return v.Bool
	case engine.Byte:
		return int8(v.I64)
	case engine.Short:
		return int16(v.I64)
	case engine.Char:
		return rune(v.I64)
	case engine.Int:
		return int32(v.I64)
	case engine.Long:
		return v.I64
	case engine.Date, engine.Timestamp:
		return v.I64
	case engine.Float:
		return float32(v.F64)
	case engine.Double:
		return v.F64
	case engine.UUID:
		return [2]uint64{v.UUIDHi, v.UUIDLo}
	case engine.Binary:
		// internalise: the slice aliases the entry's parameter arena
		return append([]byte(nil), v.Bin...)
	default:
		return v.Str
	}
}

// coerce converts a storage value to the target column type, widening
// numerics and parsing strings where the conversion is unambiguous.
func coerce(v any, target engine.ColumnType) (any, error) {
	if v == nil || target == engine.Undefined || target == engine.Null {
		return v, nil
	}
	switch target {
	case engine.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case engine.Byte:
		if n, ok := asInt64(v); ok {
			return int8(n), nil
		}
	case engine.Short:
		if n, ok := asInt64(v); ok {
			return int16(n), nil
		}
	case engine.Char:
		switch x := v.(type) {
		case rune:
			return x, nil
		case string:
			if x != "" {
				return []rune(x)[0], nil
			}
			return nil, nil
		}
	case engine.Int:
		if n, ok := asInt64(v); ok {
			return int32(n), nil
		}
	case engine.Long:
		if n, ok := asInt64(v); ok {
			return n, nil
		}
	case engine.Date:
		switch x := v.(type) {
		case int64:
			return x, nil
		case string:
			t, err := parseTimeText(x)
			if err != nil {
				return nil, err
			}
			return t.UnixMilli(), nil
		}
	case engine.Timestamp:
		switch x := v.(type) {
		case int64:
			return x, nil
		case string:
			t, err := parseTimeText(x)
			if err != nil {
				return nil, err
			}
			return t.UnixMicro(), nil
		}
	case engine.Float:
		if f, ok := asFloat64(v); ok {
			return float32(f), nil
		}
	case engine.Double:
		if f, ok := asFloat64(v); ok {
			return f, nil
		}
	case engine.String, engine.Varchar, engine.Symbol:
		switch x := v.(type) {
		case string:
			return x, nil
		case rune:
			return string(x), nil
		}
		return fmt.Sprintf("%v", v), nil
	case engine.UUID:
		switch x := v.(type) {
		case [2]uint64:
			return x, nil
		case string:
			u, err := uuid.Parse(x)
			if err != nil {
				return nil, err
			}
			return [2]uint64{binary.BigEndian.Uint64(u[:8]), binary.BigEndian.Uint64(u[8:])}, nil
		}
	case engine.Binary:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case engine.GeoByte, engine.GeoShort, engine.GeoInt, engine.GeoLong:
		switch x := v.(type) {
		case int64:
			return x, nil
		case string:
			return decodeGeoHash(x)
		}
	case engine.Long256:
		if x, ok := v.([4]uint64); ok {
			return x, nil
		}
	case engine.IPv4:
		switch x := v.(type) {
		case uint32:
			return x, nil
		case string:
			var a, b2, c, d uint32
			if _, err := fmt.Sscanf(x, "%d.%d.%d.%d", &a, &b2, &c, &d); err != nil {
				return nil, err
			}
			return a<<24 | b2<<16 | c<<8 | d, nil
		}
	}
	return nil, fmt.Errorf("inconvertible value [value=%v, target=%s]", v, target)
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	if n, ok := asInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}

const geoAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// decodeGeoHash packs base32 geo hash chars into the stored value,
// five bits per char.
func decodeGeoHash(s string) (int64, error) {
	if len(s) == 0 || len(s) > 12 {
		return 0, fmt.Errorf("invalid geohash literal: %q", s)
	}
	var v int64
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(geoAlphabet, s[i])
		if idx < 0 {
			return 0, fmt.Errorf("invalid geohash char: %q", s[i])
		}
		v = v<<5 | int64(idx)
	}
	return v, nil
}

var timeTextLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

func parseTimeText(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeTextLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
