package bind

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/pgoid"
	"github.com/tessera-db/tessera/frontend/wire"
	"github.com/tessera-db/tessera/frontend/xproto"
)

// CopyValuesToBinds performs the three-way merge of the reconciled
// parameter OIDs, the raw values in the arena and the parameter format
// codes, producing typed engine bind slots.
//
// The three inputs legitimately differ in length: the client may send
// fewer values than the SQL has variables (missing ones become typed
// NULLs) and fewer format codes than values (missing ones mean text).
func CopyValuesToBinds(
	arena []byte,
	valueCount int,
	fmtCodes *Bitset,
	outOIDs []uint32,
	binds *engine.BindVariableService,
) error {
	binds.Clear()
	lo := 0
	for i := 0; i < len(outOIDs); i++ {
		if i >= valueCount {
			// no value provided for this variable, set a typed NULL
			binds.SetNull(i, pgoid.ColumnTypeForOID(outOIDs[i]))
			continue
		}
		size, err := wire.GetInt32(arena, lo, "malformed bind variable")
		if err != nil {
			return err
		}
		lo += 4
		if size == -1 {
			// value is not provided, assume NULL
			binds.SetNull(i, pgoid.ColumnTypeForOID(outOIDs[i]))
			continue
		}
		if size < 0 || lo+int(size) > len(arena) {
			return xproto.Kaputf("malformed bind variable [variableIndex=%d]", i)
		}
		raw := arena[lo : lo+int(size)]
		lo += int(size)

		if fmtCodes.Get(i) {
			if err := setBinary(binds, i, outOIDs[i], raw); err != nil {
				return err
			}
		} else {
			if err := setText(binds, i, outOIDs[i], raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func setBinary(binds *engine.BindVariableService, i int, oid uint32, raw []byte) error {
	switch oid {
	case pgoid.Int4:
		if len(raw) != 4 {
			return xproto.KaputValueLength(i, 4, len(raw))
		}
		binds.SetInt(i, int32(binary.BigEndian.Uint32(raw)))
	case pgoid.Int8:
		if len(raw) != 8 {
			return xproto.KaputValueLength(i, 8, len(raw))
		}
		binds.SetLong(i, int64(binary.BigEndian.Uint64(raw)))
	case pgoid.Int2:
		if len(raw) != 2 {
			return xproto.KaputValueLength(i, 2, len(raw))
		}
		binds.SetShort(i, int16(binary.BigEndian.Uint16(raw)))
	case pgoid.Float4:
		if len(raw) != 4 {
			return xproto.KaputValueLength(i, 4, len(raw))
		}
		binds.SetFloat(i, math.Float32frombits(binary.BigEndian.Uint32(raw)))
	case pgoid.Float8:
		if len(raw) != 8 {
			return xproto.KaputValueLength(i, 8, len(raw))
		}
		binds.SetDouble(i, math.Float64frombits(binary.BigEndian.Uint64(raw)))
	case pgoid.Bool:
		// clients send booleans as their text literal even in binary
		// format; the length is the only reliable discriminator
		switch len(raw) {
		case 4:
			binds.SetBool(i, true)
		case 5:
			binds.SetBool(i, false)
		default:
			return xproto.Kaputf("bad value for BOOLEAN parameter [variableIndex=%d, valueSize=%d]", i, len(raw))
		}
	case pgoid.Date:
		if len(raw) != 8 {
			return xproto.KaputValueLength(i, 8, len(raw))
		}
		micros := int64(binary.BigEndian.Uint64(raw)) + pgoid.EpochShiftMicros
		binds.SetDate(i, micros/1000)
	case pgoid.Timestamp, pgoid.TimestampTZ:
		if len(raw) != 8 {
			return xproto.KaputValueLength(i, 8, len(raw))
		}
		binds.SetTimestamp(i, int64(binary.BigEndian.Uint64(raw))+pgoid.EpochShiftMicros)
	case pgoid.Bpchar:
		r, _ := utf8.DecodeRune(raw)
		if r == utf8.RuneError {
			return xproto.KaputUtf8(i)
		}
		binds.SetChar(i, r)
	case pgoid.UUID:
		if len(raw) != 16 {
			return xproto.KaputValueLength(i, 16, len(raw))
		}
		binds.SetUUID(i, binary.BigEndian.Uint64(raw), binary.BigEndian.Uint64(raw[8:]))
	case pgoid.Bytea:
		// opaque binary, zero-copy; valid for one execution only
		binds.SetBin(i, raw)
	default:
		// binary string and text string are the same
		return setText(binds, i, oid, raw)
	}
	return nil
}

func setText(binds *engine.BindVariableService, i int, oid uint32, raw []byte) error {
	if !utf8.Valid(raw) {
		return xproto.KaputUtf8(i)
	}
	s := string(raw)
	switch t := pgoid.ColumnTypeForOID(oid); t {
	case engine.Int:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return xproto.Kaputf("bad value for INT parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetInt(i, int32(v))
	case engine.Long:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return xproto.Kaputf("bad value for LONG parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetLong(i, v)
	case engine.Short:
		v, err := strconv.ParseInt(s, 10, 16)
		if err != nil {
			return xproto.Kaputf("bad value for SHORT parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetShort(i, int16(v))
	case engine.Float:
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return xproto.Kaputf("bad value for FLOAT parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetFloat(i, float32(v))
	case engine.Double:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return xproto.Kaputf("bad value for DOUBLE parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetDouble(i, v)
	case engine.Boolean:
		switch strings.ToLower(s) {
		case "t", "true", "y", "yes", "on", "1":
			binds.SetBool(i, true)
		case "f", "false", "n", "no", "off", "0":
			binds.SetBool(i, false)
		default:
			return xproto.Kaputf("bad value for BOOLEAN parameter [variableIndex=%d, value=%s]", i, s)
		}
	case engine.Char:
		r, _ := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError {
			return xproto.KaputUtf8(i)
		}
		binds.SetChar(i, r)
	case engine.Timestamp:
		v, err := parseTimestampText(s)
		if err != nil {
			return xproto.Kaputf("bad value for TIMESTAMP parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetTimestamp(i, v)
	case engine.Date:
		v, err := parseTimestampText(s)
		if err != nil {
			return xproto.Kaputf("bad value for DATE parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetDate(i, v/1000)
	case engine.UUID:
		u, err := uuid.Parse(s)
		if err != nil {
			return xproto.Kaputf("bad value for UUID parameter [variableIndex=%d, value=%s]", i, s)
		}
		binds.SetUUID(i, binary.BigEndian.Uint64(u[:8]), binary.BigEndian.Uint64(u[8:]))
	case engine.Binary:
		binds.SetBin(i, []byte(s))
	default:
		binds.SetStr(i, engine.String, s)
	}
	return nil
}

var timestampTextLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	"2006-01-02",
}

// parseTimestampText returns microseconds since the unix epoch.
func parseTimestampText(s string) (int64, error) {
	var lastErr error
	for _, layout := range timestampTextLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UnixMicro(), nil
		}
		lastErr = err
	}
	return 0, lastErr
}
