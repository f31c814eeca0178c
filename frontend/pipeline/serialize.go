package pipeline

import (
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/pgoid"
	"github.com/tessera-db/tessera/frontend/wire"
	"github.com/tessera-db/tessera/frontend/xproto"
)

const (
	timestampOutLayout = "2006-01-02 15:04:05.000000"
	dateOutLayout      = "2006-01-02 15:04:05.000+00"
)

func (e *Entry) outSimpleMsg(out *wire.OutBuf, msgType byte) error {
	out.PutByte(msgType)
	out.PutUint32(4)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}

func (e *Entry) outParseComplete(out *wire.OutBuf) error {
	return e.outSimpleMsg(out, xproto.MsgParseComplete)
}

func (e *Entry) outBindComplete(out *wire.OutBuf) error {
	return e.outSimpleMsg(out, xproto.MsgBindComplete)
}

func (e *Entry) outNoData(out *wire.OutBuf) error {
	return e.outSimpleMsg(out, xproto.MsgNoData)
}

func (e *Entry) outEmptyQuery(out *wire.OutBuf) error {
	return e.outSimpleMsg(out, xproto.MsgEmptyQueryResponse)
}

func (e *Entry) outPortalSuspended(out *wire.OutBuf) error {
	return e.outSimpleMsg(out, xproto.MsgPortalSuspended)
}

func (e *Entry) outCloseComplete(out *wire.OutBuf) error {
	return e.outSimpleMsg(out, xproto.MsgCloseComplete)
}

func (e *Entry) outCommandComplete(out *wire.OutBuf, rowCount int64) error {
	out.Bookmark()
	out.PutByte(xproto.MsgCommandComplete)
	addr := out.SkipInt()
	out.PutString(e.sqlTag)
	out.PutByte(' ')
	out.PutBytes(strconv.AppendInt(e.scratch[:0], rowCount, 10))
	out.PutByte(0)
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}

// outCommandCompleteInsert emits the INSERT tag with its fixed zero
// OID field: "INSERT 0 <n>".
func (e *Entry) outCommandCompleteInsert(out *wire.OutBuf) error {
	out.Bookmark()
	out.PutByte(xproto.MsgCommandComplete)
	addr := out.SkipInt()
	out.PutString(e.sqlTag)
	out.PutString(" 0 ")
	out.PutBytes(strconv.AppendInt(e.scratch[:0], e.affectedRowCount, 10))
	out.PutByte(0)
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}

// outCommandCompleteTagOnly covers DDL and transaction control, whose
// tags carry no row count.
func (e *Entry) outCommandCompleteTagOnly(out *wire.OutBuf) error {
	out.Bookmark()
	out.PutByte(xproto.MsgCommandComplete)
	addr := out.SkipInt()
	out.PutString(e.sqlTag)
	out.PutByte(0)
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}

func (e *Entry) outParameterTypeDescription(out *wire.OutBuf) error {
	out.PutByte(xproto.MsgParameterDescription)
	addr := out.SkipInt()
	out.PutUint16(uint16(len(e.outParameterOIDs)))
	for _, oid := range e.outParameterOIDs {
		out.PutUint32(oid)
	}
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}

// resultColumnFormatCode derives the output format for one column.
// Binary columns are always binary, never hex-encoded into text.
func (e *Entry) resultColumnFormatCode(col int) int16 {
	if engine.ColumnType(e.resultColumnTypes[2*col]) == engine.Binary {
		return xproto.FormatCodeBinary
	}
	var binary bool
	if e.selectFormatCodeCount > 1 {
		binary = e.selectFormatCodes.Get(col)
	} else {
		binary = e.selectFormatCodes.Get(0)
	}
	if binary {
		return xproto.FormatCodeBinary
	}
	return xproto.FormatCodeText
}

func (e *Entry) outRowDescription(out *wire.OutBuf) error {
	metadata := e.factory.Metadata()
	out.PutByte(xproto.MsgRowDescription)
	addr := out.SkipInt()
	n := len(e.resultColumnTypes) / 2
	out.PutUint16(uint16(n))
	for i := 0; i < n; i++ {
		columnType := engine.ColumnType(e.resultColumnTypes[2*i])
		if columnType == engine.Null {
			columnType = engine.String
		}
		out.PutZ(metadata.Columns[i].Name)
		out.PutUint32(0) // table OID
		out.PutUint16(uint16(i + 1))
		out.PutUint32(pgoid.OIDForColumnType(columnType))
		out.PutInt16(pgoid.TypeSize(columnType))
		out.PutInt32(-1) // type modifier
		out.PutInt16(e.resultColumnFormatCode(i))
	}
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}

// outRecord emits one DATA_ROW. On success the buffer is bookmarked
// past the row and the resend flag dropped; on overflow the partial
// bytes stay beyond the bookmark for the flush to discard.
func (e *Entry) outRecord(out *wire.OutBuf, rec engine.Record, columnCount int) error {
	out.PutByte(xproto.MsgDataRow)
	addr := out.SkipInt()
	out.PutUint16(uint16(columnCount))
	for i := 0; i < columnCount; i++ {
		columnType := engine.ColumnType(e.resultColumnTypes[2*i])
		if columnType == engine.Null || rec.IsNull(i) {
			out.PutNull()
			continue
		}
		binary := e.resultColumnFormatCode(i) == xproto.FormatCodeBinary
		if err := e.outColumn(out, rec, i, columnType, binary); err != nil {
			return err
		}
	}
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	e.resendCursorRecord = false
	e.returnRowCount++
	return nil
}

func (e *Entry) outColumn(out *wire.OutBuf, rec engine.Record, i int, columnType engine.ColumnType, binary bool) error {
	switch columnType {
	case engine.Int:
		if binary {
			out.PutInt32(4)
			out.PutInt32(rec.GetInt(i))
		} else {
			e.outLenPrefixed(out, strconv.AppendInt(e.scratch[:0], int64(rec.GetInt(i)), 10))
		}
	case engine.Long:
		if binary {
			out.PutInt32(8)
			out.PutInt64(rec.GetLong(i))
		} else {
			e.outLenPrefixed(out, strconv.AppendInt(e.scratch[:0], rec.GetLong(i), 10))
		}
	case engine.Short:
		if binary {
			out.PutInt32(2)
			out.PutInt16(rec.GetShort(i))
		} else {
			e.outLenPrefixed(out, strconv.AppendInt(e.scratch[:0], int64(rec.GetShort(i)), 10))
		}
	case engine.Byte:
		if binary {
			out.PutInt32(2)
			out.PutInt16(int16(rec.GetByte(i)))
		} else {
			e.outLenPrefixed(out, strconv.AppendInt(e.scratch[:0], int64(rec.GetByte(i)), 10))
		}
	case engine.Boolean:
		if binary {
			out.PutInt32(1)
			if rec.GetBool(i) {
				out.PutByte(1)
			} else {
				out.PutByte(0)
			}
		} else {
			out.PutInt32(1)
			if rec.GetBool(i) {
				out.PutByte('t')
			} else {
				out.PutByte('f')
			}
		}
	case engine.Float:
		if binary {
			out.PutInt32(4)
			out.PutUint32(math.Float32bits(rec.GetFloat(i)))
		} else {
			e.outLenPrefixed(out, strconv.AppendFloat(e.scratch[:0], float64(rec.GetFloat(i)), 'g', -1, 32))
		}
	case engine.Double:
		if binary {
			out.PutInt32(8)
			out.PutUint64(math.Float64bits(rec.GetDouble(i)))
		} else {
			e.outLenPrefixed(out, strconv.AppendFloat(e.scratch[:0], rec.GetDouble(i), 'g', -1, 64))
		}
	case engine.Timestamp:
		if binary {
			out.PutInt32(8)
			out.PutInt64(rec.GetTimestamp(i) - pgoid.EpochShiftMicros)
		} else {
			t := time.UnixMicro(rec.GetTimestamp(i)).UTC()
			e.outLenPrefixed(out, t.AppendFormat(e.scratch[:0], timestampOutLayout))
		}
	case engine.Date:
		if binary {
			out.PutInt32(8)
			out.PutInt64(rec.GetDate(i)*1000 - pgoid.EpochShiftMicros)
		} else {
			t := time.UnixMilli(rec.GetDate(i)).UTC()
			e.outLenPrefixed(out, t.AppendFormat(e.scratch[:0], dateOutLayout))
		}
	case engine.Char:
		n := utf8.EncodeRune(e.scratch[:4], rec.GetChar(i))
		e.outLenPrefixed(out, e.scratch[:n])
	case engine.String, engine.Varchar:
		s := rec.GetStr(i)
		out.PutInt32(int32(len(s)))
		out.PutString(s)
	case engine.Symbol:
		s := rec.GetSym(i)
		out.PutInt32(int32(len(s)))
		out.PutString(s)
	case engine.UUID:
		hi, lo := rec.GetUUID(i)
		if binary {
			out.PutInt32(16)
			out.PutUint64(hi)
			out.PutUint64(lo)
		} else {
			var u uuid.UUID
			putUint64BE(u[:8], hi)
			putUint64BE(u[8:], lo)
			e.outLenPrefixed(out, []byte(u.String()))
		}
	case engine.IPv4:
		v := rec.GetIPv4(i)
		b := e.scratch[:0]
		b = strconv.AppendInt(b, int64(v>>24&0xff), 10)
		b = append(b, '.')
		b = strconv.AppendInt(b, int64(v>>16&0xff), 10)
		b = append(b, '.')
		b = strconv.AppendInt(b, int64(v>>8&0xff), 10)
		b = append(b, '.')
		b = strconv.AppendInt(b, int64(v&0xff), 10)
		e.outLenPrefixed(out, b)
	case engine.Long256:
		words := rec.GetLong256(i)
		b := append(e.scratch[:0], '0', 'x')
		for w := 3; w >= 0; w-- {
			b = appendHex16(b, words[w])
		}
		e.outLenPrefixed(out, b)
	case engine.GeoByte, engine.GeoShort, engine.GeoInt, engine.GeoLong:
		e.outLenPrefixed(out, appendGeoHash(e.scratch[:0], rec.GetGeo(i), int(e.resultColumnTypes[2*i+1])))
	case engine.Binary:
		// binary columns always travel in binary format
		blob := rec.GetBin(i)
		if len(blob) > e.maxBlobSize {
			return xproto.Kaputf("blob is too large [blobSize=%d, max=%d, columnIndex=%d]", len(blob), e.maxBlobSize, i)
		}
		out.PutInt32(int32(len(blob)))
		out.PutBytes(blob)
	default:
		return xproto.Kaputf("unsupported column type [type=%s, columnIndex=%d]", columnType, i)
	}
	return out.Err()
}

func (e *Entry) outLenPrefixed(out *wire.OutBuf, val []byte) {
	out.PutInt32(int32(len(val)))
	out.PutBytes(val)
}

// geoAlphabet is the standard geo hash base32 alphabet.
const geoAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// appendGeoHash renders a geo hash value: base32 chars when the
// precision is a whole number of chars, raw bits otherwise.
func appendGeoHash(b []byte, value int64, bits int) []byte {
	if bits <= 0 {
		return b
	}
	if bits%5 == 0 {
		chars := bits / 5
		for i := chars - 1; i >= 0; i-- {
			b = append(b, geoAlphabet[(value>>(uint(i)*5))&0x1f])
		}
		return b
	}
	for i := bits - 1; i >= 0; i-- {
		if value>>(uint(i))&1 != 0 {
			b = append(b, '1')
		} else {
			b = append(b, '0')
		}
	}
	return b
}

const hexDigits = "0123456789abcdef"

func appendHex16(b []byte, v uint64) []byte {
	for shift := 60; shift >= 0; shift -= 4 {
		b = append(b, hexDigits[v>>uint(shift)&0xf])
	}
	return b
}

func putUint64BE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}
