package pipeline

import (
	"github.com/tessera-db/tessera/frontend/wire"
	"github.com/tessera-db/tessera/frontend/xproto"
)

// MsgBind consumes the BIND message sections that follow the portal
// and statement names: parameter format codes, the value area and the
// result format codes.
func (e *Entry) MsgBind(r *wire.Reader) error {
	nfmt, err := r.ReadInt16("parameter format count")
	if err != nil {
		return err
	}
	fmtBytes, err := r.ReadBytes(2*int(nfmt), "parameter formats")
	if err != nil {
		return err
	}
	nvalues, err := r.ReadInt16("parameter value count")
	if err != nil {
		return err
	}
	if err := e.MsgBindCopyParameterFormatCodes(wire.NewReader(fmtBytes), nfmt, nvalues); err != nil {
		return err
	}
	if err := e.MsgBindCopyParameterValuesArea(r); err != nil {
		return err
	}
	nresfmt, err := r.ReadInt16("result format count")
	if err != nil {
		return err
	}
	return e.MsgBindCopySelectFormatCodes(r, nresfmt)
}

// MsgBindCopyParameterFormatCodes reads the parameter format code
// section of a BIND message.
//
// When the count is 1 the single code applies to every value. More
// formats than values are ignored quietly; fewer formats than values
// mean the remaining values are text.
func (e *Entry) MsgBindCopyParameterFormatCodes(r *wire.Reader, formatCodeCount, valueCount int16) error {
	e.paramValueCount = int(valueCount)
	e.paramFormatCodes.Clear()
	if formatCodeCount <= 0 {
		return nil
	}
	if formatCodeCount == 1 {
		code, err := r.ReadInt16("parameter formats")
		if err != nil {
			return err
		}
		if code == xproto.FormatCodeBinary {
			for i := 0; i < int(valueCount); i++ {
				e.paramFormatCodes.Set(i)
			}
		}
		return nil
	}
	if r.Remaining() < 2*int(formatCodeCount) {
		return xproto.Kaputf("invalid format code count [value=%d]", formatCodeCount)
	}
	for i := 0; i < int(formatCodeCount); i++ {
		code, err := r.ReadInt16("parameter formats")
		if err != nil {
			return err
		}
		if code == xproto.FormatCodeBinary && i < int(valueCount) {
			e.paramFormatCodes.Set(i)
		}
	}
	return nil
}

// MsgBindBeginParameterValues resets the arena for this BIND attempt;
// the declared value count must have been recorded already.
func (e *Entry) MsgBindBeginParameterValues() {
	e.arena.Begin(e.paramValueCount)
}

// MsgBindIngestParameterValues mirrors the next slice of the raw BIND
// value block into the arena. Returns the byte count consumed and
// bind.ErrIncomplete while the value area is still short; the caller
// re-enters with more bytes once they arrive.
func (e *Entry) MsgBindIngestParameterValues(payload []byte) (int, error) {
	return e.arena.Ingest(payload)
}

// MsgBindCopyParameterValuesArea is the fully-framed variant: the
// whole value area is present in the reader.
func (e *Entry) MsgBindCopyParameterValuesArea(r *wire.Reader) error {
	e.MsgBindBeginParameterValues()
	payload, err := r.ReadBytes(r.Remaining(), "bind values")
	if err != nil {
		return err
	}
	consumed, err := e.MsgBindIngestParameterValues(payload)
	if err != nil {
		return err
	}
	// hand back what the value area did not consume: the result
	// format codes follow it in the same message
	r.Rewind(len(payload) - consumed)
	return nil
}

// MsgBindCopySelectFormatCodes reads the per-column output format
// codes. They only apply to SQL that compiles into a cursor factory.
// Kept across executions: if the cursor gets invalidated mid-stream,
// clients still expect the format they asked for.
func (e *Entry) MsgBindCopySelectFormatCodes(r *wire.Reader, selectFormatCodeCount int16) error {
	e.selectFormatCodes.Clear()
	e.selectFormatCodeCount = selectFormatCodeCount
	if selectFormatCodeCount <= 0 {
		return nil
	}
	for i := 0; i < int(selectFormatCodeCount); i++ {
		code, err := r.ReadInt16("select format codes")
		if err != nil {
			return err
		}
		if e.factory != nil && code == xproto.FormatCodeBinary {
			e.selectFormatCodes.Set(i)
		}
	}
	return nil
}
