package wire

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/tessera-db/tessera/frontend/xproto"
)

// Reader walks one received message payload with bounds-checked,
// big-endian reads. Under-read yields BadProtocol.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) ReadByte(what string) (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, xproto.Kaputf("could not read %s", what)
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadInt16(what string) (int16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, xproto.Kaputf("could not read %s", what)
	}
	v := int16(binary.BigEndian.Uint16(r.buf[r.pos:]))
	r.pos += 2
	return v, nil
}

func (r *Reader) ReadInt32(what string) (int32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, xproto.Kaputf("could not read %s", what)
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadUint32(what string) (uint32, error) {
	v, err := r.ReadInt32(what)
	return uint32(v), err
}

// ReadCString reads a null-terminated, UTF-8 validated string. The
// returned string aliases the receive buffer and must be internalised
// before the next frame when kept.
func (r *Reader) ReadCString(what string) (string, error) {
	idx := bytes.IndexByte(r.buf[r.pos:], 0)
	if idx < 0 {
		return "", xproto.Kaputf("could not read %s", what)
	}
	raw := r.buf[r.pos : r.pos+idx]
	if !utf8.Valid(raw) {
		return "", xproto.Kaputf("invalid UTF8 bytes in %s", what)
	}
	r.pos += idx + 1
	return string(raw), nil
}

// Rewind hands back the last n consumed bytes.
func (r *Reader) Rewind(n int) {
	if n > 0 && n <= r.pos {
		r.pos -= n
	}
}

// ReadBytes returns the next n raw bytes without copying.
func (r *Reader) ReadBytes(n int, what string) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, xproto.Kaputf("could not read %s", what)
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// GetInt32 is the raw-slice variant used by the parameter arena,
// which re-reads value headers outside a Reader.
func GetInt32(b []byte, pos int, what string) (int32, error) {
	if pos < 0 || pos+4 > len(b) {
		return 0, xproto.Kaputf("could not read %s", what)
	}
	return int32(binary.BigEndian.Uint32(b[pos:])), nil
}

func GetInt16(b []byte, pos int, what string) (int16, error) {
	if pos < 0 || pos+2 > len(b) {
		return 0, xproto.Kaputf("could not read %s", what)
	}
	return int16(binary.BigEndian.Uint16(b[pos:])), nil
}
