package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrNoSpace is the out-of-space signal raised by emit calls when an
// atomic write does not fit into the remaining send buffer. The caller
// is expected to flush to the last bookmark and re-enter; a flush that
// moves zero bytes means the message can never fit and the protocol
// has to error out.
var ErrNoSpace = errors.New("not enough space in send buffer")

// OutBuf is the bounded response buffer. Writes turn into no-ops once
// the buffer overflows; the sticky error is cleared by a flush or a
// reset to the last bookmark. The bookmark always sits on a message
// boundary, so a flush never exposes a partial message to the client.
type OutBuf struct {
	b    []byte
	wpos int
	mark int
	err  error
}

func NewOutBuf(size int) *OutBuf {
	return &OutBuf{b: make([]byte, size)}
}

// Bookmark records the current position as a known-good message
// boundary. No-op while the buffer is in overflow state.
func (o *OutBuf) Bookmark() {
	if o.err == nil {
		o.mark = o.wpos
	}
}

// ResetToBookmark discards everything written after the last bookmark
// and clears the overflow state.
func (o *OutBuf) ResetToBookmark() {
	o.wpos = o.mark
	o.err = nil
}

func (o *OutBuf) Err() error {
	return o.err
}

// Len is the number of bytes pending in the buffer, including any
// partial message after the bookmark.
func (o *OutBuf) Len() int {
	return o.wpos
}

func (o *OutBuf) ensure(n int) bool {
	if o.err != nil {
		return false
	}
	if o.wpos+n > len(o.b) {
		o.err = ErrNoSpace
		return false
	}
	return true
}

func (o *OutBuf) PutByte(c byte) {
	if o.ensure(1) {
		o.b[o.wpos] = c
		o.wpos++
	}
}

func (o *OutBuf) PutUint16(v uint16) {
	if o.ensure(2) {
		binary.BigEndian.PutUint16(o.b[o.wpos:], v)
		o.wpos += 2
	}
}

func (o *OutBuf) PutInt16(v int16) {
	o.PutUint16(uint16(v))
}

func (o *OutBuf) PutUint32(v uint32) {
	if o.ensure(4) {
		binary.BigEndian.PutUint32(o.b[o.wpos:], v)
		o.wpos += 4
	}
}

func (o *OutBuf) PutInt32(v int32) {
	o.PutUint32(uint32(v))
}

func (o *OutBuf) PutUint64(v uint64) {
	if o.ensure(8) {
		binary.BigEndian.PutUint64(o.b[o.wpos:], v)
		o.wpos += 8
	}
}

func (o *OutBuf) PutInt64(v int64) {
	o.PutUint64(uint64(v))
}

func (o *OutBuf) PutBytes(p []byte) {
	if o.ensure(len(p)) {
		copy(o.b[o.wpos:], p)
		o.wpos += len(p)
	}
}

func (o *OutBuf) PutString(s string) {
	if o.ensure(len(s)) {
		copy(o.b[o.wpos:], s)
		o.wpos += len(s)
	}
}

// PutZ writes a null-terminated string.
func (o *OutBuf) PutZ(s string) {
	o.PutString(s)
	o.PutByte(0)
}

// PutNull writes the -1 length marker signalling a NULL column value.
func (o *OutBuf) PutNull() {
	o.PutInt32(-1)
}

// SkipInt reserves four bytes for a length prefix and returns their
// offset for PutLenAt. Returns -1 in overflow state.
func (o *OutBuf) SkipInt() int {
	if !o.ensure(4) {
		return -1
	}
	offset := o.wpos
	o.wpos += 4
	return offset
}

// PutLenAt back-patches a length prefix reserved by SkipInt. The
// length includes the four prefix bytes themselves, per protocol.
func (o *OutBuf) PutLenAt(offset int) {
	if o.err != nil || offset < 0 {
		return
	}
	binary.BigEndian.PutUint32(o.b[offset:], uint32(o.wpos-offset))
}

// FlushToBookmark writes all complete messages to w, discards any
// partial tail (the interrupted emitter re-runs from its own state)
// and clears the overflow flag. Returns the number of bytes flushed.
func (o *OutBuf) FlushToBookmark(w io.Writer) (int, error) {
	n := o.mark
	if n > 0 {
		if _, err := w.Write(o.b[:n]); err != nil {
			return 0, err
		}
	}
	o.wpos = 0
	o.mark = 0
	o.err = nil
	return n, nil
}
