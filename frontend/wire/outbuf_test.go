package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutBufBackpatchedLength(t *testing.T) {
	o := NewOutBuf(64)

	o.PutByte('C')
	addr := o.SkipInt()
	o.PutZ("SELECT 1")
	o.PutLenAt(addr)
	o.Bookmark()

	assert.NoError(t, o.Err())

	var sink bytes.Buffer
	n, err := o.FlushToBookmark(&sink)
	assert.NoError(t, err)
	assert.Equal(t, 14, n)

	raw := sink.Bytes()
	assert.Equal(t, byte('C'), raw[0])
	// length covers itself but not the type tag
	assert.Equal(t, uint32(13), binary.BigEndian.Uint32(raw[1:]))
	assert.Equal(t, "SELECT 1\x00", string(raw[5:]))
}

func TestOutBufOverflowIsSticky(t *testing.T) {
	o := NewOutBuf(8)

	o.PutUint32(1)
	o.Bookmark()
	o.PutUint32(2)
	assert.NoError(t, o.Err())

	o.PutByte(0xff)
	assert.ErrorIs(t, o.Err(), ErrNoSpace)

	// writes are no-ops now
	o.PutUint32(3)
	assert.ErrorIs(t, o.Err(), ErrNoSpace)
	assert.Equal(t, 8, o.Len())
}

func TestOutBufFlushDiscardsPartialTail(t *testing.T) {
	o := NewOutBuf(16)

	o.PutUint32(0xAABBCCDD)
	o.Bookmark()
	// partial message beyond the bookmark
	o.PutUint64(0x1122334455667788)

	var sink bytes.Buffer
	n, err := o.FlushToBookmark(&sink)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, sink.Bytes())

	// buffer is empty again, overflow state cleared
	assert.Equal(t, 0, o.Len())
	assert.NoError(t, o.Err())
}

func TestOutBufZeroByteFlush(t *testing.T) {
	o := NewOutBuf(4)

	o.PutUint64(1)
	assert.ErrorIs(t, o.Err(), ErrNoSpace)

	var sink bytes.Buffer
	n, err := o.FlushToBookmark(&sink)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOutBufResetToBookmark(t *testing.T) {
	o := NewOutBuf(16)

	o.PutUint32(1)
	o.Bookmark()
	o.PutUint32(2)
	o.PutUint32(3)
	o.ResetToBookmark()

	assert.Equal(t, 4, o.Len())
	assert.NoError(t, o.Err())

	// overflow state is cleared by the reset too
	o.PutBytes(make([]byte, 13))
	assert.ErrorIs(t, o.Err(), ErrNoSpace)
	o.ResetToBookmark()
	assert.NoError(t, o.Err())
	assert.Equal(t, 4, o.Len())
}
