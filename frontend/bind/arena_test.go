package bind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func valueArea(values ...[]byte) []byte {
	var out []byte
	for _, v := range values {
		var hdr [4]byte
		if v == nil {
			binary.BigEndian.PutUint32(hdr[:], 0xffffffff) // -1, NULL
			out = append(out, hdr[:]...)
			continue
		}
		binary.BigEndian.PutUint32(hdr[:], uint32(len(v)))
		out = append(out, hdr[:]...)
		out = append(out, v...)
	}
	return out
}

func TestArenaIngestComplete(t *testing.T) {
	var a Arena
	payload := valueArea([]byte("abc"), nil, []byte{0, 0, 0, 42})

	a.Begin(3)
	consumed, err := a.Ingest(payload)
	assert.NoError(t, err)
	assert.Equal(t, len(payload), consumed)
	assert.Equal(t, payload, a.Bytes())
}

func TestArenaIngestTrailingBytesNotConsumed(t *testing.T) {
	var a Arena
	payload := append(valueArea([]byte("x")), 0x00, 0x01 /* result format section */)

	a.Begin(1)
	consumed, err := a.Ingest(payload)
	assert.NoError(t, err)
	assert.Equal(t, len(payload)-2, consumed)
}

func TestArenaIngestResumesAcrossPartialReads(t *testing.T) {
	var a Arena
	payload := valueArea([]byte("hello"), []byte("world!"))

	a.Begin(2)
	// split mid-value and mid-header
	consumed1, err := a.Ingest(payload[:6])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 6, consumed1)

	consumed2, err := a.Ingest(payload[6:11])
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 5, consumed2)

	consumed3, err := a.Ingest(payload[11:])
	assert.NoError(t, err)
	assert.Equal(t, len(payload), consumed1+consumed2+consumed3)
	assert.Equal(t, payload, a.Bytes())
}

func TestArenaBeginResetsShortWrite(t *testing.T) {
	var a Arena
	payload := valueArea([]byte("hello"))

	a.Begin(1)
	_, err := a.Ingest(payload[:3])
	assert.ErrorIs(t, err, ErrIncomplete)

	// a fresh BIND attempt starts from the arena base again
	a.Begin(1)
	_, err = a.Ingest(payload)
	assert.NoError(t, err)
	assert.Equal(t, payload, a.Bytes())
}

func TestArenaGrowsByDoubling(t *testing.T) {
	var a Arena
	big := make([]byte, 1000)
	payload := valueArea(big)

	a.Begin(1)
	_, err := a.Ingest(payload)
	assert.NoError(t, err)
	assert.Equal(t, len(payload), len(a.Bytes()))
	assert.Equal(t, 1024, len(a.buf))

	a.Release()
	assert.Equal(t, 0, len(a.Bytes()))
}

func TestCeilPow2(t *testing.T) {
	assert.Equal(t, 1, ceilPow2(1))
	assert.Equal(t, 8, ceilPow2(5))
	assert.Equal(t, 1024, ceilPow2(1000))
	assert.Equal(t, 1024, ceilPow2(1024))
}
