package txstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert := assert.New(t)
	cases := map[TXStatus]string{
		TXStatus('I'): "IDLE",
		TXStatus('E'): "ERROR",
		TXStatus('T'): "ACTIVE",
		TXStatus(0):   "invalid",
	}
	for status, expect := range cases {
		assert.Equal(expect, status.String())
	}
}
