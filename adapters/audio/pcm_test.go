package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	data := Int16ToBytes(samples)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}, data)

	dst := make([]int16, len(samples))
	assert.Equal(t, len(data), BytesToInt16(dst, data))
	assert.Equal(t, samples, dst)
}

func TestBytesToInt16_PadsAndTruncates(t *testing.T) {
	dst := []int16{9, 9, 9}
	consumed := BytesToInt16(dst, []byte{2, 0, 7})
	assert.Equal(t, 2, consumed)
	assert.Equal(t, []int16{2, 0, 0}, dst)

	short := make([]int16, 1)
	consumed = BytesToInt16(short, []byte{1, 0, 2, 0})
	assert.Equal(t, 2, consumed)
	assert.Equal(t, []int16{1}, short)
}
