package binpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPutGetRoundTrip(t *testing.T) {
	var buf []byte
	buf = PutUint8(buf, 0xAB)
	buf = PutUint16(buf, 0x1234)
	buf = PutUint32(buf, 0xDEADBEEF)
	buf = PutUint64(buf, 0x0102030405060708)
	buf = PutBytes(buf, []byte{1, 2, 3})

	v8, err := GetUint8(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v8)

	v16, err := GetUint16(buf[1:])
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v16)

	v32, err := GetUint32(buf[3:])
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	v64, err := GetUint64(buf[7:])
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)

	tail, err := GetBytes(buf[15:], 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, tail)
}

func TestShortBufferErrors(t *testing.T) {
	_, err := GetUint32([]byte{1, 2})
	require.Error(t, err)
	var bts *BufferTooShort
	require.ErrorAs(t, err, &bts)
	assert.Equal(t, 4, bts.Needed)
	assert.Equal(t, 2, bts.Available)
}

func TestUint32RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32().Draw(t, "v")
		buf := PutUint32(nil, v)
		got, err := GetUint32(buf)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	})
}
