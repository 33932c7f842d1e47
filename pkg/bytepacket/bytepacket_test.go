package bytepacket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	surgeerrors "github.com/omalloc/surge/pkg/errors"
)

func TestRoundTripPrimitives(t *testing.T) {
	p := New(15)
	require.NoError(t, p.WriteU8(0xAB))
	require.NoError(t, p.WriteU16(0x1234))
	require.NoError(t, p.WriteU32(0xDEADBEEF))
	require.NoError(t, p.WriteU64(0x0102030405060708))

	p.Seek(0)
	v8, err := p.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v8)

	v16, err := p.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v16)

	v32, err := p.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)

	v64, err := p.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)
}

func TestReadPastEndReturnsEndOfBuffer(t *testing.T) {
	p := New(1)
	_, err := p.ReadU64()
	require.Error(t, err)
	assert.True(t, surgeerrors.Is(err, surgeerrors.KindEndOfBuffer))
}

func TestWriteBufferOverflowLeavesBufferUnchanged(t *testing.T) {
	p := New(4)
	require.NoError(t, p.WriteU8(0x11))
	before := append([]byte(nil), p.GetBuffer()...)

	err := p.WriteBuffer([]byte{1, 2, 3, 4, 5})
	require.Error(t, err)
	assert.True(t, surgeerrors.Is(err, surgeerrors.KindEndOfBuffer))
	assert.Equal(t, before, p.GetBuffer())
}

func TestSeekAndStepClamp(t *testing.T) {
	p := New(4)
	p.Seek(-10)
	assert.Equal(t, 0, p.Cursor())
	p.Seek(100)
	assert.Equal(t, 4, p.Cursor())
	p.Seek(2)
	p.Step(-100)
	assert.Equal(t, 0, p.Cursor())
}

func TestFromWrapsWithoutCopy(t *testing.T) {
	b := []byte{1, 2, 3}
	p := From(b)
	v, err := p.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v)

	b[1] = 9
	assert.Equal(t, uint8(9), p.GetBuffer()[1])
}
