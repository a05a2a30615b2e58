package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrameTrimsPayload(t *testing.T) {
	f, err := NewFrame(0x10A, 0x01, 0x02, 0x03)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x10A), f.ID)
	assert.Equal(t, uint8(3), f.Len)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, f.Payload())
}

func TestNewFrameEmptyPayload(t *testing.T) {
	f, err := NewFrame(0x3F0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), f.Len)
	assert.Empty(t, f.Payload())
}

func TestNewFrameRejectsOversizedPayload(t *testing.T) {
	_, err := NewFrame(0x10A, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	assert.Error(t, err)
}

func TestFrameStringIncludesIDAndData(t *testing.T) {
	f, err := NewFrame(0x10A, 0xAB)
	require.NoError(t, err)
	s := f.String()
	assert.Contains(t, s, "10a")
	assert.Contains(t, s, "ab")
}
