package pipeline

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/livedetect/images"
)

func planes(ySize, uvSize int, fill byte) []images.Plane {
	mk := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = fill
		}
		return b
	}
	return []images.Plane{
		{Data: mk(ySize), RowStride: 8, PixelStride: 1},
		{Data: mk(uvSize), RowStride: 4, PixelStride: 1},
		{Data: mk(uvSize), RowStride: 4, PixelStride: 1},
	}
}

func TestArenaFillCopies(t *testing.T) {
	var a Arena
	src := planes(64, 16, 7)

	got, err := a.Fill(1, src)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, src[0].Data, got[0].Data)
	assert.Equal(t, 8, got[0].RowStride)
	assert.Equal(t, 4, got[1].RowStride)

	src[0].Data[0] = 99
	assert.Equal(t, byte(7), got[0].Data[0], "slot holds a copy")
}

func TestArenaSlotsAreIndependent(t *testing.T) {
	var a Arena

	zero, err := a.Fill(0, planes(64, 16, 1))
	require.NoError(t, err)
	one, err := a.Fill(1, planes(64, 16, 2))
	require.NoError(t, err)

	assert.Equal(t, byte(1), zero[0].Data[0])
	assert.Equal(t, byte(2), one[0].Data[0])
}

func TestArenaSizedByFirstFrame(t *testing.T) {
	var a Arena

	_, err := a.Fill(0, planes(64, 16, 0))
	require.NoError(t, err)

	smaller, err := a.Fill(0, planes(32, 8, 0))
	require.NoError(t, err)
	assert.Len(t, smaller[0].Data, 32)

	_, err = a.Fill(1, planes(128, 16, 0))
	assert.True(t, errors.Is(err, ErrBufferOverflow))
}

func TestArenaRejectsBadInput(t *testing.T) {
	var a Arena

	_, err := a.Fill(NumSlots, planes(8, 2, 0))
	assert.True(t, errors.Is(err, ErrInvalidSlot))

	_, err = a.Fill(0, planes(8, 2, 0)[:2])
	assert.Error(t, err)
}
