package codecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAdvancesCursor(t *testing.T) {
	c, err := New(64)
	require.NoError(t, err)
	defer c.Close()

	off, err := c.Append([]byte{0x13, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, 0, off)
	require.Equal(t, 4, c.Cursor())

	off2, err := c.Append([]byte{0x01, 0x00})
	require.NoError(t, err)
	require.Equal(t, 4, off2)
	require.Equal(t, 6, c.Cursor())
}

func TestExhaustion(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = c.Append([]byte{5, 6})
	require.Error(t, err)
}

func TestPatchAtWithinWrittenRange(t *testing.T) {
	c, err := New(64)
	require.NoError(t, err)
	defer c.Close()

	off, err := c.Append([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, c.PatchAt(off, []byte{0xef, 0xbe, 0xad, 0xde}))
	require.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, c.Bytes()[off:off+4])
}

func TestPatchAtAheadOfCursorFails(t *testing.T) {
	c, err := New(64)
	require.NoError(t, err)
	defer c.Close()

	err = c.PatchAt(0, []byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestFlushResetsAndBumpsGeneration(t *testing.T) {
	c, err := New(64)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, uint64(0), c.Generation())

	c.Flush()
	require.Equal(t, 0, c.Cursor())
	require.Equal(t, uint64(1), c.Generation())
}
