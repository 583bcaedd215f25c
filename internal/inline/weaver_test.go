package inline

import (
	"testing"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/isa"
	"github.com/stretchr/testify/require"
)

func TestAppendOrdersWithinSequence(t *testing.T) {
	w := New()
	w.Append(api.ScopeBB, api.PhasePOST, isa.Addi(1, 1, 1))
	w.Append(api.ScopeBB, api.PhasePOST, isa.Addi(1, 1, 2))

	seq := w.Sequence(api.ScopeBB, api.PhasePOST)
	require.Len(t, seq, 2)
	require.Empty(t, w.Sequence(api.ScopeBB, api.PhasePRE))
	require.Empty(t, w.Sequence(api.ScopeInstruction, api.PhasePOST))
}

func TestAppendLoadImmediateGrowsSequence(t *testing.T) {
	w := New()
	w.AppendLoadImmediate(api.ScopeInstruction, api.PhasePRE, 5, 6, 0xdeadbeef)
	require.NotEmpty(t, w.Sequence(api.ScopeInstruction, api.PhasePRE))
}

func TestBytesLittleEndian(t *testing.T) {
	b := Bytes([]uint32{0x01020304})
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b)
}
