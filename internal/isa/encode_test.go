package isa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripRType(t *testing.T) {
	word := Add(3, 4, 5)
	in, err := Decode(0, le32(word))
	require.NoError(t, err)
	require.Equal(t, "ADD", in.Mnemonic)
	require.EqualValues(t, 3, in.Rd)
	require.EqualValues(t, 4, in.Rs1)
	require.EqualValues(t, 5, in.Rs2)
}

func TestEncodeDecodeRoundTripIType(t *testing.T) {
	word := Addi(1, 2, -100)
	in, err := Decode(0, le32(word))
	require.NoError(t, err)
	require.Equal(t, "ADDI", in.Mnemonic)
	require.EqualValues(t, -100, in.Imm)
}

func TestEncodeDecodeRoundTripJal(t *testing.T) {
	word := Jal(1, -4096)
	in, err := Decode(0, le32(word))
	require.NoError(t, err)
	require.Equal(t, "JAL", in.Mnemonic)
	require.EqualValues(t, -4096, in.Imm)
}

func TestLoadImmediate64Length(t *testing.T) {
	words := LoadImmediate64(5, 6, 0x0123456789abcdef)
	require.Len(t, words, LoadImmediate64Words)
	for _, w := range words {
		_, err := Decode(0, le32(w))
		require.NoError(t, err, "every emitted word must itself decode")
	}
}

func TestLoadImmediate64Zero(t *testing.T) {
	words := LoadImmediate64(1, 2, 0)
	require.NotEmpty(t, words)
}

func TestRdcycleDecodesAsCSR(t *testing.T) {
	word := Rdcycle(5)
	in, err := Decode(0, le32(word))
	require.NoError(t, err)
	require.Equal(t, "CSR", in.Mnemonic)
	require.EqualValues(t, 5, in.Rd)
}
