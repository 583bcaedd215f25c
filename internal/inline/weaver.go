// Package inline is the inline weaver (spec §4.6): four ordered sequences
// of raw instruction words, {BB, instruction} x {PRE, POST}, consumed by
// the allocator at the corresponding emission points. Grounded on wazero's
// compiler.go emitting a fixed preamble/postamble of machine words around
// compiled operations, generalized here to user-supplied words.
package inline

import (
	"encoding/binary"

	"github.com/rv64dbi/dbi/api"
	"github.com/rv64dbi/dbi/internal/isa"
)

// Weaver holds the four ordered word sequences. Inline bytes are never
// patched once emitted (spec §4.6).
type Weaver struct {
	// [scope][phase], scope in {BB, Instruction}
	sequences [2][2][]uint32
}

// New creates an empty weaver.
func New() *Weaver {
	return &Weaver{}
}

func scopeIndex(scope api.Scope) int {
	if scope == api.ScopeInstruction {
		return 1
	}
	return 0 // ScopeBB; ScopeExit has no inline sequence.
}

// Append adds a single raw instruction word to the sequence for
// (scope, phase).
func (w *Weaver) Append(scope api.Scope, phase api.Phase, word uint32) {
	i := scopeIndex(scope)
	w.sequences[i][phase] = append(w.sequences[i][phase], word)
}

// AppendLoadImmediate appends the canonical load-immediate sequence for
// value into reg, using scratch as the second working register (spec
// §4.6 "A helper converts a 64-bit immediate... into the canonical
// multi-instruction load-immediate sequence and appends it to the active
// sequence").
func (w *Weaver) AppendLoadImmediate(scope api.Scope, phase api.Phase, reg, scratch uint8, value uint64) {
	for _, word := range isa.LoadImmediate64(reg, scratch, value) {
		w.Append(scope, phase, word)
	}
}

// Sequence returns the words registered for (scope, phase), in emission
// order. The returned slice is shared with the weaver and must not be
// mutated.
func (w *Weaver) Sequence(scope api.Scope, phase api.Phase) []uint32 {
	return w.sequences[scopeIndex(scope)][phase]
}

// Bytes renders a word sequence to little-endian bytes, ready for
// codecache.Cache.Append.
func Bytes(words []uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}
