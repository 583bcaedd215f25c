// Package faultlog renders the fatal diagnostic spec §7 requires: guest PC,
// block identifier, and the component that failed. Grounded on wazero's
// internal/wasmdebug.ErrorBuilder, which accumulates call frames and wraps
// an underlying error into one multi-line message; adapted here from a
// Wasm call stack to a single DBI fault site, since the engine has no
// guest call stack of its own to walk.
package faultlog

import (
	"fmt"
	"strings"
)

// Frame is one fault-site annotation: which engine component was active,
// at which guest address, inside which cached block (if known).
type Frame struct {
	Component string
	GuestPC   uint64
	BlockAddr uint64
	HasBlock  bool
}

func (f Frame) String() string {
	if f.HasBlock {
		return fmt.Sprintf("%s: guest pc=%#x (block %#x)", f.Component, f.GuestPC, f.BlockAddr)
	}
	return fmt.Sprintf("%s: guest pc=%#x", f.Component, f.GuestPC)
}

// Builder accumulates frames as an error propagates up through the
// engine's components, the way ErrorBuilder accumulates Wasm call frames.
type Builder struct {
	frames []Frame
}

// New creates an empty Builder.
func New() *Builder { return &Builder{} }

// AddFrame appends one fault-site annotation, outermost call first.
func (b *Builder) AddFrame(component string, guestPC uint64) *Builder {
	b.frames = append(b.frames, Frame{Component: component, GuestPC: guestPC})
	return b
}

// AddBlockFrame is AddFrame plus the enclosing block's first address, for
// components reporting from inside a materialized block.
func (b *Builder) AddBlockFrame(component string, guestPC, blockAddr uint64) *Builder {
	b.frames = append(b.frames, Frame{Component: component, GuestPC: guestPC, BlockAddr: blockAddr, HasBlock: true})
	return b
}

// Build wraps cause with every accumulated frame, most recent first, so
// the innermost fault site reads first in the rendered message.
func (b *Builder) Build(cause error) error {
	if len(b.frames) == 0 {
		return cause
	}
	var sb strings.Builder
	sb.WriteString("dbi: fatal fault\n")
	for i := len(b.frames) - 1; i >= 0; i-- {
		sb.WriteString("\t")
		sb.WriteString(b.frames[i].String())
		sb.WriteString("\n")
	}
	sb.WriteString("caused by: ")
	sb.WriteString(cause.Error())
	return fmt.Errorf("%s: %w", sb.String(), cause)
}
