// Package stub implements shared stub regions (spec §4.5): a block exit to
// a given target shares one context-switch trampoline with every other
// exit to that same target, rather than each call site carrying its own
// copy. A call site instead emits a short direct jump to a live instance
// within reach, keeping the branch within a direct jump's encodable range.
// Grounded on wazero's compiler backend planting one relocatable "exit"
// trampoline per distinct exit code and referencing it via short branches
// from many call sites (internal/engine/compiler's onCompileExitOperation
// callers), adapted here to a reachability-bounded shared stub per guest
// target instead of per exit-status code.
package stub

import (
	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/inline"
)

// MaxReach bounds how far, in bytes of cache offset, a call site may sit
// from a stub instance it references, conservatively inside the ±1<<20-byte
// range a J-type immediate can encode, with headroom for the call site's own short jump
// and whatever else is emitted around it (spec §4.5 "tracked against a
// reachability bound... a fresh stub is planted once call sites drift
// beyond it").
const MaxReach = 1 << 19

// Manager plants and reuses stub instances, keyed by an opaque identifier
// the caller chooses (a guest target address for statically known exits,
// or a fixed sentinel for the indirect-jump and syscall shared tails).
type Manager struct {
	cache     *codecache.Cache
	instances map[uint64][]int // key -> ascending cache offsets of live instances
}

// New creates a Manager writing into cache.
func New(cache *codecache.Cache) *Manager {
	return &Manager{cache: cache, instances: make(map[uint64][]int)}
}

// EntryFor returns the cache offset of a stub instance for key reachable
// from callSiteOffset, planting a fresh one (via build) if none is in
// range. build is called at most once per plant and must return the
// stub's fixed instruction words.
func (m *Manager) EntryFor(callSiteOffset int, key uint64, build func() []uint32) (int, error) {
	for _, off := range m.instances[key] {
		if within(callSiteOffset, off) {
			return off, nil
		}
	}
	off, err := m.cache.Append(inline.Bytes(build()))
	if err != nil {
		return 0, err
	}
	m.instances[key] = append(m.instances[key], off)
	return off, nil
}

// Count reports how many live instances exist for key, for diagnostics and
// tests.
func (m *Manager) Count(key uint64) int { return len(m.instances[key]) }

// Flush drops every tracked instance; the caller is responsible for
// flushing the underlying cache too (spec §4.1: a cache flush invalidates
// every cache address, stubs included).
func (m *Manager) Flush() {
	m.instances = make(map[uint64][]int)
}

func within(callSiteOffset, stubOffset int) bool {
	d := callSiteOffset - stubOffset
	if d < 0 {
		d = -d
	}
	return d <= MaxReach
}
