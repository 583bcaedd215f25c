// Package tracelink implements trace-linking (spec §4.4, §9 "Trace-link
// backpatching"): rewriting a materialized exit sequence into a direct
// intra-cache jump once its target is known, instead of round-tripping
// through the dispatcher on every execution. Grounded on wazero's
// compiler-time "relative jump" backpatch approach for forward branches
// within a function (internal/engine/compiler's onion of relocations),
// generalized here across block boundaries via internal/elt.
package tracelink

import (
	"fmt"

	"github.com/rv64dbi/dbi/internal/codecache"
	"github.com/rv64dbi/dbi/internal/elt"
	"github.com/rv64dbi/dbi/internal/isa"
)

// maxJDelta is the largest offset a J-type immediate can encode (signed,
// 2-byte granularity, 21 bits: spec §4.4 "If the offset is not
// representable... fall back to the context switch").
const maxJDelta = 1 << 20

// Linker owns the decision of whether an exit site can be rewritten to a
// direct jump, and performs the rewrite.
type Linker struct {
	elt     *elt.Table
	cache   *codecache.Cache
	enabled bool
}

// New creates a Linker bound to the engine's shared ELT and code cache.
func New(e *elt.Table, c *codecache.Cache) *Linker {
	return &Linker{elt: e, cache: c}
}

// SetEnabled flips trace-linking on or off (spec §6 "EnableTraceLinking").
// It must be called before any block materializes.
func (l *Linker) SetEnabled(enabled bool) { l.enabled = enabled }

// Enabled reports the current setting.
func (l *Linker) Enabled() bool { return l.enabled }

// Reset drops every link and pending backpatch request, for use after a
// code-cache flush invalidates all cache addresses (spec §3 "Ownership").
func (l *Linker) Reset() { l.elt.Flush() }

// TryLinkOrRequest is called by the allocator immediately after emitting an
// exit sequence for a statically known guest target. When trace-linking is
// disabled it does nothing. When enabled, it patches the exit in place if
// the target has already materialized, and otherwise enqueues a backpatch
// request for when the target does materialize (spec §4.4: "If absent, it emits the context switch and
// records a backpatch request").
func (l *Linker) TryLinkOrRequest(site elt.BackpatchSite) error {
	if !l.enabled {
		return nil
	}
	if cacheOffset, ok := l.elt.Resolve(site.Target); ok {
		return l.patch(site, cacheOffset)
	}
	l.elt.RequestBackpatch(site)
	return nil
}

// OnMaterialized records that guestAddr now begins at cacheOffset and, if
// trace-linking is enabled, drains and applies every pending backpatch
// request waiting on guestAddr (spec §9 "materializing a guest target
// drains the matching records").
func (l *Linker) OnMaterialized(guestAddr uint64, cacheOffset int) error {
	l.elt.Link(guestAddr, cacheOffset)
	if !l.enabled {
		return nil
	}
	for _, site := range l.elt.DrainPending(guestAddr) {
		if err := l.patch(site, cacheOffset); err != nil {
			return err
		}
	}
	return nil
}

// patch overwrites the exit sequence at site with a direct jump to
// targetCacheOffset, or leaves it untouched (and marks it linked so it is
// never retried) if the offset does not fit a J-type immediate.
func (l *Linker) patch(site elt.BackpatchSite, targetCacheOffset int) error {
	defer l.elt.MarkLinked(site)

	delta := targetCacheOffset - site.CacheOffset
	if delta >= maxJDelta || delta < -maxJDelta {
		// Range-overflow fallback (spec §4.4): the existing context switch
		// stays in place and this site is not retried.
		return nil
	}
	if site.Len < 4 || site.Len%4 != 0 {
		return fmt.Errorf("tracelink: backpatch site length %d is not a positive multiple of 4", site.Len)
	}

	words := make([]uint32, site.Len/4)
	words[0] = isa.Jal(0, int32(delta))
	for i := 1; i < len(words); i++ {
		words[i] = isa.Nop()
	}

	b := make([]byte, 0, site.Len)
	for _, w := range words {
		b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	if err := l.cache.PatchAt(site.CacheOffset, b); err != nil {
		return err
	}
	return l.cache.SyncRange(site.CacheOffset, site.Len)
}
