// Package elt implements the exit-link table and the trace linker's
// backpatch request queue (spec §2 item 4, §4.4, §9 "Trace-link
// backpatching"). Entries only ever point at the first byte of a cached
// block or a stub (spec §3 invariant (c)).
package elt

import "fmt"

// SiteKind distinguishes which arm of a branch a backpatch site rewrites.
type SiteKind byte

const (
	SiteDirectJump SiteKind = iota
	SiteBranchTaken
	SiteBranchFallThrough
)

// BackpatchSite is a pending rewrite request: when Target materializes,
// the bytes at [CacheOffset, CacheOffset+Len) should be replaced with a
// direct branch to the target's cache address (spec §4.4 "it first
// consults ELT for the target... If absent, it emits the context switch
// and records a backpatch request").
type BackpatchSite struct {
	Target     uint64
	CacheOffset int
	Len        int
	Kind       SiteKind
}

// Table maps a guest target address to its cache address, plus the queue
// of not-yet-satisfied backpatch requests.
type Table struct {
	byTarget map[uint64]int
	pending  map[uint64][]BackpatchSite

	// linked tracks which (site) pairs have already been patched, so
	// backpatching stays monotone: a link is installed at most once per
	// site (spec §4.4 "Backpatching is monotone").
	linked map[int]bool
}

// New creates an empty exit-link table.
func New() *Table {
	return &Table{
		byTarget: make(map[uint64]int),
		pending:  make(map[uint64][]BackpatchSite),
		linked:   make(map[int]bool),
	}
}

// Resolve returns the cache address for a guest target, if materialized.
func (t *Table) Resolve(guestTarget uint64) (cacheOffset int, ok bool) {
	cacheOffset, ok = t.byTarget[guestTarget]
	return
}

// Link records that guestTarget now begins at cacheOffset (the first byte
// of a cached block or a stub, per spec §3 invariant (c)).
func (t *Table) Link(guestTarget uint64, cacheOffset int) {
	t.byTarget[guestTarget] = cacheOffset
}

// RequestBackpatch enqueues a rewrite to perform once guestTarget
// materializes.
func (t *Table) RequestBackpatch(site BackpatchSite) {
	t.pending[site.Target] = append(t.pending[site.Target], site)
}

// DrainPending returns and clears the backpatch requests waiting on
// guestTarget, for the caller (the trace linker) to apply exactly once
// each (spec §9 "materializing a guest target drains the matching
// records").
func (t *Table) DrainPending(guestTarget uint64) []BackpatchSite {
	sites := t.pending[guestTarget]
	delete(t.pending, guestTarget)
	var fresh []BackpatchSite
	for _, s := range sites {
		if t.linked[siteKey(s)] {
			continue
		}
		fresh = append(fresh, s)
	}
	return fresh
}

// MarkLinked records that a site has been patched, enforcing the
// at-most-once guarantee even if DrainPending is somehow called twice for
// the same target.
func (t *Table) MarkLinked(s BackpatchSite) {
	t.linked[siteKey(s)] = true
}

func siteKey(s BackpatchSite) int {
	// A backpatch site is uniquely identified by its cache offset: two
	// sites never share an offset because the cache is append-only.
	return s.CacheOffset
}

// Flush drops every entry; a code-cache flush invalidates all cache
// addresses (spec §3 "Ownership": "the cache owns the bytes they point to
// and invalidates all ELT entries on flush").
func (t *Table) Flush() {
	t.byTarget = make(map[uint64]int)
	t.pending = make(map[uint64][]BackpatchSite)
	t.linked = make(map[int]bool)
}

// String is used only for diagnostics (spec §7 fatal-error messages).
func (s BackpatchSite) String() string {
	return fmt.Sprintf("backpatch{target=%#x offset=%d len=%d kind=%d}", s.Target, s.CacheOffset, s.Len, s.Kind)
}
