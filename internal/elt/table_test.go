package elt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinkAndResolve(t *testing.T) {
	tbl := New()
	_, ok := tbl.Resolve(0x100)
	require.False(t, ok)

	tbl.Link(0x100, 64)
	off, ok := tbl.Resolve(0x100)
	require.True(t, ok)
	require.Equal(t, 64, off)
}

func TestBackpatchDrainIsOneShot(t *testing.T) {
	tbl := New()
	site := BackpatchSite{Target: 0x200, CacheOffset: 16, Len: 4, Kind: SiteDirectJump}
	tbl.RequestBackpatch(site)

	got := tbl.DrainPending(0x200)
	require.Len(t, got, 1)
	require.Equal(t, site, got[0])

	again := tbl.DrainPending(0x200)
	require.Empty(t, again)
}

func TestMarkLinkedSkipsOnRedraw(t *testing.T) {
	tbl := New()
	site := BackpatchSite{Target: 0x300, CacheOffset: 8, Len: 4}
	tbl.RequestBackpatch(site)
	tbl.MarkLinked(site)

	got := tbl.DrainPending(0x300)
	require.Empty(t, got)
}

func TestFlushClears(t *testing.T) {
	tbl := New()
	tbl.Link(1, 2)
	tbl.RequestBackpatch(BackpatchSite{Target: 3, CacheOffset: 4})
	tbl.Flush()

	_, ok := tbl.Resolve(1)
	require.False(t, ok)
	require.Empty(t, tbl.DrainPending(3))
}
