package vm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"buddy"
	"mem"
)

// TestMain backs Pages with a small scratch arena for the duration of
// the package's tests, the same injection cmd/kernel's initPages does
// at boot, just sized for a handful of page tables instead of a whole
// guest's worth of RAM.
func TestMain(m *testing.M) {
	arena := make([]byte, 256*mem.PGSIZE)
	base := uintptr(unsafe.Pointer(&arena[0]))
	Pages = buddy.Init(base, base+uintptr(len(arena)))
	m.Run()
}

func TestWalkAllocThenWalkFindsSameLeaf(t *testing.T) {
	pt, ok := New()
	require.True(t, ok)

	va := mem.Va_t(0x1000)
	pte, ok := pt.WalkAlloc(va)
	require.True(t, ok)
	pa, ok := allocPage()
	require.True(t, ok)
	*pte = mem.Mkpte(pa, mem.PTE_V|mem.PTE_R|mem.PTE_W)

	got, ok := pt.Walk(va)
	require.True(t, ok)
	require.Equal(t, pa, got.Pa())
}

func TestWalkWithoutMappingFails(t *testing.T) {
	pt, ok := New()
	require.True(t, ok)

	_, ok = pt.Walk(mem.Va_t(0x2000))
	require.False(t, ok)
}

func TestUvmAllocMapsRequestedRange(t *testing.T) {
	pt, ok := New()
	require.True(t, ok)

	newsz, ok := pt.UvmAlloc(0, 3*mem.PGSIZE)
	require.True(t, ok)
	require.Equal(t, 3*mem.PGSIZE, newsz)

	for va := mem.Va_t(0); va < mem.Va_t(newsz); va += mem.Va_t(mem.PGSIZE) {
		pte, ok := pt.Walk(va)
		require.True(t, ok, "va %#x should be mapped", va)
		require.True(t, pte.Leaf())
	}
}

func TestUvmDeallocUnmapsShrunkenPages(t *testing.T) {
	pt, ok := New()
	require.True(t, ok)

	sz, ok := pt.UvmAlloc(0, 4*mem.PGSIZE)
	require.True(t, ok)

	shrunk := pt.UvmDealloc(sz, 2*mem.PGSIZE)
	require.Equal(t, 2*mem.PGSIZE, shrunk)

	_, ok = pt.Walk(mem.Va_t(3 * mem.PGSIZE))
	require.False(t, ok, "page beyond the shrunk size must be unmapped")

	_, ok = pt.Walk(mem.Va_t(0))
	require.True(t, ok, "page within the shrunk size must stay mapped")
}

func TestUvmCopyProducesIndependentIdenticalPages(t *testing.T) {
	src, ok := New()
	require.True(t, ok)
	sz, ok := src.UvmAlloc(0, 2*mem.PGSIZE)
	require.True(t, ok)

	srcPte0, ok := src.Walk(mem.Va_t(0))
	require.True(t, ok)
	srcPage := mem.Pg2bytes(mem.P2pg(srcPte0.Pa()))
	for i := range srcPage {
		srcPage[i] = byte(i)
	}

	dst, ok := New()
	require.True(t, ok)
	require.True(t, src.UvmCopy(dst, sz))

	dstPte0, ok := dst.Walk(mem.Va_t(0))
	require.True(t, ok)
	require.NotEqual(t, srcPte0.Pa(), dstPte0.Pa(), "copy must allocate a distinct physical page")

	dstPage := mem.Pg2bytes(mem.P2pg(dstPte0.Pa()))
	require.Equal(t, srcPage[:], dstPage[:])

	// mutating the child's copy must never be visible through the
	// parent's mapping: this is a deep copy, not a shared COW page.
	dstPage[0] = 0xff
	require.NotEqual(t, dstPage[0], srcPage[0])
}

func TestDropPanicsOnUnfreedLeaf(t *testing.T) {
	pt, ok := New()
	require.True(t, ok)
	_, ok = pt.UvmAlloc(0, mem.PGSIZE)
	require.True(t, ok)

	require.Panics(t, func() { pt.Drop() })
}

func TestDropSucceedsAfterUnmap(t *testing.T) {
	pt, ok := New()
	require.True(t, ok)
	sz, ok := pt.UvmAlloc(0, mem.PGSIZE)
	require.True(t, ok)

	pt.Unmap(mem.Va_t(0), sz/mem.PGSIZE, true)
	require.NotPanics(t, func() { pt.Drop() })
}
