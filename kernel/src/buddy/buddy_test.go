package buddy

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// newTestHeap carves a small region out of the Go heap for the
// allocator to manage, exactly the way cmd/kernel's initPages carves
// physmem for the real boot path, just scaled down to keep the test
// fast.
func newTestHeap(t *testing.T, leaves uintptr) *Heap_t {
	t.Helper()
	region := make([]byte, (leaves+4)*LeafSize)
	base := uintptr(unsafe.Pointer(&region[0]))
	return Init(base, base+uintptr(len(region)))
}

func TestAllocReturnsDistinctAlignedBlocks(t *testing.T) {
	h := newTestHeap(t, 64)

	a, err := h.Alloc(LeafSize, LeafSize)
	require.NoError(t, err)
	b, err := h.Alloc(LeafSize, LeafSize)
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Zero(t, a%LeafSize)
	require.Zero(t, b%LeafSize)
	require.GreaterOrEqual(t, a, h.Base())
	require.Less(t, a, h.End())
}

func TestAllocRoundsUpToClass(t *testing.T) {
	h := newTestHeap(t, 64)

	addr, err := h.Alloc(LeafSize+1, LeafSize)
	require.NoError(t, err)
	// a request one byte over a leaf must land in the next class up, a
	// block of size 2*LeafSize, so the two buddies framing it are
	// LeafSize apart on each side of a 2*LeafSize-aligned boundary.
	require.Zero(t, addr%(2*LeafSize))
}

func TestDeallocCoalescesWithBuddy(t *testing.T) {
	h := newTestHeap(t, 4)

	a, err := h.Alloc(LeafSize, LeafSize)
	require.NoError(t, err)
	b, err := h.Alloc(LeafSize, LeafSize)
	require.NoError(t, err)

	// after freeing a and b, the freed leaves must coalesce with their
	// free buddies, so a block of twice the leaf size is available
	// again at one of their addresses: coalescing failed if it isn't.
	h.Dealloc(a)
	h.Dealloc(b)

	big, err := h.Alloc(2*LeafSize, LeafSize)
	require.NoError(t, err)
	require.True(t, big == a || big == b)
}

func TestRepeatedAllocFreeReturnsAllMemory(t *testing.T) {
	h := newTestHeap(t, 64)

	var addrs []uintptr
	sizes := []uintptr{LeafSize, 2 * LeafSize, LeafSize, 4 * LeafSize, LeafSize}
	for _, sz := range sizes {
		a, err := h.Alloc(sz, LeafSize)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	for _, a := range addrs {
		h.Dealloc(a)
	}

	// every size class below should now be empty except the single
	// top-level block the whole region coalesced back into.
	whole, err := h.Alloc(h.end-h.base, LeafSize)
	require.NoError(t, err)
	require.Equal(t, h.base, whole)
}

func TestAllocTooLargeFails(t *testing.T) {
	h := newTestHeap(t, 4)

	_, err := h.Alloc(1<<30, LeafSize)
	require.Error(t, err)
}

func TestAllocExhaustionFails(t *testing.T) {
	h := newTestHeap(t, 4)

	// Init keeps the leaves under its metadata for itself; every other
	// leaf of the managed region can be handed out exactly once.
	free := (h.End()-h.Base())/LeafSize - (h.metaFootprint()+LeafSize-1)/LeafSize
	for i := uintptr(0); i < free; i++ {
		_, err := h.Alloc(LeafSize, LeafSize)
		require.NoError(t, err)
	}
	_, err := h.Alloc(LeafSize, LeafSize)
	require.Error(t, err)
}
