// Package buddy implements the power-of-two kernel heap allocator that
// backs all kernel dynamic memory (spec.md §4.2): a contiguous [base,
// end) region, one free-list ring plus alloc/split bitmaps per size
// class.
package buddy

import (
	"container/ring"
	"fmt"
	"sync"
	"unsafe"

	"util"
)

// LeafSize is the smallest block the allocator hands out; it matches
// the page size so the allocator can back both page-table pages and
// small kernel objects.
const LeafSize = 4096

// class describes one power-of-two size class: leafSize*2^level bytes.
type class struct {
	free  *ring.Ring // free-list ring of *blockNode, nil if empty
	nodes map[uintptr]*ring.Ring
}

type blockNode struct {
	addr uintptr
}

// Heap_t is the buddy allocator over one bounded physical region.
type Heap_t struct {
	mu        sync.Mutex
	base      uintptr
	end       uintptr
	leafSize  uintptr
	nlevels   int // classes are [0, nlevels], level k holds 2^k*leafSize blocks
	totalBlocks uintptr // number of leaf-sized blocks the top level covers

	alloc []uint64 // one bit per leaf block: 1 = allocated (any class)
	split []uint64 // one bit per non-leaf block: 1 = split into two children

	classes []class
}

// log2floor returns the largest k such that 1<<k <= v.
func log2floor(v uintptr) int {
	k := 0
	for (uintptr(1) << (k + 1)) <= v {
		k++
	}
	return k
}

// Init receives [start, end), rounds inward to leaf size and manages
// only the largest power-of-two leaf count that fits; End reports where
// that managed region stops, and leaves past it are never handed out.
// The bitmaps and free lists live in ordinary Go memory, but Init still
// reserves a metadata-sized run of leaves at the head of the region.
// No tail range is reserved.
func Init(start, end uintptr) *Heap_t {
	base := util.Roundup(start, uintptr(LeafSize))
	limit := util.Rounddown(end, uintptr(LeafSize))
	if limit <= base {
		panic("buddy: region smaller than one leaf")
	}
	nblocks := (limit - base) / LeafSize
	top := uintptr(1) << log2floor(nblocks)

	h := &Heap_t{
		base:        base,
		leafSize:    LeafSize,
		nlevels:     log2floor(top),
		totalBlocks: top,
	}
	h.end = base + top*LeafSize

	nbits := int(top)
	h.alloc = make([]uint64, (nbits+63)/64)
	h.split = make([]uint64, (nbits+63)/64)
	h.classes = make([]class, h.nlevels+1)
	for i := range h.classes {
		h.classes[i].nodes = make(map[uintptr]*ring.Ring)
	}

	// The whole top-level block starts as one free block...
	h.classes[h.nlevels].push(h.base)

	// ...then we carve out the metadata header by allocating that range
	// up front, the way the teacher's
	// Phys_init marks its own bookkeeping pages used before handing the
	// rest to callers.
	metaBytes := h.metaFootprint()
	h.reserve(base, base+metaBytes)
	return h
}

func (h *Heap_t) metaFootprint() uintptr {
	return uintptr(unsafe.Sizeof(*h)) + uintptr(len(h.alloc)+len(h.split))*8
}

// reserve walks down from the top level, splitting as needed, to mark
// [lo, hi) as permanently allocated. Used only during Init.
func (h *Heap_t) reserve(lo, hi uintptr) {
	for a := util.Rounddown(lo, uintptr(LeafSize)); a < hi; a += LeafSize {
		h.allocExact(a, 0)
	}
}

// allocExact removes the leaf block at address addr from whichever
// free-list ring currently holds it, splitting parents one level at a
// time until the leaf itself is isolated as its own free block.
func (h *Heap_t) allocExact(addr uintptr, level int) {
	k := h.nlevels
	for ; k >= level; k-- {
		blockAddr := util.Rounddown(addr, h.leafSize<<uint(k))
		if _, ok := h.classes[k].nodes[blockAddr]; ok {
			h.classes[k].remove(blockAddr)
			h.splitDownTo(blockAddr, k, addr, level)
			h.setAlloc(addr, level, true)
			return
		}
	}
}

// splitDownTo splits the free block at (blockAddr, fromLevel) one
// level at a time, each time keeping the half that contains target and
// pushing the other half back onto its own class's free list, until
// the block containing target is exactly toLevel in size.
func (h *Heap_t) splitDownTo(blockAddr uintptr, fromLevel int, target uintptr, toLevel int) {
	for j := fromLevel; j > toLevel; j-- {
		h.setSplit(blockAddr, j, true)
		buddy := blockAddr ^ (h.leafSize << uint(j-1))
		lower, upper := util.Min(blockAddr, buddy), util.Max(blockAddr, buddy)
		childLevel := j - 1
		if util.Rounddown(target, h.leafSize<<uint(childLevel)) == lower {
			h.classes[childLevel].push(upper)
			blockAddr = lower
		} else {
			h.classes[childLevel].push(lower)
			blockAddr = upper
		}
	}
}

func (h *Heap_t) blockIndex(addr uintptr, level int) uintptr {
	return (addr - h.base) / (h.leafSize << uint(level))
}

// splitIndex numbers the non-leaf blocks level by level: the blocks of
// level k (k >= 1) take indices [totalBlocks>>k, 2*totalBlocks>>k).
func (h *Heap_t) splitIndex(addr uintptr, level int) uintptr {
	return h.totalBlocks>>uint(level) + h.blockIndex(addr, level)
}

func (h *Heap_t) leafIndex(addr uintptr) uintptr {
	return (addr - h.base) / h.leafSize
}

func bitset(bits []uint64, idx uintptr, v bool) {
	w, b := idx/64, idx%64
	if v {
		bits[w] |= 1 << b
	} else {
		bits[w] &^= 1 << b
	}
}

func bitget(bits []uint64, idx uintptr) bool {
	w, b := idx/64, idx%64
	return bits[w]&(1<<b) != 0
}

func (h *Heap_t) setAlloc(addr uintptr, level int, v bool) {
	bitset(h.alloc, h.leafIndex(addr), v)
}

func (h *Heap_t) setSplit(addr uintptr, level int, v bool) {
	bitset(h.split, h.splitIndex(addr, level), v)
}

func (c *class) push(addr uintptr) {
	n := &blockNode{addr: addr}
	r := ring.New(1)
	r.Value = n
	if c.free == nil {
		c.free = r
	} else {
		c.free.Link(r)
	}
	c.nodes[addr] = r
}

func (c *class) pop() (uintptr, bool) {
	if c.free == nil {
		return 0, false
	}
	r := c.free
	if r.Next() == r {
		c.free = nil
	} else {
		c.free = r.Next()
		r.Prev().Unlink(1)
	}
	n := r.Value.(*blockNode)
	delete(c.nodes, n.addr)
	return n.addr, true
}

func (c *class) remove(addr uintptr) {
	r, ok := c.nodes[addr]
	if !ok {
		panic("buddy: removing absent free block")
	}
	if r.Next() == r {
		c.free = nil
	} else {
		if c.free == r {
			c.free = r.Next()
		}
		r.Prev().Unlink(1)
	}
	delete(c.nodes, addr)
}

// classFor returns the smallest level whose block size is >= need.
func (h *Heap_t) classFor(need uintptr) int {
	size := h.leafSize
	k := 0
	for size < need {
		size <<= 1
		k++
	}
	return k
}

// Alloc returns a LeafSize*2^k-aligned block of at least size bytes,
// per spec.md §4.2: requires align <= PGSIZE, scans upward for a
// non-empty free list, then splits down to the target class.
func (h *Heap_t) Alloc(size, align uintptr) (uintptr, error) {
	if align > LeafSize {
		panic("buddy: alignment exceeds page size")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	k := h.classFor(size)
	if k > h.nlevels {
		return 0, fmt.Errorf("buddy: request too large")
	}
	j := k
	for j <= h.nlevels && h.classes[j].free == nil {
		j++
	}
	if j > h.nlevels {
		return 0, fmt.Errorf("buddy: out of memory")
	}
	addr, _ := h.classes[j].pop()
	for j > k {
		j--
		h.setSplit(addr, j+1, true)
		buddy := addr + (h.leafSize << uint(j))
		h.classes[j].push(buddy)
	}
	h.setAlloc(addr, k, true)
	return addr, nil
}

// Dealloc frees a block previously returned by Alloc, coalescing
// upward with its buddy whenever the buddy is also free.
func (h *Heap_t) Dealloc(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// find the block's size class by scanning the split bitmap upward
	// from the leaf, per spec.md §4.2's dealloc algorithm.
	level := 0
	blockAddr := addr
	for level < h.nlevels {
		if bitget(h.split, h.splitIndex(addr, level+1)) {
			break
		}
		level++
	}

	h.setAlloc(addr, level, false)
	for level < h.nlevels {
		buddy := blockAddr ^ (h.leafSize << uint(level))
		if _, free := h.classes[level].nodes[buddy]; !free {
			break
		}
		h.classes[level].remove(buddy)
		parent := util.Min(blockAddr, buddy)
		h.setSplit(parent, level+1, false)
		blockAddr = parent
		level++
	}
	h.classes[level].push(blockAddr)
}

// Base and End expose the managed region, for callers mapping it into
// the kernel's own page table at boot.
func (h *Heap_t) Base() uintptr { return h.base }
func (h *Heap_t) End() uintptr  { return h.end }
