// Package vm implements the Sv39 three-level page-table walker, the
// per-process address-space lifecycle built on it (uvm_alloc/dealloc/
// copy/clear), and the copy-in/out family that crosses the user
// boundary safely (spec.md §4.3).
package vm

import (
	"unsafe"

	"mem"

	"buddy"
)

// Pages is the physical-page source every address space allocates
// from; it is the kernel heap arena of spec.md §4.2, injected once at
// boot rather than reached through a bare global so tests can hand it
// a small scratch region (spec.md §9: "prefer dependency injection in
// tests").
var Pages *buddy.Heap_t

func allocPage() (mem.Pa_t, bool) {
	addr, err := Pages.Alloc(mem.PGSIZE, mem.PGSIZE)
	if err != nil {
		return 0, false
	}
	pg := mem.P2pg(mem.Pa_t(addr))
	for i := range pg {
		pg[i] = 0
	}
	return mem.Pa_t(addr), true
}

func freePage(pa mem.Pa_t) {
	Pages.Dealloc(uintptr(pa))
}

// Pagetable_t is a pointer to the physical page backing one level of a
// three-level Sv39 page table.
type Pagetable_t struct {
	root mem.Pa_t
}

// New allocates a fresh, zeroed top-level page table.
func New() (*Pagetable_t, bool) {
	pa, ok := allocPage()
	if !ok {
		return nil, false
	}
	return &Pagetable_t{root: pa}, true
}

func (pt *Pagetable_t) page(pa mem.Pa_t) *mem.Pg_t { return mem.P2pg(pa) }

// walk descends the three levels for va, allocating zero-filled child
// tables on missing intermediate entries if alloc is true; returns a
// pointer to the level-0 PTE slot. Returns nil if a table is missing
// and alloc is false, or if allocation fails.
func (pt *Pagetable_t) walk(va mem.Va_t, alloc bool) *mem.Pte_t {
	table := pt.root
	for level := 2; level > 0; level-- {
		pg := pt.page(table)
		idx := mem.Px(level, va)
		pte := mem.Pte_t(pg[idx])
		if pte.Valid() {
			table = pte.Pa()
			continue
		}
		if !alloc {
			return nil
		}
		child, ok := allocPage()
		if !ok {
			return nil
		}
		pg[idx] = uint64(mem.Mkpte(child, mem.PTE_V))
		table = child
	}
	pg := pt.page(table)
	idx := mem.Px(0, va)
	return (*mem.Pte_t)(&ptrTo(pg)[idx])
}

// ptrTo lets us take the address of an element of the [512]uint64
// array underlying a Pg_t reinterpreted as Pte_t, without a second
// unsafe cast at every call site.
func ptrTo(pg *mem.Pg_t) *[512]mem.Pte_t {
	return (*[512]mem.Pte_t)(unsafe.Pointer(pg))
}

// Walk returns the leaf PTE for va without allocating, or ok=false if
// no mapping exists at any level.
func (pt *Pagetable_t) Walk(va mem.Va_t) (mem.Pte_t, bool) {
	p := pt.walk(va, false)
	if p == nil || !p.Valid() {
		return 0, false
	}
	return *p, true
}

// WalkAlloc is Walk but installs missing intermediate tables.
func (pt *Pagetable_t) WalkAlloc(va mem.Va_t) (*mem.Pte_t, bool) {
	p := pt.walk(va, true)
	return p, p != nil
}

// MapPages page-rounds [va, va+size) and installs flags|V on each leaf
// PTE mapping it to the correspondingly-rounded physical range,
// panicking on remap (spec.md §4.3: a programming error).
func (pt *Pagetable_t) MapPages(va mem.Va_t, size int, pa mem.Pa_t, flags mem.Pte_t) bool {
	a := mem.PGROUNDDOWN(va)
	last := mem.PGROUNDDOWN(va + mem.Va_t(size) - 1)
	for {
		pte, ok := pt.WalkAlloc(a)
		if !ok {
			return false
		}
		if pte.Valid() {
			panic("vm: remap")
		}
		*pte = mem.Mkpte(pa, flags|mem.PTE_V)
		if a == last {
			break
		}
		a += mem.Va_t(mem.PGSIZE)
		pa += mem.Pa_t(mem.PGSIZE)
	}
	return true
}

// Unmap clears the leaf mappings in [va, va+npages*PGSIZE), optionally
// freeing the backing physical pages. Every user mapping must be
// unmapped this way before the page table itself is dropped (spec.md
// §4.3).
func (pt *Pagetable_t) Unmap(va mem.Va_t, npages int, freeing bool) {
	if uintptr(va)%uintptr(mem.PGSIZE) != 0 {
		panic("vm: unmap: unaligned va")
	}
	for i := 0; i < npages; i++ {
		a := va + mem.Va_t(i*mem.PGSIZE)
		pte := pt.walk(a, false)
		if pte == nil || !pte.Valid() {
			continue
		}
		if !pte.Leaf() {
			panic("vm: unmap: not a leaf")
		}
		if freeing {
			freePage(pte.Pa())
		}
		*pte = 0
	}
}

// Drop frees only the non-leaf child tables of pt; the caller must
// already have unmapped every user leaf mapping via Unmap(...,
// freeing=true), and must unmap TRAMPOLINE/TRAPFRAME with freeing=false
// first (spec.md §4.3 — the trampoline is shared and static; the
// trapframe is a leaf freed separately by its owner).
func (pt *Pagetable_t) Drop() {
	pt.dropLevel(pt.root, 2)
}

func (pt *Pagetable_t) dropLevel(table mem.Pa_t, level int) {
	pg := pt.page(table)
	ptes := ptrTo(pg)
	for _, pte := range ptes {
		if pte.Valid() && !pte.Leaf() && level > 0 {
			pt.dropLevel(pte.Pa(), level-1)
		} else if pte.Valid() && pte.Leaf() {
			panic("vm: drop: leaf mapping still present")
		}
	}
	freePage(table)
}

// Satp returns the value to load into the satp CSR to activate pt:
// mode=8 (Sv39) in the top 4 bits, physical page number of the root in
// the low 44 bits.
func (pt *Pagetable_t) Satp() uint64 {
	const modeSv39 = uint64(8) << 60
	return modeSv39 | (uint64(pt.root) >> mem.PGSHIFT)
}

// Root exposes the root page's physical address, e.g. for the trap
// frame's kernel-satp field.
func (pt *Pagetable_t) Root() mem.Pa_t { return pt.root }
