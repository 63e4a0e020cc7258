package vm

import "mem"

// UvmAlloc allocates zeroed physical pages and maps them with
// {R,W,X,U} permissions to cover the half-open virtual range
// [round_up(old), new). On any failure it rolls back via UvmDealloc
// and returns the original size (spec.md §4.3).
func (pt *Pagetable_t) UvmAlloc(old, new int) (int, bool) {
	if new <= old {
		return old, true
	}
	a := mem.PGROUNDUP(mem.Va_t(old))
	for ; a < mem.Va_t(new); a += mem.Va_t(mem.PGSIZE) {
		pa, ok := allocPage()
		if !ok {
			pt.UvmDealloc(int(a), old)
			return old, false
		}
		flags := mem.PTE_R | mem.PTE_W | mem.PTE_X | mem.PTE_U
		if !pt.MapPages(a, mem.PGSIZE, pa, flags) {
			freePage(pa)
			pt.UvmDealloc(int(a), old)
			return old, false
		}
	}
	return new, true
}

// UvmDealloc unmaps and frees pages in (new, old], per spec.md §4.3
// (and the Open Question resolution in §9: shrinking always frees the
// underlying pages, never leaves them mapped-but-inaccessible).
func (pt *Pagetable_t) UvmDealloc(old, new int) int {
	if new >= old {
		return old
	}
	loOld := mem.PGROUNDUP(mem.Va_t(old))
	loNew := mem.PGROUNDUP(mem.Va_t(new))
	if loNew < loOld {
		npages := int(loOld-loNew) / mem.PGSIZE
		pt.Unmap(loNew, npages, true)
	}
	return new
}

// UvmCopy allocates a fresh physical page for each mapped page in
// [0, size), copies its content, and installs it in dst with the same
// permissions (spec.md §4.3 — a direct copy, not copy-on-write: the
// spec explicitly drops the teacher's COW fork in favor of this
// simpler, testable semantics).
func (pt *Pagetable_t) UvmCopy(dst *Pagetable_t, size int) bool {
	for va := mem.Va_t(0); va < mem.Va_t(size); va += mem.Va_t(mem.PGSIZE) {
		pte, ok := pt.Walk(va)
		if !ok || !pte.Valid() {
			continue
		}
		srcPa := pte.Pa()
		dstPa, ok := allocPage()
		if !ok {
			dst.Unmap(0, int(va)/mem.PGSIZE, true)
			return false
		}
		copy(mem.Pg2bytes(mem.P2pg(dstPa))[:], mem.Pg2bytes(mem.P2pg(srcPa))[:])
		if !dst.MapPages(va, mem.PGSIZE, dstPa, pte.Flags()) {
			freePage(dstPa)
			dst.Unmap(0, int(va)/mem.PGSIZE, true)
			return false
		}
	}
	return true
}

// UvmClear clears the U bit of the mapping at va, installing a guard
// page below the user stack that traps on user access.
func (pt *Pagetable_t) UvmClear(va mem.Va_t) {
	pte := pt.walk(va, false)
	if pte == nil {
		panic("vm: uvm_clear: no mapping")
	}
	*pte &^= mem.PTE_U
}
