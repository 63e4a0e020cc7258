package vm

import (
	"mem"

	"defs"
)

// CopyOut walks page-by-page through the user address space starting
// at dstva and bounded-memcpys src into it (spec.md §4.3).
func (pt *Pagetable_t) CopyOut(dstva mem.Va_t, src []uint8) defs.Err_t {
	n := len(src)
	for n > 0 {
		va0 := mem.PGROUNDDOWN(dstva)
		pte, ok := pt.Walk(va0)
		if !ok || !pte.Valid() || pte.Flags()&mem.PTE_U == 0 {
			return defs.EUNSPECIFIED
		}
		pa := pte.Pa()
		off := int(dstva - va0)
		n0 := mem.PGSIZE - off
		if n0 > n {
			n0 = n
		}
		page := mem.Pg2bytes(mem.P2pg(pa))
		copy(page[off:off+n0], src[:n0])
		src = src[n0:]
		n -= n0
		dstva = va0 + mem.Va_t(mem.PGSIZE)
	}
	return 0
}

// CopyIn is CopyOut's mirror: it reads from the user address space into
// dst.
func (pt *Pagetable_t) CopyIn(srcva mem.Va_t, dst []uint8) defs.Err_t {
	n := len(dst)
	for n > 0 {
		va0 := mem.PGROUNDDOWN(srcva)
		pte, ok := pt.Walk(va0)
		if !ok || !pte.Valid() || pte.Flags()&mem.PTE_U == 0 {
			return defs.EUNSPECIFIED
		}
		pa := pte.Pa()
		off := int(srcva - va0)
		n0 := mem.PGSIZE - off
		if n0 > n {
			n0 = n
		}
		page := mem.Pg2bytes(mem.P2pg(pa))
		copy(dst[:n0], page[off:off+n0])
		dst = dst[n0:]
		n -= n0
		srcva = va0 + mem.Va_t(mem.PGSIZE)
	}
	return 0
}

// CopyInStr is CopyIn with early termination on a NUL byte; it reports
// EINVAL if dst fills before NUL is seen (spec.md §4.3).
func (pt *Pagetable_t) CopyInStr(srcva mem.Va_t, dst []uint8) (int, defs.Err_t) {
	got := 0
	for got < len(dst) {
		va0 := mem.PGROUNDDOWN(srcva)
		pte, ok := pt.Walk(va0)
		if !ok || !pte.Valid() || pte.Flags()&mem.PTE_U == 0 {
			return got, defs.EUNSPECIFIED
		}
		pa := pte.Pa()
		off := int(srcva - va0)
		page := mem.Pg2bytes(mem.P2pg(pa))
		for off < mem.PGSIZE && got < len(dst) {
			b := page[off]
			dst[got] = b
			got++
			off++
			if b == 0 {
				return got, 0
			}
		}
		srcva = va0 + mem.Va_t(mem.PGSIZE)
	}
	return got, defs.EINVAL
}

// Address is the sum type spec.md §9 calls for: a copy destination or
// source is either a user virtual address (must go through a page
// table) or a kernel pointer (a plain memcpy). Copy routines that
// accept an Address dispatch on the tag instead of ever casting a user
// address to a kernel pointer.
type Address struct {
	isUser bool
	pt     *Pagetable_t
	uva    mem.Va_t
	kbuf   []uint8
}

// UserAddress builds an Address tagged as a user virtual address,
// resolved against pt.
func UserAddress(pt *Pagetable_t, va mem.Va_t) Address {
	return Address{isUser: true, pt: pt, uva: va}
}

// KernelAddress builds an Address tagged as a kernel buffer.
func KernelAddress(buf []uint8) Address { return Address{kbuf: buf} }

// Skip returns an Address advanced by n bytes, for callers (fs.Iread/
// Iwrite) that copy a logical range block by block and need to offset
// into the same source/destination on each iteration.
func (a Address) Skip(n int) Address {
	if a.isUser {
		return Address{isUser: true, pt: a.pt, uva: a.uva + mem.Va_t(n)}
	}
	return Address{kbuf: a.kbuf[n:]}
}

// ReadAt copies n bytes starting at addr into dst, dispatching on the
// Address tag.
func ReadAt(addr Address, dst []uint8) defs.Err_t {
	if addr.isUser {
		return addr.pt.CopyIn(addr.uva, dst)
	}
	copy(dst, addr.kbuf)
	return 0
}

// WriteAt copies src to addr, dispatching on the Address tag.
func WriteAt(addr Address, src []uint8) defs.Err_t {
	if addr.isUser {
		return addr.pt.CopyOut(addr.uva, src)
	}
	copy(addr.kbuf, src)
	return 0
}
