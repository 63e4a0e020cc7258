package vm

import (
	"sync"

	"defs"
	"mem"
)

// Userbuf_t assists reading and writing user memory through a page
// table, a sequential window over the (uva, len) range it was
// initialized with.
type Userbuf_t struct {
	pt     *Pagetable_t
	userva mem.Va_t
	len    int
	off    int
}

// Ubinit initializes the buffer for the given page table.
func (ub *Userbuf_t) Ubinit(pt *Pagetable_t, uva mem.Va_t, length int) {
	if length < 0 {
		panic("vm: negative userbuf length")
	}
	ub.pt = pt
	ub.userva = uva
	ub.len = length
	ub.off = 0
}

// Addr returns the Address this window currently points at, for
// callers (fs.File_t) that need to hand the underlying copy machinery
// to code that only knows about vm.Address, not Userbuf_t itself.
func (ub *Userbuf_t) Addr() Address {
	return UserAddress(ub.pt, ub.userva+mem.Va_t(ub.off))
}

// Remain returns the number of unread/unwritten bytes left.
func (ub *Userbuf_t) Remain() int { return ub.len - ub.off }

// Totalsz reports the buffer's total size.
func (ub *Userbuf_t) Totalsz() int { return ub.len }

// Uioread copies from user memory into dst.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	return ub.tx(dst, false)
}

// Uiowrite copies src into user memory.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	return ub.tx(src, true)
}

// tx copies min(len(buf), Remain()) bytes, advancing the window's
// offset by however much succeeded, so a short copy can be resumed.
func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	n := len(buf)
	if n > ub.Remain() {
		n = ub.Remain()
	}
	va := ub.userva + mem.Va_t(ub.off)
	var err defs.Err_t
	if write {
		err = ub.pt.CopyOut(va, buf[:n])
	} else {
		err = ub.pt.CopyIn(va, buf[:n])
	}
	if err != 0 {
		return 0, err
	}
	ub.off += n
	return n, 0
}

// Fakeubuf_t implements the Userio_i shape of Userbuf_t but operates on
// a plain kernel buffer. The kernel uses it to run file/pipe code paths
// that expect a user-memory-shaped sink against kernel memory instead
// — the same pattern the teacher's userbuf.go already used, reused here
// for host-side tests that exercise the filesystem stack without a
// real user address space.
type Fakeubuf_t struct {
	fbuf []uint8
	len  int
}

// FakeInit sets up the fake buffer with the provided slice.
func (fb *Fakeubuf_t) FakeInit(buf []uint8) {
	fb.fbuf = buf
	fb.len = len(buf)
}

func (fb *Fakeubuf_t) Remain() int  { return len(fb.fbuf) }
func (fb *Fakeubuf_t) Totalsz() int { return fb.len }

// Addr returns a KernelAddress over the remaining fake buffer.
func (fb *Fakeubuf_t) Addr() Address { return KernelAddress(fb.fbuf) }

func (fb *Fakeubuf_t) tx(buf []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.fbuf, buf)
	} else {
		c = copy(buf, fb.fbuf)
	}
	fb.fbuf = fb.fbuf[c:]
	return c, 0
}

func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t)  { return fb.tx(dst, false) }
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) { return fb.tx(src, true) }

// Ubpool provides reusable Userbuf_t structures to reduce per-syscall
// allocation, matching the teacher's pooling pattern.
var Ubpool = sync.Pool{New: func() interface{} { return new(Userbuf_t) }}
