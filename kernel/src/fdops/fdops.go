// Package fdops defines the interfaces every open-file-table entry and
// every in-kernel I/O consumer is built against: Fdops_i unifies
// regular files, device files and pipe endpoints behind one handle
// (spec.md §4.11), and Userio_i abstracts over a real user buffer or a
// kernel-side fake one (spec.md §9's Address/Userbuf pattern).
package fdops

import (
	"defs"
	"stat"
)

// Userio_i is satisfied by vm.Userbuf_t and vm.Fakeubuf_t: a sequential
// window that can be read from or written into, reporting how much of
// itself remains.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Pollmsg_t / Ready_t describe what a caller is waiting for when it
// would otherwise block on a file descriptor — not pollable waiting
// itself (no select/poll syscall is in scope). The types are only
// declared here; no read path in this tree reports them.
type Ready_t uint8

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
)

type Pollmsg_t struct {
	Events Ready_t
}

// Fdops_i is the operation set every Fd_t.Fops implements: regular
// files, device files (a major registered in fs.Devices; only the
// console registers one) and pipe
// endpoints all satisfy it (spec.md §4.11).
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(*stat.Stat_t) defs.Err_t
	Lseek(off int, whence int) (int, defs.Err_t)
	Read(dst Userio_i) (int, defs.Err_t)
	Write(src Userio_i) (int, defs.Err_t)
	// Reopen bumps whatever reference count backs this descriptor; used
	// by dup and fork, which share one Fops across two Fd_t values.
	Reopen() defs.Err_t
}

// Seek whence values, matching the teacher's lseek encoding.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)
