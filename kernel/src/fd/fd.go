// Package fd implements the per-process open-file-table entry and the
// current-working-directory handle that syscalls resolve paths
// against (spec.md §3's File handle, §4.7's fd-table operations).
package fd

import (
	"sync"

	"defs"
	"fdops"
	"upath"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t represents one process's open-file-table slot. Fops is an
// interface implemented via a pointer receiver, so copying an Fd_t
// value shares the same underlying file — duplicating a descriptor
// means constructing a second Fd_t pointing at the same Fops and
// calling Reopen to bump its refcount, not deep-copying anything.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by reopening it — used by
// both dup (syscall 10) and fork's open-file-table clone (spec.md §4.6).
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// ClosePanic closes the descriptor and panics on failure — used on
// paths where failure would be a broken invariant, not a user fault
// (e.g. closing a descriptor being cleaned up after exec failure).
func ClosePanic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}

// Cwd_t tracks a process's current working directory: both the open
// directory fd (so namei can start walking from it) and its canonical
// path string (so getcwd and error messages have something to report).
type Cwd_t struct {
	sync.Mutex // serializes concurrent chdirs
	Fd         *Fd_t
	Path       upath.Path
}

// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p upath.Path) upath.Path {
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

// Canonicalpath resolves "." and ".." components of p relative to cwd.
func (cwd *Cwd_t) Canonicalpath(p upath.Path) upath.Path {
	return upath.Canonicalize(cwd.Path, p)
}

// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(f *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: f, Path: upath.MkPathRoot()}
}
