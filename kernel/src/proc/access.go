package proc

import (
	"defs"
	"fd"
	"fs"
	"limits"
	"upath"
	"vm"
)

// Pagetable returns p's current user page table — package scall needs
// this to resolve user pointers for arg_addr/arg_str (spec.md §4.7).
func (p *Proc_t) Pagetable() *vm.Pagetable_t { return p.pagetable }

// Sz returns p's current user memory size in bytes.
func (p *Proc_t) Sz() int { return p.sz }

// Tf returns p's trapframe, where syscall arguments live (a0..a5).
func (p *Proc_t) Tf() *Trapframe_t { return p.tf }

// Cwd returns p's current-working-directory inode handle.
func (p *Proc_t) Cwd() *fs.Inode_t { return p.cwd }

// CwdPath returns p's canonical working-directory path string
// (getcwd, syscall 24).
func (p *Proc_t) CwdPath() upath.Path { return p.cwdPath }

// SetCwd replaces p's cwd and its canonical path string, dropping the
// old inode reference — used by chdir (syscall 9).
func (p *Proc_t) SetCwd(ip *fs.Inode_t, path upath.Path) {
	old := p.cwd
	p.cwd = ip
	p.cwdPath = path
	if old != nil {
		fs.Icache.Put(old)
	}
}

// SetKilled marks p killed directly, for the trap path's "anything
// else in user mode" case (spec.md §4.4) where there is no pid to Kill
// through — the faulting process is already the caller.
func (p *Proc_t) SetKilled() {
	p.excl.Acquire()
	p.killed = true
	p.excl.Release()
}

// Sbrk grows or shrinks p's address space by n bytes (syscall 12),
// returning the size before the change.
func (p *Proc_t) Sbrk(n int) (int, defs.Err_t) {
	old := p.sz
	if n == 0 {
		return old, 0
	}
	if n > 0 {
		newsz, ok := p.pagetable.UvmAlloc(old, old+n)
		if !ok {
			return 0, defs.ENOMEM
		}
		p.sz = newsz
	} else {
		p.sz = p.pagetable.UvmDealloc(old, old+n)
	}
	return old, 0
}

// Fd looks up an open-file slot, failing with EBADF if n is out of
// range or empty.
func (p *Proc_t) Fd(n int) (*fd.Fd_t, defs.Err_t) {
	if n < 0 || n >= limits.NOFILE || p.ofile[n] == nil {
		return nil, defs.EBADF
	}
	return p.ofile[n], 0
}

// AllocFd installs f in the first free slot, failing with EMFILE if
// the table is full (spec.md §4.7's open/pipe/dup).
func (p *Proc_t) AllocFd(f *fd.Fd_t) (int, defs.Err_t) {
	for i := range p.ofile {
		if p.ofile[i] == nil {
			p.ofile[i] = f
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

// CloseFd drops descriptor n (syscall 21).
func (p *Proc_t) CloseFd(n int) defs.Err_t {
	f, err := p.Fd(n)
	if err != 0 {
		return err
	}
	p.ofile[n] = nil
	return f.Fops.Close()
}
