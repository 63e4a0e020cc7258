// Package scall implements the syscall numeric dispatch table (spec.md
// §4.7): argument fetch helpers plus one function per syscall number,
// each translating trapframe registers into calls against package proc
// and package fs. Every syscall that touches the file system brackets
// its filesystem work in begin_op/end_op; proc's fs.Namei-facing
// exec and exit already do their own bracketing, so this package only
// adds it around the file-layer operations it calls directly.
package scall

import (
	"encoding/binary"

	"defs"
	"fd"
	"fs"
	"limits"
	"mem"
	"proc"
	"stat"
	"upath"
	"vm"
)

// argInt reads syscall argument n (0-5) from the trapframe's a0..a5.
func argInt(p *proc.Proc_t, n int) uint64 {
	tf := p.Tf()
	switch n {
	case 0:
		return tf.A0
	case 1:
		return tf.A1
	case 2:
		return tf.A2
	case 3:
		return tf.A3
	case 4:
		return tf.A4
	case 5:
		return tf.A5
	}
	panic("scall: argument index out of range")
}

// argAddr reads argument n as a user virtual address, performing no
// validation beyond what CopyIn/CopyOut already do on use (spec.md
// §4.7: "no validation beyond in user size").
func argAddr(p *proc.Proc_t, n int) mem.Va_t { return mem.Va_t(argInt(p, n)) }

// argStr copies a NUL-terminated string argument into buf.
func argStr(p *proc.Proc_t, n int, buf []uint8) (int, defs.Err_t) {
	return p.Pagetable().CopyInStr(argAddr(p, n), buf)
}

func argPath(p *proc.Proc_t, n int) (upath.Path, defs.Err_t) {
	buf := make([]uint8, limits.MAXPATH)
	sz, err := argStr(p, n, buf)
	if err != 0 {
		return nil, err
	}
	return upath.MkPathSlice(buf[:sz]), 0
}

func userbuf(p *proc.Proc_t, va mem.Va_t, n int) *vm.Userbuf_t {
	ub := vm.Ubpool.Get().(*vm.Userbuf_t)
	ub.Ubinit(p.Pagetable(), va, n)
	return ub
}

func putUserbuf(ub *vm.Userbuf_t) { vm.Ubpool.Put(ub) }

// Dispatch runs the syscall numbered num (trap.UserTrap passes the
// trapframe's A7) and returns the value to store in a0 (spec.md §4.4's
// user-ecall path).
func Dispatch(p *proc.Proc_t, num int) uint64 {
	var ret int
	var err defs.Err_t
	switch num {
	case defs.SYS_FORK:
		ret, err = proc.Fork(p)
	case defs.SYS_EXIT:
		proc.Exit(p, int(argInt(p, 0)), InitProc)
		panic("exit returned")
	case defs.SYS_WAIT:
		ret, err = sysWait(p)
	case defs.SYS_PIPE:
		ret, err = sysPipe(p)
	case defs.SYS_READ:
		ret, err = sysRead(p)
	case defs.SYS_KILL:
		ret, err = 0, proc.Kill(int(argInt(p, 0)))
	case defs.SYS_EXEC:
		ret, err = sysExec(p)
	case defs.SYS_FSTAT:
		ret, err = sysFstat(p)
	case defs.SYS_CHDIR:
		ret, err = sysChdir(p)
	case defs.SYS_DUP:
		ret, err = sysDup(p)
	case defs.SYS_GETPID:
		ret, err = p.Pid(), 0
	case defs.SYS_SBRK:
		ret, err = p.Sbrk(int(argInt(p, 0)))
	case defs.SYS_SLEEP:
		ret, err = sysSleep(p)
	case defs.SYS_UPTIME:
		ret, err = int(Ticks.Load()), 0
	case defs.SYS_OPEN:
		ret, err = sysOpen(p)
	case defs.SYS_WRITE:
		ret, err = sysWrite(p)
	case defs.SYS_MKNOD:
		ret, err = sysMknod(p)
	case defs.SYS_UNLINK:
		ret, err = sysUnlink(p)
	case defs.SYS_LINK:
		ret, err = sysLink(p)
	case defs.SYS_MKDIR:
		ret, err = sysMkdir(p)
	case defs.SYS_CLOSE:
		ret, err = 0, p.CloseFd(int(argInt(p, 0)))
	case defs.SYS_FSYNC:
		ret, err = sysFsync(p)
	case defs.SYS_STAT:
		ret, err = sysStatPath(p)
	case defs.SYS_GETCWD:
		ret, err = sysGetcwd(p)
	default:
		err = defs.EINVAL
	}
	if err != 0 {
		return uint64(int64(err))
	}
	return uint64(ret)
}

func sysWait(p *proc.Proc_t) (int, defs.Err_t) {
	addr := argAddr(p, 0)
	pid, status, err := proc.Wait(p)
	if err != 0 {
		return 0, err
	}
	if addr != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(int64(status)))
		if e := p.Pagetable().CopyOut(addr, buf); e != 0 {
			return 0, e
		}
	}
	return pid, 0
}

func sysPipe(p *proc.Proc_t) (int, defs.Err_t) {
	addr := argAddr(p, 0)
	rd, wr, err := fs.MkPipe()
	if err != 0 {
		return 0, err
	}
	rfd, err := p.AllocFd(&fd.Fd_t{Fops: rd, Perms: fd.FD_READ})
	if err != 0 {
		rd.Close()
		wr.Close()
		return 0, err
	}
	wfd, err := p.AllocFd(&fd.Fd_t{Fops: wr, Perms: fd.FD_WRITE})
	if err != 0 {
		p.CloseFd(rfd)
		wr.Close()
		return 0, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rfd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wfd))
	if e := p.Pagetable().CopyOut(addr, buf); e != 0 {
		return 0, e
	}
	return 0, 0
}

func sysRead(p *proc.Proc_t) (int, defs.Err_t) {
	fdn := int(argInt(p, 0))
	va := argAddr(p, 1)
	n := int(argInt(p, 2))
	f, err := p.Fd(fdn)
	if err != 0 {
		return 0, err
	}
	ub := userbuf(p, va, n)
	defer putUserbuf(ub)
	return f.Fops.Read(ub)
}

func sysWrite(p *proc.Proc_t) (int, defs.Err_t) {
	fdn := int(argInt(p, 0))
	va := argAddr(p, 1)
	n := int(argInt(p, 2))
	f, err := p.Fd(fdn)
	if err != 0 {
		return 0, err
	}
	ub := userbuf(p, va, n)
	defer putUserbuf(ub)
	return f.Fops.Write(ub)
}

func sysExec(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	argvAddr := argAddr(p, 1)
	argv, err := readArgv(p, argvAddr)
	if err != 0 {
		return 0, err
	}
	if err := proc.Exec(p, path, argv); err != 0 {
		return 0, err
	}
	return 0, 0
}

const maxArg = 32

// readArgv copies the NUL-terminated argv pointer array, then each
// string it points to, out of user memory.
func readArgv(p *proc.Proc_t, argvAddr mem.Va_t) ([]upath.Path, defs.Err_t) {
	var out []upath.Path
	ptrbuf := make([]byte, 8)
	strbuf := make([]uint8, limits.MAXPATH)
	for i := 0; i < maxArg; i++ {
		if err := p.Pagetable().CopyIn(argvAddr+mem.Va_t(i*8), ptrbuf); err != 0 {
			return nil, err
		}
		ptr := mem.Va_t(binary.LittleEndian.Uint64(ptrbuf))
		if ptr == 0 {
			return out, 0
		}
		sz, err := p.Pagetable().CopyInStr(ptr, strbuf)
		if err != 0 {
			return nil, err
		}
		arg := make(upath.Path, sz)
		copy(arg, strbuf[:sz])
		out = append(out, arg)
	}
	return nil, defs.EINVAL
}

func sysFstat(p *proc.Proc_t) (int, defs.Err_t) {
	fdn := int(argInt(p, 0))
	addr := argAddr(p, 1)
	f, err := p.Fd(fdn)
	if err != 0 {
		return 0, err
	}
	var st stat.Stat_t
	if err := f.Fops.Fstat(&st); err != 0 {
		return 0, err
	}
	if err := p.Pagetable().CopyOut(addr, st.Bytes()); err != 0 {
		return 0, err
	}
	return 0, 0
}

func sysChdir(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	fs.BeginOp()
	ip, err := fs.Namei(p.Cwd(), path)
	if err != 0 {
		fs.EndOp()
		return 0, err
	}
	ip.Lock()
	if ip.Type != defs.T_DIR {
		ip.Unlock()
		fs.Icache.Put(ip)
		fs.EndOp()
		return 0, defs.ENOTDIR
	}
	ip.Unlock()
	fs.EndOp()
	newPath := upath.Canonicalize(p.CwdPath(), path)
	p.SetCwd(ip, newPath)
	return 0, 0
}

func sysDup(p *proc.Proc_t) (int, defs.Err_t) {
	fdn := int(argInt(p, 0))
	f, err := p.Fd(fdn)
	if err != 0 {
		return 0, err
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return 0, err
	}
	return p.AllocFd(nf)
}

func sysSleep(p *proc.Proc_t) (int, defs.Err_t) {
	n := int(argInt(p, 0))
	target := Ticks.Load() + int64(n)
	ticksLock.Acquire()
	for Ticks.Load() < target {
		if p.Killed() {
			ticksLock.Release()
			return 0, defs.ESRCH
		}
		proc.Sleep(ticksChannel, &ticksLock)
	}
	ticksLock.Release()
	return 0, 0
}

func sysOpen(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	flags := int(argInt(p, 1))
	f, err := fs.Open(p.Cwd(), path, flags)
	if err != 0 {
		return 0, err
	}
	fdn, err := p.AllocFd(&fd.Fd_t{Fops: f, Perms: permsOf(flags)})
	if err != 0 {
		f.Close()
		return 0, err
	}
	return fdn, 0
}

func permsOf(flags int) int {
	perms := 0
	if flags&defs.O_WRONLY == 0 {
		perms |= fd.FD_READ
	}
	if flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0 {
		perms |= fd.FD_WRITE
	}
	return perms
}

func sysMknod(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	major := int(argInt(p, 1))
	return 0, fs.Mknod(p.Cwd(), path, major)
}

func sysUnlink(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	return 0, fs.Unlink(p.Cwd(), path)
}

func sysLink(p *proc.Proc_t) (int, defs.Err_t) {
	oldp, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	newp, err := argPath(p, 1)
	if err != 0 {
		return 0, err
	}
	return 0, fs.Link(p.Cwd(), oldp, newp)
}

func sysMkdir(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	return 0, fs.Mkdir(p.Cwd(), path)
}

// sysFsync begins and ends an empty transaction — SPEC_FULL.md's
// addition over the distilled spec.md table, grounded on
// original_source's fsync-less design via fs.Log's own commit path.
// It returns once any commit already in progress has completed; since
// EndOp commits only when no other transaction is open, it does not
// force transactions still open elsewhere to disk.
func sysFsync(p *proc.Proc_t) (int, defs.Err_t) {
	fs.BeginOp()
	fs.EndOp()
	return 0, 0
}

func sysStatPath(p *proc.Proc_t) (int, defs.Err_t) {
	path, err := argPath(p, 0)
	if err != 0 {
		return 0, err
	}
	addr := argAddr(p, 1)
	fs.BeginOp()
	ip, err := fs.Namei(p.Cwd(), path)
	if err != 0 {
		fs.EndOp()
		return 0, err
	}
	ip.Lock()
	var st stat.Stat_t
	ip.Stat(&st)
	ip.Unlock()
	fs.Icache.Put(ip)
	fs.EndOp()
	if err := p.Pagetable().CopyOut(addr, st.Bytes()); err != 0 {
		return 0, err
	}
	return 0, 0
}

func sysGetcwd(p *proc.Proc_t) (int, defs.Err_t) {
	addr := argAddr(p, 0)
	n := int(argInt(p, 1))
	path := p.CwdPath()
	if len(path)+1 > n {
		return 0, defs.ENAMETOOLONG
	}
	buf := make([]uint8, len(path)+1)
	copy(buf, path)
	if err := p.Pagetable().CopyOut(addr, buf); err != 0 {
		return 0, err
	}
	return len(path), 0
}
