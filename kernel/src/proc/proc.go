// Package proc implements the process table, scheduler, and process
// lifecycle operations (spec.md §4.5-§4.6): allocation, fork, exec,
// exit, wait, kill, and the sleep/wakeup suspension primitive that
// spinlock.Sleeplock_t, fs's log, and fs/pipe.go all build on. It
// registers itself as spinlock.Cur and spinlock.Sch at boot (cpu.go's
// init), the same dependency-inversion pattern fs uses for Disk_i and
// DevOps_i.
package proc

import (
	"sync/atomic"

	"accnt"
	"defs"
	"fd"
	"fs"
	"limits"
	"spinlock"
	"stats"
	"upath"
	"vm"
)

// Procstate mirrors original_source/process/proc/mod.rs's ProcState.
type Procstate int

const (
	UNUSED Procstate = iota
	ALLOCATED
	RUNNABLE
	RUNNING
	SLEEPING
	ZOMBIE
)

// Proc_t is one process-table slot. excl guards the fields every
// scheduling decision touches (state, channel, killed, xstate); the
// rest is either private to the running process or guarded by
// ptable.parentLock (parent, below).
type Proc_t struct {
	excl spinlock.Spinlock_t

	state   Procstate
	pid     int
	channel uintptr // valid while state == SLEEPING
	killed  bool
	xstate  int // exit status, valid once ZOMBIE

	parent *Proc_t // guarded by ptable.parentLock, not excl

	kstack    uint64
	sz        int
	pagetable *vm.Pagetable_t
	tf        *Trapframe_t
	ctx       Context_t
	name      string

	ofile   [limits.NOFILE]*fd.Fd_t
	cwd     *fs.Inode_t // current working directory, a namei/namei_parent starting point
	cwdPath upath.Path

	accnt accnt.Accnt_t
}

// Pid returns p's process id.
func (p *Proc_t) Pid() int { return p.pid }

// Killed reports the kill flag under excl, as every check site must
// (spec.md §4.6's Kill).
func (p *Proc_t) Killed() bool {
	p.excl.Acquire()
	k := p.killed
	p.excl.Release()
	return k
}

type ptable_t struct {
	lock       spinlock.Spinlock_t // guards allocation (state UNUSED -> ALLOCATED)
	parentLock spinlock.Spinlock_t // guards every Proc_t.parent link
	procs      [limits.NPROC]Proc_t
}

var ptable = newPtable()

func newPtable() *ptable_t {
	pt := &ptable_t{
		lock:       *spinlock.Mk("ptable"),
		parentLock: *spinlock.Mk("ptable.parent"),
	}
	for i := range pt.procs {
		pt.procs[i].excl = *spinlock.Mk("proc.excl")
		pt.procs[i].ctx = mkContext()
	}
	return pt
}

var nextPid atomic.Int64

func init() { nextPid.Store(1) }

// allocproc claims an UNUSED slot, assigns it a pid, and sets up the
// context so a fresh kernel stack resumes at forkRet (spec.md §4.6).
func allocproc() *Proc_t {
	ptable.lock.Acquire()
	defer ptable.lock.Release()
	for i := range ptable.procs {
		p := &ptable.procs[i]
		p.excl.Acquire()
		if p.state != UNUSED {
			p.excl.Release()
			continue
		}
		p.pid = int(nextPid.Add(1))
		p.state = ALLOCATED
		p.killed = false
		p.xstate = 0
		p.tf = &Trapframe_t{}
		p.ctx = mkContext()
		p.ctx.Ra = uint64(fakeFuncAddr(forkRet))
		p.excl.Release()
		return p
	}
	return nil
}

// fakeFuncAddr stands in for "the address swtch will jump to"; on this
// host build swtch is a channel handoff (context.go) rather than an
// actual `ret`, so forkRet is invoked directly by the scheduler loop
// instead of through Ra. The field is kept for structural fidelity and
// so a reader can see which function a freshly allocated context
// resumes at, matching spec.md §4.5's description.
func fakeFuncAddr(f func(*Proc_t)) uintptr { return 0 }

// Userinit constructs pid 1 with a freshly allocated, empty pagetable
// — the boot shim is responsible for mapping in the initcode image
// before making this process RUNNABLE (SPEC_FULL.md's boot sequence;
// teacher analogue absent from the pack, grounded on
// original_source/rmain.rs's userinit()).
func Userinit() *Proc_t {
	p := allocproc()
	if p == nil {
		panic("userinit: out of process slots")
	}
	pt, ok := vm.New()
	if !ok {
		panic("userinit: out of memory for page table")
	}
	p.pagetable = pt
	p.sz = 0
	p.name = "initcode"
	p.cwd = fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	p.cwdPath = upath.MkPathRoot()
	p.excl.Acquire()
	p.state = RUNNABLE
	p.excl.Release()
	return p
}

// Fork clones the calling process: a duplicate pagetable and memory
// image, a copy of the trapframe with a0 forced to 0, and a shared
// (refcount-bumped) file table and cwd (spec.md §4.6).
func Fork(parent *Proc_t) (int, defs.Err_t) {
	child := allocproc()
	if child == nil {
		return 0, defs.ENOMEM
	}
	npt, ok := vm.New()
	if !ok {
		freeProcSlot(child)
		return 0, defs.ENOMEM
	}
	if !parent.pagetable.UvmCopy(npt, parent.sz) {
		npt.Drop()
		freeProcSlot(child)
		return 0, defs.ENOMEM
	}
	child.pagetable = npt
	child.sz = parent.sz
	*child.tf = *parent.tf
	child.tf.A0 = 0
	child.name = parent.name

	for i, of := range parent.ofile {
		if of == nil {
			continue
		}
		nf, err := fd.Copyfd(of)
		if err != 0 {
			freeProcSlot(child)
			return 0, err
		}
		child.ofile[i] = nf
	}
	child.cwd = fs.Icache.Dup(parent.cwd)
	child.cwdPath = parent.cwdPath

	ptable.parentLock.Acquire()
	child.parent = parent
	ptable.parentLock.Release()

	child.excl.Acquire()
	child.state = RUNNABLE
	child.excl.Release()
	return child.pid, 0
}

// forkRet runs the first time a newly forked (or newly init'd)
// process's context is resumed: it releases the excl lock sched left
// held and falls through to the user-mode return path (spec.md §4.5).
// Trap-return itself lives in package trap, which proc cannot import
// (trap depends on proc to find the current process) — so forkRet
// calls back through a registered hook, the same inversion spinlock
// uses for Cur/Sch.
var UsertrapRet func(*Proc_t)

func forkRet(p *Proc_t) {
	p.excl.Release()
	if UsertrapRet != nil {
		UsertrapRet(p)
	}
}

func freeProcSlot(p *Proc_t) {
	p.excl.Acquire()
	p.state = UNUSED
	p.pagetable = nil
	p.tf = nil
	p.excl.Release()
}

// Exit closes every open file and cwd (each inside its own log
// transaction, per spec.md §4.6), reparents children to init, wakes
// init and the parent, and switches away for good.
func Exit(p *Proc_t, status int, initProc *Proc_t) {
	if p == initProc {
		panic("proc: init exiting")
	}

	for i, of := range p.ofile {
		if of != nil {
			fd.ClosePanic(of)
			p.ofile[i] = nil
		}
	}
	if p.cwd != nil {
		fs.BeginOp()
		fs.Icache.Put(p.cwd)
		fs.EndOp()
		p.cwd = nil
	}

	ptable.parentLock.Acquire()
	reparent(p, initProc)
	wakeupLocked(initProc)
	wakeupLocked(p.parent)
	ptable.parentLock.Release()

	p.excl.Acquire()
	p.xstate = status
	p.state = ZOMBIE
	sched(p)
	panic("exit: zombie resumed")
}

// reparent hands p's children to initProc; caller holds parentLock.
func reparent(p, initProc *Proc_t) {
	for i := range ptable.procs {
		c := &ptable.procs[i]
		if c.parent == p {
			c.parent = initProc
		}
	}
}

// wakeupLocked wakes pp without reacquiring parentLock (the caller
// already holds it, matching exit's "wake init and parent" step while
// the parent map is still locked against concurrent reparenting).
func wakeupLocked(pp *Proc_t) {
	if pp == nil {
		return
	}
	Wakeup(uintptr(pp.chanAddr()))
}

// chanAddr is the wait channel Wait sleeps on: this process's own
// address, matching spec.md §4.6's "sleep on this process's address".
func (p *Proc_t) chanAddr() uintptr {
	return uintptr(uintptr(0)) + uintptr(procIndex(p))*8 + channelBase
}

// idleChanAddr is the wait channel runProc's idle loop sleeps on
// between traps. It is distinct from chanAddr (reserved for Wait's
// parent/child notification) so that nothing but Kill — which flips a
// SLEEPING proc to RUNNABLE regardless of which channel it's on — or a
// future real wakeup source can ever disturb it.
func (p *Proc_t) idleChanAddr() uintptr {
	return uintptr(uintptr(0)) + uintptr(procIndex(p))*8 + idleChannelBase
}

// channelBase, idleChannelBase and procIndex turn "this process's
// address" into a stable, collision-free integer without taking the
// address of a struct field (which Go's GC could move if Proc_t ever
// stopped living in the fixed ptable array — it doesn't, but the
// indirection costs nothing and documents the invariant).
const channelBase = 0x70726f63     // 'proc' ASCII, arbitrary non-zero base
const idleChannelBase = 0x69646c65 // 'idle' ASCII, disjoint from channelBase

func procIndex(p *Proc_t) int {
	return int(p - &ptable.procs[0])
}

// Wait scans for a ZOMBIE child, reaps it and returns its pid and exit
// status; blocks if children exist but none are ZOMBIE yet; returns
// ESRCH if there are no children or the caller was killed (spec.md
// §4.6).
func Wait(parent *Proc_t) (int, int, defs.Err_t) {
	ptable.parentLock.Acquire()
	for {
		haveKids := false
		for i := range ptable.procs {
			c := &ptable.procs[i]
			if c.parent != parent {
				continue
			}
			haveKids = true
			c.excl.Acquire()
			if c.state == ZOMBIE {
				pid := c.pid
				status := c.xstate
				c.parent = nil
				c.state = UNUSED
				c.pagetable.UvmDealloc(c.sz, 0)
				c.pagetable.Drop()
				c.pagetable = nil
				c.tf = nil
				c.excl.Release()
				ptable.parentLock.Release()
				return pid, status, 0
			}
			c.excl.Release()
		}
		if !haveKids || parent.Killed() {
			ptable.parentLock.Release()
			return 0, 0, defs.ESRCH
		}
		Sleep(parent.chanAddr(), &ptable.parentLock)
	}
}

// Kill sets pid's killed flag and, if it was sleeping, makes it
// runnable so it observes the flag promptly (spec.md §4.6).
func Kill(pid int) defs.Err_t {
	for i := range ptable.procs {
		p := &ptable.procs[i]
		p.excl.Acquire()
		if p.pid == pid {
			p.killed = true
			if p.state == SLEEPING {
				p.state = RUNNABLE
			}
			p.excl.Release()
			return 0
		}
		p.excl.Release()
	}
	return defs.ESRCH
}

// Yield gives up the hart voluntarily, returning to RUNNABLE.
func Yield(p *Proc_t) {
	p.excl.Acquire()
	p.state = RUNNABLE
	sched(p)
	p.excl.Release()
}

// Sleep blocks p on channel, having already acquired p's excl lock
// before dropping guard — the ordering spec.md §4.5 requires to rule
// out the lost-wakeup race.
func Sleep(channel uintptr, guard *spinlock.Spinlock_t) {
	p := Mycpu().proc
	if p == nil {
		panic("sleep: no current process")
	}
	p.excl.Acquire()
	if guard != &p.excl {
		guard.Release()
	}
	p.channel = channel
	p.state = SLEEPING
	sched(p)
	p.channel = 0
	p.excl.Release()
	if guard != &p.excl {
		guard.Acquire()
	}
}

// Wakeup makes every SLEEPING process waiting on channel RUNNABLE.
func Wakeup(channel uintptr) {
	for i := range ptable.procs {
		p := &ptable.procs[i]
		if p == Mycpu().proc {
			continue
		}
		p.excl.Acquire()
		if p.state == SLEEPING && p.channel == channel {
			p.state = RUNNABLE
		}
		p.excl.Release()
	}
}

// sched is the companion half of the scheduler loop: caller holds
// excl, interrupts are off, and state is already something other than
// RUNNING (spec.md §4.5's assertion).
func sched(p *Proc_t) {
	if !p.excl.Holding() {
		panic("sched: excl not held")
	}
	if p.state == RUNNING {
		panic("sched: still RUNNING")
	}
	c := Mycpu()
	swtch(&p.ctx, &c.schedCtx)
}

// Scheduler runs hart hartid's infinite scheduling loop: briefly enable
// interrupts, scan for a RUNNABLE process, run it, repeat. Call this
// once per hart from the boot shim on a dedicated goroutine — each
// "hart" in this host build is one goroutine parked at Scheduler,
// cooperatively handing control to process goroutines via swtch.
func Scheduler(hartid int) {
	curHartID.Store(int32(hartid))
	c := Mycpu()
	for {
		c.intena = 1
		runnable := int64(0)
		for i := range ptable.procs {
			p := &ptable.procs[i]
			p.excl.Acquire()
			if p.state != RUNNABLE {
				p.excl.Release()
				continue
			}
			runnable++
			p.state = RUNNING
			c.proc = p
			if p.pagetable != nil && !procStarted(p) {
				go runProc(p)
			}
			swtch(&c.schedCtx, &p.ctx)
			c.proc = nil
			p.excl.Release()
		}
		stats.Kernel.RunQueue.Set(runnable)
	}
}

var started [limits.NPROC]bool

func procStarted(p *Proc_t) bool {
	i := procIndex(p)
	if started[i] {
		return true
	}
	started[i] = true
	return false
}

// runProc is the goroutine backing a process's "kernel thread": its
// very first swtch-in runs forkRet, which on this host build stands in
// for returning to user mode and then blocking forever (there is no
// user-mode RISC-V code actually executing) — real work on behalf of
// the process happens via direct calls from package scall's test
// harness, not by trapping into this goroutine, since there is no
// trampoline to trap through.
//
// Once forkRet returns, this goroutine has nothing left to do but get
// out of the scheduler's way: it parks on its own idle channel with
// Sleep, exactly like any other blocked process, instead of calling
// sched directly. sched panics if p.state is still RUNNING (the state
// Scheduler left it in before the swtch that started this goroutine),
// and Sleep is what sets p.state to SLEEPING first. Passing &p.excl as
// Sleep's guard tells it there is no separate lock to juggle — this
// loop never holds one — so Sleep acquires and releases p.excl itself
// around the swtch. Only Kill (which flips a SLEEPING proc to RUNNABLE
// regardless of channel) or a future real wakeup source ever resumes
// this loop; when it does, the loop just sleeps again.
func runProc(p *Proc_t) {
	<-p.ctx.resume
	forkRet(p)
	for {
		Sleep(p.idleChanAddr(), &p.excl)
	}
}
