package proc

import (
	"sync/atomic"

	"spinlock"
)

// Cpu_t is one hart's scheduler state (spec.md §4.5): the process it is
// currently running, its own scheduler context to swtch back into, and
// the push_off/pop_off interrupt-nesting bookkeeping spinlock.Hartapi
// needs.
type Cpu_t struct {
	hartid   int
	proc     *Proc_t
	schedCtx Context_t
	noff     int32
	intena   int32 // 1 if interrupts were enabled before the outermost push_off
	realIntr int32 // this host build's stand-in for the sstatus.SIE bit
}

func (c *Cpu_t) HartID() int { return c.hartid }

func (c *Cpu_t) IntrOn() bool { return atomic.LoadInt32(&c.realIntr) != 0 }

func (c *Cpu_t) IntrSet(on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&c.realIntr, v)
}

func (c *Cpu_t) NoffAdd(delta int) int {
	return int(atomic.AddInt32(&c.noff, int32(delta)))
}

// cpus is the fixed hart table; cmd/kernel's boot shim runs a
// Scheduler loop on hart 0 only.
var cpus [maxHarts]Cpu_t

const maxHarts = 8

// mycpuid is set per OS thread via curHart; since this build has no
// real per-hart execution context, each scheduler loop goroutine
// records its hart id in a goroutine-local-ish slot keyed by the
// scheduler's own bookkeeping rather than a CPU register (no thread
// pinning exists in a hosted Go program), matching the limitation
// already noted for swtch in context.go.
var curHartID atomic.Int32

func init() {
	for i := range cpus {
		cpus[i].hartid = i
		cpus[i].schedCtx = mkContext()
	}
	spinlock.Cur = func() spinlock.Hartapi { return &cpus[curHartID.Load()] }
	spinlock.Sch = schedulerSingleton{}
}

// Mycpu returns the calling scheduler loop's Cpu_t.
func Mycpu() *Cpu_t { return &cpus[curHartID.Load()] }

// Myproc returns the process the calling hart is currently running, or
// nil if the hart is idling in its scheduler loop. The console driver
// uses this to check a blocked caller's killed flag.
func Myproc() *Proc_t { return Mycpu().proc }

// schedulerSingleton adapts the package-level Sleep/Wakeup functions to
// spinlock.Sched, since proc is the package that registers itself as
// spinlock.Sch at boot (see spinlock.Sch's doc comment).
type schedulerSingleton struct{}

func (schedulerSingleton) Sleep(channel uintptr, guard *spinlock.Spinlock_t) {
	Sleep(channel, guard)
}

func (schedulerSingleton) Wakeup(channel uintptr) {
	Wakeup(channel)
}
