// Package spinlock implements mutual exclusion with interrupt-disable
// nesting (spec.md §4.1): a CAS-acquired spinlock plus a sleeplock that
// blocks the caller instead of spinning on contention.
package spinlock

import (
	"fmt"
	"sync/atomic"
)

// Hartapi is the subset of per-hart state a spinlock needs to manage
// the push_off/pop_off interrupt-nesting discipline. proc supplies the
// concrete implementation backed by the running Cpu_t; tests can
// supply a fake to exercise the nesting rules without a scheduler.
type Hartapi interface {
	HartID() int
	IntrOn() bool
	IntrSet(on bool)
	NoffAdd(delta int) int // returns the nesting count after the delta
}

// Cur is set by proc at boot to the accessor for the running hart's
// state. It is a package variable, not a parameter, because acquire
// and release are called from deep in code that has no natural place
// to thread a Hartapi through (e.g. deferred unlocks) — the same shape
// as the teacher's singleton-per-subsystem convention (DESIGN.md).
var Cur func() Hartapi

// Spinlock_t wraps a payload behind CAS-acquired mutual exclusion. The
// zero value is usable and unlocked.
type Spinlock_t struct {
	locked uint32
	name   string
	holder int32 // hart id currently holding the lock, -1 if free
}

// Mk returns a named, unlocked spinlock. The name is for the
// already-held diagnostic only.
func Mk(name string) *Spinlock_t {
	return &Spinlock_t{holder: -1, name: name}
}

// Acquire spins via CAS until the lock is free, performing push_off
// first. Re-acquiring a lock already held by this hart is a bug.
func (l *Spinlock_t) Acquire() {
	h := Cur()
	pushOffWith(h)
	if atomic.LoadUint32(&l.locked) != 0 && int32(h.HartID()) == atomic.LoadInt32(&l.holder) {
		panic(fmt.Sprintf("spinlock %q: already held by hart %d", l.name, h.HartID()))
	}
	for !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
	}
	atomic.StoreInt32(&l.holder, int32(h.HartID()))
}

// Release clears the lock and performs pop_off.
func (l *Spinlock_t) Release() {
	h := Cur()
	if int32(h.HartID()) != atomic.LoadInt32(&l.holder) {
		panic(fmt.Sprintf("spinlock %q: release by non-holder", l.name))
	}
	atomic.StoreInt32(&l.holder, -1)
	atomic.StoreUint32(&l.locked, 0)
	popOffWith(h)
}

// Holding reports whether the calling hart holds l — used by assertions
// like sched's "interrupts off, noff == 1, state != RUNNING" (spec.md §4.5).
func (l *Spinlock_t) Holding() bool {
	return atomic.LoadUint32(&l.locked) != 0 && atomic.LoadInt32(&l.holder) == int32(Cur().HartID())
}

func pushOffWith(h Hartapi) {
	wasOn := h.IntrOn()
	h.IntrSet(false)
	if h.NoffAdd(1) == 1 {
		stashIntrEnable(h, wasOn)
	}
}

func popOffWith(h Hartapi) {
	if h.IntrOn() {
		panic("pop_off: interrupts enabled on entry")
	}
	n := h.NoffAdd(-1)
	if n < 0 {
		panic("pop_off: negative nesting count")
	}
	if n == 0 && stashedIntrEnable(h) {
		h.IntrSet(true)
	}
}

// intrEnableStash records, per hart, whether interrupts were enabled
// before the outermost push_off — proc.Cpu_t is the natural owner of
// this bit, but routing it through Hartapi keeps spinlock free of a
// dependency on proc (which itself depends on spinlock for its own
// locks). Implemented as a tiny side table keyed by hart id, sized by
// maxHarts.
var intrStash [maxHarts]int32

const maxHarts = 8

func stashIntrEnable(h Hartapi, on bool) {
	v := int32(0)
	if on {
		v = 1
	}
	atomic.StoreInt32(&intrStash[h.HartID()], v)
}

func stashedIntrEnable(h Hartapi) bool {
	return atomic.LoadInt32(&intrStash[h.HartID()]) != 0
}
