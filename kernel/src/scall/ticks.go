package scall

import (
	"sync/atomic"

	"proc"
	"spinlock"
)

// Ticks is the global tick counter the timer interrupt path (package
// trap) advances once per tick on hart 0 (spec.md §4.4).
var Ticks atomic.Int64

var ticksLock = *spinlock.Mk("ticks")

// ticksChannel is the address sleep(n) (syscall 13) and the timer
// interrupt handler both use as their wait channel.
var ticksChannel uintptr = 0x7469636b // 'tick' ASCII, arbitrary non-zero

// Tick advances the counter and wakes anyone sleeping on it — called
// by package trap's timer-interrupt path on hart 0.
func Tick() {
	ticksLock.Acquire()
	Ticks.Add(1)
	ticksLock.Release()
	proc.Wakeup(ticksChannel)
}

// InitProc is pid 1, registered by the boot shim once Userinit
// returns; exit(2) refuses to let it terminate (spec.md §4.6).
var InitProc *proc.Proc_t
