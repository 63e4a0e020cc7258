package spinlock

import "unsafe"

func ptrOf(p *bool) unsafe.Pointer { return unsafe.Pointer(p) }

// Sched is the subset of the scheduler sleeplock needs to block a
// caller instead of spinning: the spec.md §4.6 sleep/wakeup primitive.
// proc supplies the real implementation; spinlock cannot import proc
// directly (proc builds on spinlock), so it depends on this interface
// and proc assigns itself to Sch at boot — the same kind of
// registration Cur uses for per-hart state.
type Sched interface {
	// Sleep blocks the calling kernel thread on chan, first releasing
	// guard (which must be held on entry) per spec.md §4.5's ordering
	// rule: guard is dropped only after the sleeper is marked SLEEPING
	// under its own excl lock, ruling out the lost-wakeup race.
	Sleep(channel uintptr, guard *Spinlock_t)
	// Wakeup makes every thread sleeping on chan runnable.
	Wakeup(channel uintptr)
}

// Sch is the registered scheduler; see Sched.
var Sch Sched

// Sleeplock_t is a spinlock-protected boolean plus sleep/wakeup,
// matching spec.md §4.1: lock() spins on the inner spinlock only while
// flipping the bool; if already locked, the caller sleeps on the
// address of the bool itself, which doubles as the wait channel.
type Sleeplock_t struct {
	mu     Spinlock_t
	locked bool
	name   string
}

// Mksleeplock returns a named, unlocked sleeplock.
func Mksleeplock(name string) *Sleeplock_t {
	return &Sleeplock_t{name: name}
}

func (s *Sleeplock_t) channel() uintptr {
	return uintptr(ptrOf(&s.locked))
}

// Lock blocks until the sleeplock is acquired.
func (s *Sleeplock_t) Lock() {
	s.mu.Acquire()
	for s.locked {
		Sch.Sleep(s.channel(), &s.mu)
	}
	s.locked = true
	s.mu.Release()
}

// Unlock releases the sleeplock and wakes every sleeper waiting on it.
func (s *Sleeplock_t) Unlock() {
	s.mu.Acquire()
	s.locked = false
	s.mu.Release()
	Sch.Wakeup(s.channel())
}

// Holding reports whether the sleeplock is currently held by anyone.
// Used by callers that need to assert lock discipline (e.g. inode
// put(), which requires the data sleeplock before truncating).
func (s *Sleeplock_t) Holding() bool {
	s.mu.Acquire()
	h := s.locked
	s.mu.Release()
	return h
}
