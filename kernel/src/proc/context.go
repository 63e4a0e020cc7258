package proc

// Context_t holds the callee-saved registers swtch swaps between two
// kernel threads (spec.md §4.5): return address, stack pointer, and
// s0-s11. On real hardware this is exactly the register set riscv64's
// calling convention requires a callee to preserve, which is why
// swtch needs nothing else.
//
// This tree runs the kernel as a host process rather than on bare
// metal (there is no assembler target to build a riscv64 trampoline
// against), so swtch below is a synchronization handoff between two
// goroutines rather than a literal register swap — Context_t is kept
// anyway because every other part of the process-lifecycle code
// (fork_ret, sched, the scheduler loop) is written against it, matching
// the shape original_source/process/mod.rs's Context carries.
type Context_t struct {
	Ra uint64
	Sp uint64

	S0  uint64
	S1  uint64
	S2  uint64
	S3  uint64
	S4  uint64
	S5  uint64
	S6  uint64
	S7  uint64
	S8  uint64
	S9  uint64
	S10 uint64
	S11 uint64

	resume chan struct{} // the goroutine-handoff baton swtch actually uses
}

func mkContext() Context_t {
	return Context_t{resume: make(chan struct{})}
}

// swtch blocks the caller until old's resume channel is signalled, and
// wakes whoever is waiting on new by signalling its channel — the
// cooperative handoff standing in for "swap ra/sp/s0-s11 and jump"
// (spec.md §4.5: "a pure callee-saved register swap... no stack
// juggling beyond that").
func swtch(old, new *Context_t) {
	new.resume <- struct{}{}
	<-old.resume
}

// Trapframe_t is the per-process register save area the trampoline
// reads and writes across the user/kernel boundary (spec.md §4.4).
// Only the fields the kernel side actually touches are named; the
// rest of the real 34-word frame is an opaque reserved area on this
// host build since there is no trampoline assembly to address it.
type Trapframe_t struct {
	KernelSatp  uint64 // kernel page table, loaded by the trampoline on entry
	KernelSp    uint64 // this process's kernel stack top
	KernelTrap  uint64 // address of usertrap
	Epc         uint64 // saved/restored user pc
	KernelHartid uint64

	Sp uint64 // saved user stack pointer across traps
	A0 uint64
	A1 uint64
	A2 uint64
	A3 uint64
	A4 uint64
	A5 uint64
	A7 uint64 // syscall number, original_source/process/proc/mod.rs's a7 convention
}
