// Package trap implements the kernel side of trap dispatch (spec.md
// §4.4): the user-ecall syscall path, the PLIC-mediated external
// interrupt path (UART, virtio), and the timer path that drives the
// scheduler's tick counter. The trampoline's register-save/address-
// space-switch half is real riscv64 assembly on bare metal; this
// build has no assembler target (context.go's swtch takes the same
// departure), so the three dispatch entry points below are plain Go
// functions standing in for the trap path, with Trapframe_t standing
// in for the saved user register file. cmd/kernel's tick goroutine
// calls TimerIntr; nothing in this tree calls UserTrap or
// ExternalIntr.
package trap

import (
	"unsafe"

	"mem"
	"proc"
	"scall"
	"uart"
	"virtio"
)

// PLIC register offsets and the two IRQ numbers QEMU's virt machine
// wires the UART and virtio-blk device to, matching original_source's
// plic.rs.
const (
	plicPriority  = 0x0
	plicSenable   = 0x2080
	senableHart   = 0x100
	plicSPriority = 0x201000
	sPriorityHart = 0x2000
	plicSClaim    = 0x201004
	sClaimHart    = 0x2000

	uart0IRQ  = 10
	virtio0IRQ = 1
)

// Regs_i abstracts the PLIC's 32-bit control registers, the same
// host-testability seam uart.Regs_i and virtio.Regs_i use.
type Regs_i interface {
	ReadReg32(off int) uint32
	WriteReg32(off int, v uint32)
}

type mmioRegs_t struct{}

func (mmioRegs_t) ReadReg32(off int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(mem.P2v(mem.PlicPhys)) + uintptr(off)))
}

func (mmioRegs_t) WriteReg32(off int, v uint32) {
	*(*uint32)(unsafe.Pointer(uintptr(mem.P2v(mem.PlicPhys)) + uintptr(off))) = v
}

// Hw is the PLIC register accessor in use.
var Hw Regs_i = mmioRegs_t{}

// Init enables the UART and virtio IRQs with non-zero priority; call
// once at boot before any hart's InitHart.
func Init() {
	Hw.WriteReg32(plicPriority+uart0IRQ*4, 1)
	Hw.WriteReg32(plicPriority+virtio0IRQ*4, 1)
	proc.UsertrapRet = userTrapRet
}

// InitHart enables the two IRQs for one hart and gives it claim
// priority 0 (accept every priority). Call once per hart at boot.
func InitHart(hartid int) {
	Hw.WriteReg32(plicSenable+senableHart*hartid, (1<<uart0IRQ)|(1<<virtio0IRQ))
	Hw.WriteReg32(plicSPriority+sPriorityHart*hartid, 0)
}

func claim(hartid int) uint32 {
	return Hw.ReadReg32(plicSClaim + sClaimHart*hartid)
}

func complete(hartid int, irq uint32) {
	Hw.WriteReg32(plicSClaim+sClaimHart*hartid, irq)
}

// userTrapRet is registered as proc.UsertrapRet: it is the last step
// of returning to user mode, described in spec.md §4.4's closing
// paragraph. On real hardware this re-installs the trampoline as the
// trap vector and reloads {kernel satp, kernel sp, handler address,
// hart id} into the trap frame before branching through userret; on
// this host build the trap frame already carries those fields from
// the last UserTrap/Exec, so there is nothing left to do beyond
// handing control back to the process's own goroutine, which the
// scheduler's swtch already does.
func userTrapRet(p *proc.Proc_t) {}

// UserTrap handles a syscall ecall from user mode: advance the saved
// PC past the ecall instruction, enable interrupts, dispatch through
// scall.Dispatch, and check the kill flag both before and after
// (spec.md §4.4).
func UserTrap(p *proc.Proc_t) {
	if p.Killed() {
		proc.Exit(p, -1, scall.InitProc)
		return
	}

	tf := p.Tf()
	tf.Epc += 4 // ecall is always 4 bytes on riscv64

	proc.Mycpu().IntrSet(true)

	num := int(tf.A7) // syscall number arrives in a7, original_source's convention
	ret := scall.Dispatch(p, num)
	tf.A0 = ret

	if p.Killed() {
		proc.Exit(p, -1, scall.InitProc)
	}
}

// ExternalIntr claims the pending PLIC interrupt on hartid and
// dispatches it to the owning driver, completing the claim
// afterward. A user-mode victim's kill flag is rechecked by its own
// next UserTrap or timer tick, matching spec.md §4.4.
func ExternalIntr(hartid int) {
	irq := claim(hartid)
	switch irq {
	case uart0IRQ:
		uart.Intr(consoleIntr)
	case virtio0IRQ:
		virtio.Disk.Intr()
	case 0:
		// spurious
	}
	if irq != 0 {
		complete(hartid, irq)
	}
}

// consoleIntr is wired at boot (see Wire) to break the import cycle
// uart -> console would otherwise create (console already imports
// uart for its write path).
var consoleIntr func(c byte)

// Wire lets the boot shim hand trap the console package's receive
// callback without trap importing console, which would be the only
// reason to — console has no other business being a trap dependency.
func Wire(consoleRecv func(c byte)) {
	consoleIntr = consoleRecv
}

// TimerIntr advances the tick counter once per tick on hart 0,
// matching spec.md §4.4's supervisor-software-interrupt case (the
// M-mode timer forwarded as an SSIP interrupt on real hardware; this
// host build's independent tick() goroutine calls TimerIntr directly
// off a wall-clock ticker instead).
//
// It does not also yield the hart's current process. swtch's
// channel-handoff rendezvous (context.go) is strictly two-party: a
// process's own goroutine (runProc) on one side, the hart's Scheduler
// goroutine on the other. TimerIntr runs on neither — it's driven by
// its own ticker goroutine — so calling proc.Yield from here would
// drive that same process's context from a third goroutine
// concurrently with whatever runProc is doing with it, corrupting the
// handoff. Real preemption in this design already happens through
// Scheduler's own loop and runProc's idle sleep/wake cycle; there is
// no user-mode execution on this host build for a timer tick to
// legitimately preempt.
func TimerIntr(hartid int) {
	if hartid == 0 {
		scall.Tick()
	}
}
