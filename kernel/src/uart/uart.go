// Package uart drives the 16550 UART at mem.UART0Phys: a synchronous
// putc for early boot and panic output, and an interrupt-driven
// ring-buffered path for normal console output (spec.md §4.14).
//
// Register access goes through the Regs_i interface rather than a bare
// unsafe.Pointer so the package is host-testable: Hw defaults to the
// real MMIO window but tests install a fake backed by a plain byte
// array.
package uart

import (
	"unsafe"

	"circbuf"
	"defs"
	"mem"
	"spinlock"
)

// 16550 register offsets (http://byterunner.com/16550.html), matching
// original_source's driver/uart.rs.
const (
	rhr = 0 // receive holding register (read)
	thr = 0 // transmit holding register (write)
	ier = 1 // interrupt enable register
	fcr = 2 // FIFO control register (write)
	isr = 2 // interrupt status register (read)
	lcr = 3 // line control register
	lsr = 5 // line status register
)

const (
	lsrRxReady = 1 << 0
	lsrTxIdle  = 1 << 5
)

// Regs_i abstracts the 8 byte-wide control registers starting at the
// UART's base address.
type Regs_i interface {
	ReadReg(off int) byte
	WriteReg(off int, v byte)
}

type mmioRegs_t struct{}

func (mmioRegs_t) ReadReg(off int) byte {
	p := (*byte)(unsafe.Pointer(uintptr(mem.P2v(mem.UART0Phys)) + uintptr(off)))
	return *(*byte)(unsafe.Pointer(p))
}

func (mmioRegs_t) WriteReg(off int, v byte) {
	p := (*byte)(unsafe.Pointer(uintptr(mem.P2v(mem.UART0Phys)) + uintptr(off)))
	*p = v
}

// Hw is the register accessor in use; boot leaves it at the real MMIO
// window, tests replace it with a fake.
var Hw Regs_i = mmioRegs_t{}

// bufsz bounds the output ring buffer (spec.md §4.14).
const bufsz = 32

// txChannel is the wait channel for a full output buffer: writers
// sleep on it, transmit() wakes them as space frees up.
var txChannel uintptr = 0x75617274 // "uart" ASCII

var state = struct {
	mu  spinlock.Spinlock_t
	out circbuf.Circbuf_t
}{mu: *spinlock.Mk("uart")}

func init() {
	state.out.Init(bufsz)
}

// Init brings the UART up for 8N1 at the fixed boot baud rate and
// enables receive interrupts, mirroring the teacher's init() sequence.
func Init() {
	Hw.WriteReg(ier, 0x00)

	Hw.WriteReg(lcr, 0x80) // enter baud-rate-divisor mode
	Hw.WriteReg(0, 0x03)   // divisor LSB
	Hw.WriteReg(1, 0x00)   // divisor MSB
	Hw.WriteReg(lcr, 0x03) // 8 bits, no parity, 1 stop bit

	Hw.WriteReg(fcr, 0x07) // reset + enable FIFOs

	Hw.WriteReg(ier, 0x03) // enable receive + transmit-empty interrupts
}

func isIdle() bool { return Hw.ReadReg(lsr)&lsrTxIdle != 0 }

// PutcSync writes a single byte synchronously, busy-waiting for the
// transmitter to go idle. Used for early boot output and panic
// messages, before or instead of the interrupt-driven path.
func PutcSync(c byte) {
	state.mu.Acquire()
	defer state.mu.Release()
	for !isIdle() {
	}
	Hw.WriteReg(thr, c)
}

// Putc queues c on the output ring buffer for interrupt-driven
// transmission, sleeping if the buffer is full (spec.md §4.14).
func Putc(c byte) {
	state.mu.Acquire()
	for state.out.Full() {
		spinlock.Sch.Sleep(txChannel, &state.mu)
	}
	state.out.PutByte(c)
	transmitLocked()
	state.mu.Release()
}

// transmitLocked drains the output buffer into the transmit register
// while the UART is idle; state.mu must be held.
func transmitLocked() {
	for !state.out.Empty() && isIdle() {
		b := make([]byte, 1)
		n, _ := state.out.CopyoutN(byteWriter{b}, 1)
		if n != 1 {
			break
		}
		Hw.WriteReg(thr, b[0])
	}
}

// byteWriter adapts a 1-byte slice to fdops.Userio_i for
// Circbuf_t.CopyoutN's single-byte drain in transmitLocked.
type byteWriter struct{ b []byte }

func (w byteWriter) Uiowrite(src []uint8) (int, defs.Err_t) {
	return copy(w.b, src), 0
}
func (w byteWriter) Uioread(dst []uint8) (int, defs.Err_t) { return 0, 0 }
func (w byteWriter) Remain() int                           { return len(w.b) }
func (w byteWriter) Totalsz() int                          { return len(w.b) }

// Intr services the UART's interrupt: drain received bytes to recv,
// then resume transmitting any queued output. Called from package
// trap's external-interrupt dispatch (spec.md §4.4); recv is
// console.Intr, wired at boot to avoid an import cycle (console reads
// input through this package, this package cannot import console).
func Intr(recv func(c byte)) {
	for Hw.ReadReg(lsr)&lsrRxReady != 0 {
		recv(Hw.ReadReg(rhr))
	}

	state.mu.Acquire()
	before := state.out.Used()
	transmitLocked()
	after := state.out.Used()
	state.mu.Release()
	if after < before {
		spinlock.Sch.Wakeup(txChannel)
	}
}
