// Package console implements the line discipline sitting on top of the
// UART: an echoing, backspace- and kill-line-editable input buffer
// feeding blocking reads, and a write path that passes bytes straight
// through to uart.Putc (spec.md §4.14). It registers itself as the
// fs.Devices console major at boot.
package console

import (
	"defs"
	"fdops"
	"fs"
	"proc"
	"spinlock"
	"uart"
)

// bufsz is the input buffer size (spec.md §4.14's 128-byte buffer).
const bufsz = 128

// Control characters the line discipline recognizes, matching
// original_source's driver/console.rs.
const (
	ctrlEOT     = 0x04 // ^D, end of input
	ctrlBS      = 0x08 // backspace
	ctrlLF      = 0x0a
	ctrlCR      = 0x0d
	ctrlDEL     = 0x7f
	ctrlKillLn  = 0x15 // ^U, kill current line
)

// riChannel is readers' wait channel: input() wakes it once a full
// line (or EOT) has been committed from the edit region.
var riChannel uintptr = 0x636f6e73 // "cons" ASCII

type console_t struct {
	mu  spinlock.Spinlock_t
	buf [bufsz]byte
	r   uint // next byte a reader consumes
	w   uint // end of what readers may consume
	e   uint // end of the current edit region (w <= e)
}

var con = console_t{mu: *spinlock.Mk("console")}

// Device implements fs.DevOps_i for the console major.
type Device struct{}

func init() {
	fs.Devices[defs.D_CONSOLE] = Device{}
}

// Init brings the underlying UART up; call once at boot.
func Init() {
	uart.Init()
}

// Read copies up to dst.Remain() bytes from the input buffer into dst,
// blocking until at least one line (or EOT) is available. It stops
// early at a line feed so callers see one line per call, matching a
// shell's read-a-line convention.
func (Device) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	con.mu.Acquire()
	defer con.mu.Release()

	target := dst.Remain()
	n := 0
	for n < target {
		for con.r == con.w {
			if p := proc.Myproc(); p != nil && p.Killed() {
				return n, defs.EUNSPECIFIED
			}
			spinlock.Sch.Sleep(riChannel, &con.mu)
		}
		c := con.buf[con.r%bufsz]
		con.r++

		if c == ctrlEOT {
			break
		}
		b := [1]byte{c}
		wrote, err := dst.Uiowrite(b[:])
		if err != 0 || wrote != 1 {
			break
		}
		n++
		if c == ctrlLF {
			break
		}
	}
	return n, 0
}

// Write sends src's bytes to the UART one at a time, translating
// backspace into a visible erase sequence.
func (Device) Write(src fdops.Userio_i) (int, defs.Err_t) {
	n := 0
	for {
		var b [1]byte
		got, err := src.Uioread(b[:])
		if err != 0 || got == 0 {
			break
		}
		putc(uart.Putc, b[0])
		n++
	}
	return n, 0
}

// putc writes one byte to the terminal through out, expanding
// backspace to the usual erase-in-place sequence.
func putc(out func(byte), c byte) {
	if c == ctrlBS {
		out(ctrlBS)
		out(' ')
		out(ctrlBS)
		return
	}
	out(c)
}

// Intr handles one byte coming off the UART's receive path: the
// kill-line control character (^U) erases the pending line,
// backspace/delete erases the last pending character, and anything
// else is echoed (through uart.PutcSync) and appended, committing the line to
// readers on a line feed, EOT, or a full buffer (spec.md §4.14).
// Wired to uart.Intr's recv callback at boot.
func Intr(c byte) {
	con.mu.Acquire()
	defer con.mu.Release()

	switch c {
	case ctrlKillLn:
		for con.e != con.w && con.buf[(con.e-1)%bufsz] != ctrlLF {
			con.e--
			putc(uart.PutcSync, ctrlBS)
		}
	case ctrlBS, ctrlDEL:
		if con.e != con.w {
			con.e--
			putc(uart.PutcSync, ctrlBS)
		}
	default:
		if c != 0 && con.e-con.r < bufsz {
			if c == ctrlCR {
				c = ctrlLF
			}
			putc(uart.PutcSync, c)
			con.buf[con.e%bufsz] = c
			con.e++
			if c == ctrlLF || c == ctrlEOT || con.e-con.r == bufsz {
				con.w = con.e
				spinlock.Sch.Wakeup(riChannel)
			}
		}
	}
}
