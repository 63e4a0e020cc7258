package fs

import (
	"unsafe"

	"circbuf"
	"defs"
	"fdops"
	"limits"
	"spinlock"
)

// Pipe_t is the shared state behind a pipe's two Files (spec.md
// §4.13), grounded on circbuf.Circbuf_t for the ring buffer itself and
// on the teacher's general producer/consumer shape for the counters.
type Pipe_t struct {
	mu                  spinlock.Spinlock_t
	buf                 circbuf.Circbuf_t
	readCnt, writeCnt   int // monotonically increasing byte counts
	readOpen, writeOpen bool
}

func (p *Pipe_t) readChannel() uintptr  { return uintptr(unsafe.Pointer(&p.readCnt)) }
func (p *Pipe_t) writeChannel() uintptr { return uintptr(unsafe.Pointer(&p.writeCnt)) }

// MkPipe allocates a pipe and returns its two endpoints as ready-to-use
// Files, reference-counted against the shared Pipe_t (spec.md §4.13's
// Create).
func MkPipe() (*File_t, *File_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, nil, defs.ENOMEM
	}
	p := &Pipe_t{mu: *spinlock.Mk("pipe"), readOpen: true, writeOpen: true}
	p.buf.Init(limits.PIPESIZE)

	rd := &File_t{kind: fPipe, pipe: p, pipeEnd: 0, readable: true, refs: 1}
	wr := &File_t{kind: fPipe, pipe: p, pipeEnd: 1, writable: true, refs: 1}
	return rd, wr, 0
}

// Read blocks while the pipe is empty and the write side is still
// open; on unblock it copies up to what's available (spec.md §4.13).
func (p *Pipe_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	p.mu.Acquire()
	for p.readCnt == p.writeCnt && p.writeOpen {
		spinlock.Sch.Sleep(p.readChannel(), &p.mu)
	}
	n, err := p.buf.Copyout(dst)
	p.readCnt += n
	p.mu.Release()
	spinlock.Sch.Wakeup(p.writeChannel())
	return n, err
}

// Write transfers the requested bytes in as large pieces as the ring
// has room for, blocking while full, failing if the read side has
// closed (spec.md §4.13).
func (p *Pipe_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	total := src.Remain()
	put := 0
	p.mu.Acquire()
	defer p.mu.Release()
	for put < total {
		if !p.readOpen {
			return put, defs.EPIPE
		}
		if p.writeCnt-p.readCnt == limits.PIPESIZE {
			spinlock.Sch.Wakeup(p.readChannel())
			spinlock.Sch.Sleep(p.writeChannel(), &p.mu)
			continue
		}
		n, err := p.buf.Copyin(src)
		if err != 0 {
			return put, err
		}
		if n == 0 {
			continue
		}
		p.writeCnt += n
		put += n
	}
	spinlock.Sch.Wakeup(p.readChannel())
	return put, 0
}

// Close marks one side of the pipe closed and wakes the other.
func (p *Pipe_t) Close(end int) {
	p.mu.Acquire()
	if end == 0 {
		p.readOpen = false
		spinlock.Sch.Wakeup(p.writeChannel())
	} else {
		p.writeOpen = false
		spinlock.Sch.Wakeup(p.readChannel())
	}
	both := !p.readOpen && !p.writeOpen
	p.mu.Release()
	if both {
		limits.Syslimit.Pipes.Give()
	}
}
