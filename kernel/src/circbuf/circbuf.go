// Package circbuf implements the ring buffer shared by the UART's
// output queue and the pipe endpoint's byte buffer
// (spec.md §3, §4.13, §4.14).
package circbuf

import (
	"defs"
	"fdops"
)

// Circbuf_t is a single-owner circular byte buffer. It is not safe for
// concurrent use on its own; callers serialize access with their own
// lock (the pipe's spinlock, the UART's lock).
type Circbuf_t struct {
	buf   []uint8
	bufsz int
	head  int // write position, monotonically increasing
	tail  int // read position, monotonically increasing
}

// Init allocates a bufsz-byte backing buffer.
func (cb *Circbuf_t) Init(bufsz int) {
	cb.buf = make([]uint8, bufsz)
	cb.bufsz = bufsz
	cb.head, cb.tail = 0, 0
}

func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }
func (cb *Circbuf_t) Full() bool  { return cb.head-cb.tail == cb.bufsz }
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }
func (cb *Circbuf_t) Left() int   { return cb.bufsz - (cb.head - cb.tail) }
func (cb *Circbuf_t) Used() int   { return cb.head - cb.tail }

// Copyin reads from src into the circular buffer, stopping at Full().
func (cb *Circbuf_t) Copyin(src fdops.Userio_i) (int, defs.Err_t) {
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.buf[hi:]
		wrote, err := src.Uioread(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, 0
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("circbuf: inconsistent head/tail")
	}
	dst := cb.buf[hi:ti]
	wrote, err := src.Uioread(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, 0
}

// Copyout writes the entire buffer's contents to dst.
func (cb *Circbuf_t) Copyout(dst fdops.Userio_i) (int, defs.Err_t) {
	return cb.CopyoutN(dst, 0)
}

// CopyoutN writes up to max bytes (0 means unbounded) to dst.
func (cb *Circbuf_t) CopyoutN(dst fdops.Userio_i, max int) (int, defs.Err_t) {
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uiowrite(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, 0
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("circbuf: inconsistent head/tail")
	}
	src := cb.buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uiowrite(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, 0
}

// PutByte pushes a single byte, e.g. uart.Putc queuing one output byte.
func (cb *Circbuf_t) PutByte(b uint8) {
	if cb.Full() {
		panic("circbuf: put on full buffer")
	}
	cb.buf[cb.head%cb.bufsz] = b
	cb.head++
}

// Advhead advances the head index without copying, for writers that
// stored bytes into the backing buffer directly (PutByte advances head
// on its own).
func (cb *Circbuf_t) Advhead(sz int) {
	if cb.Left() < sz {
		panic("circbuf: advancing past capacity")
	}
	cb.head += sz
}

// Advtail advances the tail index after sz bytes have been consumed by
// some other means than Copyout.
func (cb *Circbuf_t) Advtail(sz int) {
	if cb.Used() < sz {
		panic("circbuf: advancing past available data")
	}
	cb.tail += sz
}

// Rewind moves the head index back by one slot, dropping the most
// recently written byte.
func (cb *Circbuf_t) Rewind() {
	if cb.Empty() {
		return
	}
	cb.head--
}
