// Package stat defines the fstat/stat wire structure copied out to user
// memory (spec.md §3, syscalls 8 and 23).
package stat

import "unsafe"

// Stat_t mirrors the fields spec.md §3 names: {dev, inum, type, nlink,
// size}. Fields stay unexported with accessor methods, matching the
// teacher's pattern of keeping the wire layout from drifting out of
// sync with ad hoc field writes.
type Stat_t struct {
	_dev   uint32
	_inum  uint32
	_type  uint16
	_nlink uint16
	_size  uint64
}

func (st *Stat_t) Wdev(v uint32)   { st._dev = v }
func (st *Stat_t) Winum(v uint32)  { st._inum = v }
func (st *Stat_t) Wtype(v uint16)  { st._type = v }
func (st *Stat_t) Wnlink(v uint16) { st._nlink = v }
func (st *Stat_t) Wsize(v uint64)  { st._size = v }

func (st *Stat_t) Dev() uint32   { return st._dev }
func (st *Stat_t) Inum() uint32  { return st._inum }
func (st *Stat_t) Type() uint16  { return st._type }
func (st *Stat_t) Nlink() uint16 { return st._nlink }
func (st *Stat_t) Size() uint64  { return st._size }

// Bytes exposes the raw wire bytes of the structure, for copy_out into
// user memory.
func (st *Stat_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(st))
	return sl[:]
}
