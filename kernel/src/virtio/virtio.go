// Package virtio drives the single virtio-blk queue at mem.Virtio0Phys
// (spec.md §4.12): legacy (version-1) split-ring submission of
// 3-descriptor read/write requests, and the interrupt handler that
// retires them. It registers itself as fs.Disk at boot.
//
// Control-register access goes through Regs_i so the negotiation
// sequence is host-testable without real MMIO; the descriptor, avail
// and used rings live in ordinary Go memory rather than a
// page-aligned DMA region the device actually reads, since this is a
// hosted build with no QEMU device backend behind it — the same
// documented departure context.go takes for swtch. A fake Regs_i used
// in tests can simulate completions by writing the used ring and
// calling Intr directly.
package virtio

import (
	"unsafe"

	"fs"
	"mem"
	"spinlock"
)

// num is the queue size; must be a power of two (spec.md §4.12).
const num = 8

// Legacy virtio-mmio control register offsets (qemu's virtio_mmio.h),
// matching original_source's driver/virtio.rs.
const (
	regMagic         = 0x000
	regVersion       = 0x004
	regDeviceID      = 0x008
	regVendorID      = 0x00c
	regDeviceFeat    = 0x010
	regDriverFeat    = 0x020
	regGuestPageSize = 0x028
	regQueueSel      = 0x030
	regQueueNumMax   = 0x034
	regQueueNum      = 0x038
	regQueueAlign    = 0x03c
	regQueuePFN      = 0x040
	regQueueNotify   = 0x050
	regInterruptStat = 0x060
	regInterruptAck  = 0x064
	regStatus        = 0x070
)

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
)

const (
	featBlkRO         = 5
	featBlkSCSI       = 7
	featBlkConfigWCE  = 11
	featBlkMQ         = 12
	featAnyLayout     = 27
	featRingIndirect  = 28
	featRingEventIdx  = 29
)

// Regs_i abstracts the 32-bit-wide virtio-mmio control registers.
type Regs_i interface {
	ReadReg32(off int) uint32
	WriteReg32(off int, v uint32)
}

type mmioRegs_t struct{}

func (mmioRegs_t) ReadReg32(off int) uint32 {
	p := (*uint32)(unsafe.Pointer(uintptr(mem.P2v(mem.Virtio0Phys)) + uintptr(off)))
	return *p
}

func (mmioRegs_t) WriteReg32(off int, v uint32) {
	p := (*uint32)(unsafe.Pointer(uintptr(mem.P2v(mem.Virtio0Phys)) + uintptr(off)))
	*p = v
}

// Hw is the register accessor in use; boot leaves it at the real
// MMIO window, tests replace it with a fake.
var Hw Regs_i = mmioRegs_t{}

// descFlags bits (virtio 1.1 §2.6.5).
const (
	descNext  = 1
	descWrite = 2
)

type vringDesc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

type usedElem struct {
	id  uint32
	len uint32
}

// blkHeader is the 16-byte request header descriptor 0 points at
// (virtio-blk §5.2.6): type, a reserved field, then the sector.
type blkHeader struct {
	typ     uint32
	reserved uint32
	sector  uint64
}

const (
	blkTypeIn  = 0 // device reads FROM disk, writing into our buffer
	blkTypeOut = 1 // device writes TO disk, reading our buffer
)

// Disk_t is the queue state: the three parallel arrays a legacy
// split-ring descriptor table is built from, the free-descriptor
// bitmap readers/writers contend over, and the per-head-descriptor
// buffer back-pointer the interrupt handler resolves completions
// through.
type Disk_t struct {
	mu    spinlock.Spinlock_t
	desc  [num]vringDesc
	avail struct {
		flags uint16
		idx   uint16
		ring  [num]uint16
	}
	used struct {
		flags uint16
		idx   uint16
		ring  [num]usedElem
	}
	usedRead uint16
	free     [num]bool
	info     [num]*fs.Buf_t
	hdrs     [num]blkHeader
	status   [num]byte
}

// Disk is the singleton queue; fs.Disk is set to it by Init.
var Disk = &Disk_t{}

// freeChannel is what Rw sleeps on while waiting for 3 descriptors to
// free up.
var freeChannel uintptr = 0x7669722e // "vir." ASCII

// Init negotiates virtio-blk feature bits, sizes queue 0 to num
// descriptors, and registers Disk as fs.Disk (spec.md §4.12).
func Init() {
	if Hw.ReadReg32(regMagic) != 0x74726976 ||
		Hw.ReadReg32(regVersion) != 1 ||
		Hw.ReadReg32(regDeviceID) != 2 ||
		Hw.ReadReg32(regVendorID) != 0x554d4551 {
		panic("virtio: could not find virtio-blk device")
	}

	var status uint32
	status |= statusAcknowledge
	Hw.WriteReg32(regStatus, status)
	status |= statusDriver
	Hw.WriteReg32(regStatus, status)

	features := Hw.ReadReg32(regDeviceFeat)
	features &^= 1 << featBlkRO
	features &^= 1 << featBlkSCSI
	features &^= 1 << featBlkConfigWCE
	features &^= 1 << featBlkMQ
	features &^= 1 << featAnyLayout
	features &^= 1 << featRingIndirect
	features &^= 1 << featRingEventIdx
	Hw.WriteReg32(regDriverFeat, features)

	status |= statusFeaturesOK
	Hw.WriteReg32(regStatus, status)

	status |= statusDriverOK
	Hw.WriteReg32(regStatus, status)

	Hw.WriteReg32(regGuestPageSize, uint32(mem.PGSIZE))

	Hw.WriteReg32(regQueueSel, 0)
	max := Hw.ReadReg32(regQueueNumMax)
	if max == 0 {
		panic("virtio: disk has no queue 0")
	}
	if max < num {
		panic("virtio: queue 0 smaller than required descriptor count")
	}
	Hw.WriteReg32(regQueueNum, num)

	for i := range Disk.free {
		Disk.free[i] = true
	}

	fs.Disk = Disk
}

// allocDesc claims one free descriptor, or -1 if none remain.
func (d *Disk_t) allocDesc() int {
	for i := range d.free {
		if d.free[i] {
			d.free[i] = false
			return i
		}
	}
	return -1
}

// alloc3Locked claims 3 descriptors, sleeping on freeChannel until
// enough are available; d.mu must be held and is released/reacquired
// across the sleep.
func (d *Disk_t) alloc3Locked() [3]int {
	for {
		var idx [3]int
		ok := true
		for i := range idx {
			idx[i] = d.allocDesc()
			if idx[i] < 0 {
				ok = false
			}
		}
		if ok {
			return idx
		}
		for _, i := range idx {
			if i >= 0 {
				d.free[i] = true
			}
		}
		spinlock.Sch.Sleep(freeChannel, &d.mu)
	}
}

func (d *Disk_t) freeChain(head int) {
	i := head
	for {
		d.free[i] = true
		next := d.desc[i].next
		hadNext := d.desc[i].flags&descNext != 0
		d.desc[i] = vringDesc{}
		if !hadNext {
			break
		}
		i = int(next)
	}
	spinlock.Sch.Wakeup(freeChannel)
}

// Rw submits b for a read (write==false) or write (write==true) and
// blocks the caller until the device retires it (spec.md §4.12's
// disk_rw). It implements fs.Disk_i.
func (d *Disk_t) Rw(b *fs.Buf_t, write bool) {
	sector := uint64(b.Blockno) * uint64(fs.BSIZE/512)

	d.mu.Acquire()
	idx := d.alloc3Locked()
	d0, d1, d2 := idx[0], idx[1], idx[2]

	d.hdrs[d0] = blkHeader{sector: sector}
	if write {
		d.hdrs[d0].typ = blkTypeOut
	} else {
		d.hdrs[d0].typ = blkTypeIn
	}

	d.desc[d0] = vringDesc{
		addr:  uint64(uintptr(unsafe.Pointer(&d.hdrs[d0]))),
		len:   uint32(unsafe.Sizeof(blkHeader{})),
		flags: descNext,
		next:  uint16(d1),
	}

	d1flags := uint16(descNext)
	if !write {
		d1flags |= descWrite // device writes into our buffer on a read
	}
	d.desc[d1] = vringDesc{
		addr:  uint64(uintptr(unsafe.Pointer(&b.Data[0]))),
		len:   uint32(fs.BSIZE),
		flags: d1flags,
		next:  uint16(d2),
	}

	d.status[d2] = 0xff
	d.desc[d2] = vringDesc{
		addr:  uint64(uintptr(unsafe.Pointer(&d.status[d2]))),
		len:   1,
		flags: descWrite,
	}

	d.info[d0] = b
	b.Inflight = true

	// idx is published after the ring slot; the spinlock release below
	// is the release fence spec.md §5(d) asks for — ordering across
	// harts already falls out of Acquire/Release (§5(c)), so no separate
	// atomic is needed for a 16-bit field.
	d.avail.ring[d.avail.idx%num] = uint16(d0)
	d.avail.idx++
	d.mu.Release()

	Hw.WriteReg32(regQueueNotify, 0)

	d.mu.Acquire()
	for b.Inflight {
		spinlock.Sch.Sleep(uintptr(unsafe.Pointer(b)), &d.mu)
	}
	d.mu.Release()
}

// Intr retires every newly-completed request in the used ring: clears
// the buffer's inflight flag, wakes its sleeper, and frees the
// descriptor chain. Called from package trap's external-interrupt
// dispatch once the PLIC claim identifies the virtio IRQ.
func (d *Disk_t) Intr() {
	Hw.WriteReg32(regInterruptAck, Hw.ReadReg32(regInterruptStat)&0x3)

	d.mu.Acquire()
	for d.usedRead != d.used.idx {
		e := d.used.ring[d.usedRead%num]
		head := int(e.id)
		if d.status[head] != 0 {
			panic("virtio: device reported nonzero status")
		}
		b := d.info[head]
		b.Inflight = false
		spinlock.Sch.Wakeup(uintptr(unsafe.Pointer(b)))
		d.info[head] = nil
		d.freeChain(head)
		d.usedRead++
	}
	d.mu.Release()
}
