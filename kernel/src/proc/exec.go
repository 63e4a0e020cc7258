package proc

import (
	"encoding/binary"

	"defs"
	"fs"
	"mem"
	"upath"
	"vm"
)

const elfMagic uint32 = 0x464c457f // "\x7fELF", little-endian

const progLoad = 1

// elfHeader mirrors the fields load() needs from a 64-bit ELF header
// (original_source/process/proc/elf.rs); unused fields are skipped by
// offset rather than named.
type elfHeader struct {
	entry uint64
	phoff uint64
	phnum uint16
}

const (
	ehEntryOff = 24
	ehPhoffOff = 32
	ehPhnumOff = 56
	ehSize     = 64
)

type progHeader struct {
	ptype  uint32
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
}

const (
	phTypeOff   = 0
	phOffsetOff = 8
	phVaddrOff  = 16
	phFileszOff = 32
	phMemszOff  = 40
	phSize      = 56
)

func parseElfHeader(b []byte) (elfHeader, bool) {
	if len(b) < ehSize || binary.LittleEndian.Uint32(b[0:4]) != elfMagic {
		return elfHeader{}, false
	}
	return elfHeader{
		entry: binary.LittleEndian.Uint64(b[ehEntryOff:]),
		phoff: binary.LittleEndian.Uint64(b[ehPhoffOff:]),
		phnum: binary.LittleEndian.Uint16(b[ehPhnumOff:]),
	}, true
}

func parseProgHeader(b []byte) progHeader {
	return progHeader{
		ptype:  binary.LittleEndian.Uint32(b[phTypeOff:]),
		offset: binary.LittleEndian.Uint64(b[phOffsetOff:]),
		vaddr:  binary.LittleEndian.Uint64(b[phVaddrOff:]),
		filesz: binary.LittleEndian.Uint64(b[phFileszOff:]),
		memsz:  binary.LittleEndian.Uint64(b[phMemszOff:]),
	}
}

const maxArg = 32

// Exec replaces p's memory image with the ELF binary at path,
// building a fresh page table, loading each PT_LOAD segment, laying
// out argv on a freshly guarded stack, and only then swapping the new
// image in for the old one (spec.md §4.6's Exec). On any failure
// before that swap the partially built page table is discarded and p
// is left untouched.
func Exec(p *Proc_t, path upath.Path, argv []upath.Path) defs.Err_t {
	fs.BeginOp()
	ip, err := fs.Namei(p.cwd, path)
	if err != 0 {
		fs.EndOp()
		return err
	}
	ip.Lock()

	hdrbuf := make([]byte, ehSize)
	if n, err := ip.Iread(vm.KernelAddress(hdrbuf), 0, ehSize); err != 0 || n != ehSize {
		ip.Unlock()
		fs.Icache.Put(ip)
		fs.EndOp()
		return defs.EINVAL
	}
	hdr, ok := parseElfHeader(hdrbuf)
	if !ok {
		ip.Unlock()
		fs.Icache.Put(ip)
		fs.EndOp()
		return defs.EINVAL
	}

	npt, ok := vm.New()
	if !ok {
		ip.Unlock()
		fs.Icache.Put(ip)
		fs.EndOp()
		return defs.ENOMEM
	}

	sz := 0
	phbuf := make([]byte, phSize)
	failed := false
	for i := 0; i < int(hdr.phnum) && !failed; i++ {
		off := int(hdr.phoff) + i*phSize
		if n, err := ip.Iread(vm.KernelAddress(phbuf), off, phSize); err != 0 || n != phSize {
			failed = true
			break
		}
		ph := parseProgHeader(phbuf)
		if ph.ptype != progLoad {
			continue
		}
		if ph.memsz < ph.filesz || ph.vaddr%uint64(mem.PGSIZE) != 0 {
			failed = true
			break
		}
		newsz, ok := npt.UvmAlloc(sz, int(ph.vaddr)+int(ph.memsz))
		if !ok {
			failed = true
			break
		}
		sz = newsz
		if !loadSeg(npt, mem.Va_t(ph.vaddr), ip, int(ph.offset), int(ph.filesz)) {
			failed = true
			break
		}
	}
	ip.Unlock()
	fs.Icache.Put(ip)
	fs.EndOp()
	if failed {
		npt.UvmDealloc(sz, 0)
		npt.Drop()
		return defs.EINVAL
	}

	sz = int(mem.PGROUNDUP(mem.Va_t(sz)))
	newsz, ok := npt.UvmAlloc(sz, sz+2*mem.PGSIZE)
	if !ok {
		npt.UvmDealloc(sz, 0)
		npt.Drop()
		return defs.ENOMEM
	}
	sz = newsz
	npt.UvmClear(mem.Va_t(sz - 2*mem.PGSIZE))
	sp := mem.Va_t(sz)
	stackBase := sp - mem.Va_t(mem.PGSIZE)

	if len(argv) >= maxArg {
		npt.UvmDealloc(sz, 0)
		npt.Drop()
		return defs.EINVAL
	}
	var ustack [maxArg + 1]uint64
	for i, a := range argv {
		alen := len(a) + 1
		sp -= mem.Va_t(alen)
		sp &^= 0xf // 16-byte align, matching the teacher's argv push
		if sp < stackBase {
			npt.UvmDealloc(sz, 0)
			npt.Drop()
			return defs.EINVAL
		}
		buf := make([]byte, alen)
		copy(buf, a)
		if npt.CopyOut(sp, buf) != 0 {
			npt.UvmDealloc(sz, 0)
			npt.Drop()
			return defs.EINVAL
		}
		ustack[i] = uint64(sp)
	}
	ustack[len(argv)] = 0

	argvBytes := make([]byte, (len(argv)+1)*8)
	for i, v := range ustack[:len(argv)+1] {
		binary.LittleEndian.PutUint64(argvBytes[i*8:], v)
	}
	sp -= mem.Va_t(len(argvBytes))
	sp &^= 0xf
	if sp < stackBase {
		npt.UvmDealloc(sz, 0)
		npt.Drop()
		return defs.EINVAL
	}
	if npt.CopyOut(sp, argvBytes) != 0 {
		npt.UvmDealloc(sz, 0)
		npt.Drop()
		return defs.EINVAL
	}

	oldpt, oldsz := p.pagetable, p.sz
	p.pagetable = npt
	p.sz = sz
	p.tf.Epc = hdr.entry
	p.tf.Sp = uint64(sp)
	p.tf.A1 = uint64(sp)

	oldpt.Unmap(0, (oldsz+mem.PGSIZE-1)/mem.PGSIZE, true)
	oldpt.Drop()
	return 0
}

// loadSeg copies a PT_LOAD segment's file bytes into the page-table
// pages UvmAlloc just mapped, one page at a time through the new
// table's physical side.
func loadSeg(pt *vm.Pagetable_t, va mem.Va_t, ip *fs.Inode_t, fileoff, filesz int) bool {
	for i := 0; i < filesz; i += mem.PGSIZE {
		pte, ok := pt.Walk(va + mem.Va_t(i))
		if !ok || !pte.Valid() {
			return false
		}
		n := mem.PGSIZE
		if filesz-i < n {
			n = filesz - i
		}
		dst := mem.Pg2bytes(mem.P2pg(pte.Pa()))[:n]
		if got, err := ip.Iread(vm.KernelAddress(dst), fileoff+i, n); err != 0 || got != n {
			return false
		}
	}
	return true
}
