package fs

import (
	"encoding/binary"

	"defs"
	"limits"
	"spinlock"
	"stat"
	"upath"
	"vm"
)

// dinodeSize is the packed on-disk inode size: type(2) + major(2) +
// nlink(2) + size(4) + (NDIRECT+1) block pointers (4 bytes each, one
// extra slot for the single indirect pointer).
const dinodeSize = 2 + 2 + 2 + 4 + (limits.NDIRECT+1)*4

const (
	doffType  = 0
	doffMajor = 2
	doffNlink = 4
	doffSize  = 6
	doffAddrs = 10
)

// ROOTDEV and ROOTINO are fixed, matching every xv6 derivative: the
// boot filesystem is always device 0, and "/" is always inode 1.
const (
	ROOTDEV = 0
	ROOTINO = 1
)

// Inode_t is one in-memory inode cache slot (spec.md §3, §4.10). meta
// fields (dev, inum, ref, valid) are protected by Icache's spinlock;
// the on-disk-shaped fields are protected by the embedded sleeplock
// and only meaningful once valid is true.
type Inode_t struct {
	spinlock.Sleeplock_t

	dev  int
	inum int
	ref  int
	valid bool

	Type  defs.Itype
	Major int
	Nlink int
	Size  int
	Addrs [limits.NDIRECT + 1]int
}

type Icache_t struct {
	mu     spinlock.Spinlock_t
	inodes [limits.NINODE]Inode_t
}

// Icache is the kernel's single inode cache instance.
var Icache = newIcache()

func newIcache() *Icache_t {
	ic := &Icache_t{mu: *spinlock.Mk("icache")}
	for i := range ic.inodes {
		ic.inodes[i].Sleeplock_t = *spinlock.Mksleeplock("inode")
	}
	return ic
}

// Get returns a handle to the cached inode for (dev, inum), claiming a
// refs=0 slot if not already cached. The returned inode is NOT locked
// for data (spec.md §4.10).
func (ic *Icache_t) Get(dev, inum int) *Inode_t {
	ic.mu.Acquire()
	defer ic.mu.Release()

	var empty *Inode_t
	for i := range ic.inodes {
		ip := &ic.inodes[i]
		if ip.ref > 0 && ip.dev == dev && ip.inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("icache: out of inode slots")
	}
	empty.dev = dev
	empty.inum = inum
	empty.ref = 1
	empty.valid = false
	return empty
}

// Dup bumps ip's refcount, for fork/dup-style sharing.
func (ic *Icache_t) Dup(ip *Inode_t) *Inode_t {
	ic.mu.Acquire()
	ip.ref++
	ic.mu.Release()
	return ip
}

// Lock acquires the data sleeplock and reads the on-disk copy if the
// slot isn't already valid for this (dev, inum) pair.
func (ip *Inode_t) Lock() {
	ip.Sleeplock_t.Lock()
	if !ip.valid {
		b := Cache.Bread(ip.dev, ip.inodeBlock())
		off := (ip.inum % IPB()) * dinodeSize
		ip.Type = defs.Itype(binary.LittleEndian.Uint16(b.Data[off+doffType:]))
		ip.Major = int(binary.LittleEndian.Uint16(b.Data[off+doffMajor:]))
		ip.Nlink = int(binary.LittleEndian.Uint16(b.Data[off+doffNlink:]))
		ip.Size = int(binary.LittleEndian.Uint32(b.Data[off+doffSize:]))
		for i := range ip.Addrs {
			ip.Addrs[i] = int(binary.LittleEndian.Uint32(b.Data[off+doffAddrs+4*i:]))
		}
		Cache.Brelse(b)
		ip.valid = true
		if ip.Type == defs.T_EMPTY {
			panic("inode: reading an allocated-but-empty inode")
		}
	}
}

// Unlock releases the data sleeplock without touching refcount.
func (ip *Inode_t) Unlock() { ip.Sleeplock_t.Unlock() }

func (ip *Inode_t) inodeBlock() int {
	return activeSuper.IblockOf(ip.inum)
}

// Update writes ip's in-memory fields back to its on-disk block,
// through the log — callers bracket every mutating inode operation in
// a BeginOp/EndOp transaction (spec.md §4.11).
func (ip *Inode_t) Update() {
	b := Cache.Bread(ip.dev, ip.inodeBlock())
	off := (ip.inum % IPB()) * dinodeSize
	binary.LittleEndian.PutUint16(b.Data[off+doffType:], uint16(ip.Type))
	binary.LittleEndian.PutUint16(b.Data[off+doffMajor:], uint16(ip.Major))
	binary.LittleEndian.PutUint16(b.Data[off+doffNlink:], uint16(ip.Nlink))
	binary.LittleEndian.PutUint32(b.Data[off+doffSize:], uint32(ip.Size))
	for i, a := range ip.Addrs {
		binary.LittleEndian.PutUint32(b.Data[off+doffAddrs+4*i:], uint32(a))
	}
	LogWrite(b)
	Cache.Brelse(b)
}

// Put drops a reference; if it is the last one and the on-disk link
// count is zero, the inode is truncated and freed (spec.md §4.10).
// Callers must not be holding ip locked already.
func (ic *Icache_t) Put(ip *Inode_t) {
	ic.mu.Acquire()
	if ip.ref == 1 {
		ip.Lock()
		if ip.valid && ip.Nlink == 0 {
			ic.mu.Release()
			ip.truncate()
			ip.Type = defs.T_EMPTY
			ip.Update()
			ip.valid = false
			ip.Unlock()
			ic.mu.Acquire()
		} else {
			ip.Unlock()
		}
	}
	ip.ref--
	ic.mu.Release()
}

// bmap resolves logical block bn of ip to a physical block number,
// allocating it via the bitmap allocator if it does not yet exist
// (spec.md §4.10's map_blockno).
func (ip *Inode_t) bmap(bn int) int {
	if bn < limits.NDIRECT {
		if ip.Addrs[bn] == 0 {
			ip.Addrs[bn] = Balloc(activeSuper, ip.dev)
		}
		return ip.Addrs[bn]
	}
	bn -= limits.NDIRECT
	if bn >= limits.NINDIRECT {
		panic("inode: block offset beyond MaxFileSize")
	}
	if ip.Addrs[limits.NDIRECT] == 0 {
		ip.Addrs[limits.NDIRECT] = Balloc(activeSuper, ip.dev)
	}
	ib := Cache.Bread(ip.dev, ip.Addrs[limits.NDIRECT])
	addr := int(binary.LittleEndian.Uint32(ib.Data[4*bn:]))
	if addr == 0 {
		addr = Balloc(activeSuper, ip.dev)
		binary.LittleEndian.PutUint32(ib.Data[4*bn:], uint32(addr))
		LogWrite(ib)
	}
	Cache.Brelse(ib)
	return addr
}

// truncate frees every data block reachable from ip, direct and
// indirect, and resets size to zero.
func (ip *Inode_t) truncate() {
	for i := 0; i < limits.NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			Bfree(activeSuper, ip.dev, ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[limits.NDIRECT] != 0 {
		ib := Cache.Bread(ip.dev, ip.Addrs[limits.NDIRECT])
		for i := 0; i < limits.NINDIRECT; i++ {
			a := int(binary.LittleEndian.Uint32(ib.Data[4*i:]))
			if a != 0 {
				Bfree(activeSuper, ip.dev, a)
			}
		}
		Cache.Brelse(ib)
		Bfree(activeSuper, ip.dev, ip.Addrs[limits.NDIRECT])
		ip.Addrs[limits.NDIRECT] = 0
	}
	ip.Size = 0
	ip.Update()
}

// Iread copies n bytes starting at offset into dst, bounded by ip.Size
// (spec.md §4.10's iread; reading past end is a short read, not an
// error — spec.md §7 category 3).
func (ip *Inode_t) Iread(dst vm.Address, offset, n int) (int, defs.Err_t) {
	if offset > ip.Size {
		return 0, 0
	}
	if offset+n > ip.Size {
		n = ip.Size - offset
	}
	got := 0
	for got < n {
		bn := (offset + got) / BSIZE
		off := (offset + got) % BSIZE
		b := Cache.Bread(ip.dev, ip.bmap(bn))
		m := BSIZE - off
		if rem := n - got; m > rem {
			m = rem
		}
		if err := vm.WriteAt(dst.Skip(got), b.Data[off:off+m]); err != 0 {
			Cache.Brelse(b)
			return got, err
		}
		Cache.Brelse(b)
		got += m
	}
	return got, 0
}

// Iwrite writes n bytes from src at offset, growing the file and
// allocating blocks as needed, bounded by MaxFileSize (spec.md §4.10).
// Must run inside a log transaction.
func (ip *Inode_t) Iwrite(src vm.Address, offset, n int) (int, defs.Err_t) {
	if offset+n > limits.MaxFileSize {
		return 0, defs.EFBIG
	}
	put := 0
	for put < n {
		bn := (offset + put) / BSIZE
		off := (offset + put) % BSIZE
		b := Cache.Bread(ip.dev, ip.bmap(bn))
		m := BSIZE - off
		if rem := n - put; m > rem {
			m = rem
		}
		if err := vm.ReadAt(src.Skip(put), b.Data[off:off+m]); err != 0 {
			Cache.Brelse(b)
			return put, err
		}
		LogWrite(b)
		Cache.Brelse(b)
		put += m
	}
	if offset+put > ip.Size {
		ip.Size = offset + put
	}
	ip.Update()
	return put, 0
}

// Stat fills st from ip's cached fields, under the caller's lock.
func (ip *Inode_t) Stat(st *stat.Stat_t) {
	st.Wdev(uint32(ip.dev))
	st.Winum(uint32(ip.inum))
	st.Wtype(uint16(ip.Type))
	st.Wnlink(uint16(ip.Nlink))
	st.Wsize(uint64(ip.Size))
}

// activeSuper is the mounted filesystem's superblock; single-disk
// mounting only is in scope (spec.md Non-goals exclude multi-disk).
var activeSuper *Superblock_t

// MountRoot reads the superblock, recovers the log and records both as
// the active filesystem — called once at boot after virtio is ready.
func MountRoot(dev int) {
	sb := ReadSuper(dev)
	activeSuper = sb
	InitLog(dev, sb)
}

// Alloc allocates a new on-disk inode of the given type and returns a
// locked, cached handle. Must run inside a log transaction.
func (ic *Icache_t) Alloc(dev int, typ defs.Itype) *Inode_t {
	sb := activeSuper
	for inum := 1; inum < sb.Ninodes(); inum++ {
		b := Cache.Bread(dev, sb.IblockOf(inum))
		off := (inum % IPB()) * dinodeSize
		t := defs.Itype(binary.LittleEndian.Uint16(b.Data[off+doffType:]))
		if t == defs.T_EMPTY {
			for i := 0; i < dinodeSize; i++ {
				b.Data[off+i] = 0
			}
			binary.LittleEndian.PutUint16(b.Data[off+doffType:], uint16(typ))
			LogWrite(b)
			Cache.Brelse(b)
			ip := ic.Get(dev, inum)
			ip.Lock()
			return ip
		}
		Cache.Brelse(b)
	}
	panic("icache: disk out of inodes")
}

// Namei resolves path to an inode, following directory entries from
// root or cwd. Leading '/' roots at (ROOTDEV, ROOTINO); spec.md §4.10.
func Namei(cwd *Inode_t, path upath.Path) (*Inode_t, defs.Err_t) {
	ip, _, err := namex(cwd, path, false)
	return ip, err
}

// NameiParent returns the last-but-one inode and the final path
// component, for callers that are about to create or unlink an entry.
func NameiParent(cwd *Inode_t, path upath.Path) (*Inode_t, upath.Path, defs.Err_t) {
	return namex(cwd, path, true)
}

func namex(cwd *Inode_t, path upath.Path, parent bool) (*Inode_t, upath.Path, defs.Err_t) {
	var ip *Inode_t
	if path.IsAbsolute() {
		ip = Icache.Get(ROOTDEV, ROOTINO)
	} else {
		ip = Icache.Dup(cwd)
	}

	rest := path
	for {
		elem, next, ok := rest.Next()
		if !ok {
			if parent {
				Icache.Put(ip)
				return nil, nil, defs.ENOENT
			}
			return ip, nil, 0
		}
		ip.Lock()
		if ip.Type != defs.T_DIR {
			ip.Unlock()
			Icache.Put(ip)
			return nil, nil, defs.ENOTDIR
		}
		if parent && len(next) == 0 {
			ip.Unlock()
			return ip, elem, 0
		}
		next_ip, err := dirLookup(ip, elem)
		ip.Unlock()
		if err != 0 {
			Icache.Put(ip)
			return nil, nil, err
		}
		Icache.Put(ip)
		ip = next_ip
		rest = next
	}
}
