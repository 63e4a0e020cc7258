// Package fs implements the storage stack: the block buffer cache, the
// write-ahead log, the inode cache with directories, and the file
// layer that unifies regular files, device files and pipes (spec.md
// §4.8-§4.11). It is grounded on the teacher's original fs/blk.go and
// fs/super.go field-accessor style, generalized from the teacher's
// 4096-byte page-backed blocks to spec.md's 1024-byte blocks and from
// its refcounted Objref_t cache to a hashtable-indexed one
// (kernel/src/hashtable), since metadata self-hosting inside a page
// allocator is no longer relevant at 1024-byte granularity.
package fs

import (
	"hashtable"
	"limits"
	"spinlock"
	"stats"
)

// BSIZE is the on-disk block size (spec.md §6); re-exported from
// limits so fs call sites read naturally ("BSIZE" rather than
// "limits.BSIZE" throughout a package that is entirely about blocks).
const BSIZE = limits.BSIZE

// Buf_t is one cached disk block. The embedded sleeplock serializes
// access to Data; the cache-wide spinlock (in Bcache_t) only protects
// lookup and the refs count, matching spec.md §4.8 and §5's lock
// split.
type Buf_t struct {
	spinlock.Sleeplock_t
	Dev     int
	Blockno int
	Valid   bool
	refs    int
	Data    [BSIZE]uint8

	// Inflight is owned by the virtio driver, not the buffer cache: set
	// under the disk's own spinlock while a request is outstanding, and
	// the channel Rw sleeps/rechecks on (spec.md §4.12).
	Inflight bool
}

// Disk_i is the block device contract the virtio driver implements
// (spec.md §4.12): Rw submits the request and blocks the caller
// (sleeping on the buffer's own address while b.Inflight is set) until
// the data transfer completes. fs depends only on this
// interface, never on the virtio package directly, avoiding an import
// cycle (virtio needs Buf_t's fields to build descriptors).
type Disk_i interface {
	Rw(b *Buf_t, write bool)
}

// Disk is the registered block device, set by virtio at boot — the
// same registration pattern as spinlock.Cur/spinlock.Sch.
var Disk Disk_i

type blkKey struct {
	dev     int
	blockno int
}

func hashBlkKey(k blkKey) uint32 {
	return uint32(k.dev)*2654435761 + uint32(k.blockno)
}

// Bcache_t is the buffer-cache singleton: NBUF fixed buffers, looked up
// by (dev, blockno) via hashtable, replaced LRU-blind (a linear scan
// for the first refs==0 slot, as spec.md §4.8 explicitly allows).
type Bcache_t struct {
	mu   spinlock.Spinlock_t
	ht   *hashtable.Hashtable[blkKey, *Buf_t]
	bufs [limits.NBUF]Buf_t
}

// Cache is the kernel's single buffer cache instance.
var Cache = newBcache()

func newBcache() *Bcache_t {
	bc := &Bcache_t{
		mu: *spinlock.Mk("bcache"),
		ht: hashtable.Mk[blkKey, *Buf_t](limits.NBUF, hashBlkKey),
	}
	for i := range bc.bufs {
		bc.bufs[i].Sleeplock_t = *spinlock.Mksleeplock("buf")
	}
	return bc
}

// bget finds or claims a buffer for (dev, blockno) and returns it
// locked (spec.md §4.8).
func (bc *Bcache_t) bget(dev, blockno int) *Buf_t {
	key := blkKey{dev, blockno}
	bc.mu.Acquire()
	if b, ok := bc.ht.Get(key); ok {
		b.refs++
		bc.mu.Release()
		b.Lock()
		return b
	}
	for i := range bc.bufs {
		b := &bc.bufs[i]
		if b.refs == 0 {
			if b.Valid {
				bc.ht.Del(blkKey{b.Dev, b.Blockno})
			}
			b.Dev, b.Blockno = dev, blockno
			b.Valid = false
			b.refs = 1
			bc.ht.Set(key, b)
			bc.mu.Release()
			b.Lock()
			return b
		}
	}
	panic("bcache: no free buffers")
}

// Bread returns a locked buffer holding the contents of (dev, blockno),
// reading through the driver if not already cached.
func (bc *Bcache_t) Bread(dev, blockno int) *Buf_t {
	b := bc.bget(dev, blockno)
	if !b.Valid {
		Disk.Rw(b, false)
		b.Valid = true
		stats.Kernel.BufMisses.Inc()
	} else {
		stats.Kernel.BufHits.Inc()
	}
	return b
}

// Bwrite submits b's contents to the driver; b must be locked.
func (bc *Bcache_t) Bwrite(b *Buf_t) {
	if !b.Holding() {
		panic("bwrite: buf not locked")
	}
	Disk.Rw(b, true)
}

// Brelse unlocks b and, once no one else holds a reference, makes it
// eligible for reuse.
func (bc *Bcache_t) Brelse(b *Buf_t) {
	b.Unlock()
	bc.mu.Acquire()
	b.refs--
	bc.mu.Release()
}

// Pin bumps refs so b survives eviction while unlocked — used to hold
// a block for the duration of a log transaction (spec.md §4.9).
func (bc *Bcache_t) Pin(b *Buf_t) {
	bc.mu.Acquire()
	b.refs++
	bc.mu.Release()
}

// Unpin reverses Pin.
func (bc *Bcache_t) Unpin(b *Buf_t) {
	bc.mu.Acquire()
	b.refs--
	bc.mu.Release()
}
