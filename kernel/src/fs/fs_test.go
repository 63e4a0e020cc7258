package fs

import (
	"os"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"defs"
	"limits"
	"spinlock"
	"upath"
	"vm"
)

// fakeHart satisfies spinlock.Hartapi for a single-goroutine test binary
// that never takes an interrupt: spinlock.Hartapi's own doc comment
// invites exactly this ("tests can supply a fake to exercise the
// nesting rules without a scheduler"), so fs's test suite never needs
// to import proc to get a runnable Cur().
type fakeHart struct {
	intrOn bool
	noff   int
}

func (h *fakeHart) HartID() int         { return 0 }
func (h *fakeHart) IntrOn() bool        { return h.intrOn }
func (h *fakeHart) IntrSet(on bool)     { h.intrOn = on }
func (h *fakeHart) NoffAdd(d int) int   { h.noff += d; return h.noff }

// fakeSched satisfies spinlock.Sched. Every operation this file drives
// runs to completion on a single goroutine, so nothing ever contends a
// sleeplock or fills the log: a real Sleep call here means a test
// exercised a code path it didn't account for, so it panics loudly
// instead of hanging.
type fakeSched struct{}

func (fakeSched) Sleep(channel uintptr, guard *spinlock.Spinlock_t) {
	panic("fs_test: unexpected blocking sleep; tests run single-threaded")
}
func (fakeSched) Wakeup(channel uintptr) {}

func TestMain(m *testing.M) {
	hart := &fakeHart{intrOn: true}
	spinlock.Cur = func() spinlock.Hartapi { return hart }
	spinlock.Sch = fakeSched{}
	os.Exit(m.Run())
}

// memDisk is an in-memory Disk_i, grounded on ufs/driver.go's
// filedisk_t (same Rw-through-pread/pwrite shape, swapped for a map
// since tests have no real backing file). It can also snapshot itself
// the instant a chosen block is written, which is how the crash-safety
// test below manufactures a frozen, partially-applied disk image.
type memDisk struct {
	mu     sync.Mutex
	blocks map[int][BSIZE]uint8

	armed     bool
	trapBlock int
	snapshot  map[int][BSIZE]uint8
}

func newMemDisk() *memDisk {
	return &memDisk{blocks: make(map[int][BSIZE]uint8)}
}

func (d *memDisk) Rw(b *Buf_t, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !write {
		b.Data = d.blocks[b.Blockno]
		return
	}
	d.blocks[b.Blockno] = b.Data
	if d.armed && b.Blockno == d.trapBlock && d.snapshot == nil {
		snap := make(map[int][BSIZE]uint8, len(d.blocks))
		for k, v := range d.blocks {
			snap[k] = v
		}
		d.snapshot = snap
	}
}

// small test filesystem parameters, scaled down from cmd/mkfs's real
// 40000-data-block image but keeping the same log size.
const (
	testTotalBlocks  = 200
	testInodeBlocks  = 4
	testLogBlocks    = limits.LOGSIZE
	testHeaderBlock  = 2 // Format always places the log header at block 2
)

func formatFreshFS(t *testing.T) *memDisk {
	t.Helper()
	d := newMemDisk()
	Disk = d
	Cache = newBcache()
	Format(ROOTDEV, testTotalBlocks, testInodeBlocks, testLogBlocks)
	MountRoot(ROOTDEV)
	return d
}

func TestFormatMountRootCreatesRootDir(t *testing.T) {
	formatFreshFS(t)

	root := Icache.Get(ROOTDEV, ROOTINO)
	root.Lock()
	defer root.Unlock()

	require.Equal(t, defs.T_DIR, root.Type)
	require.Equal(t, 1, root.Nlink)

	self, err := dirLookup(root, upath.MkPathDot())
	require.Zero(t, err)
	require.Equal(t, ROOTINO, self.inum)
}

func TestOpenCreateWriteReadRoundTrip(t *testing.T) {
	formatFreshFS(t)
	cwd := Icache.Get(ROOTDEV, ROOTINO)

	f, err := Open(cwd, upath.Path("/greeting"), defs.O_CREATE|defs.O_RDWR)
	require.Zero(t, err)

	payload := []byte("hello from the write-ahead log")
	wbuf := &vm.Fakeubuf_t{}
	wbuf.FakeInit(append([]byte(nil), payload...))
	n, err := f.Write(wbuf)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	require.Zero(t, f.Close())

	f2, err := Open(cwd, upath.Path("/greeting"), defs.O_RDONLY)
	require.Zero(t, err)
	got := make([]byte, len(payload))
	rbuf := &vm.Fakeubuf_t{}
	rbuf.FakeInit(got)
	n, err = f2.Read(rbuf)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
	require.Zero(t, f2.Close())
}

func TestMkdirAndNamexRoundTrip(t *testing.T) {
	formatFreshFS(t)
	cwd := Icache.Get(ROOTDEV, ROOTINO)

	require.Zero(t, Mkdir(cwd, upath.Path("/sub")))

	sub, err := Namei(cwd, upath.Path("/sub"))
	require.Zero(t, err)
	sub.Lock()
	require.Equal(t, defs.T_DIR, sub.Type)
	sub.Unlock()

	f, err := Open(cwd, upath.Path("/sub/leaf"), defs.O_CREATE|defs.O_RDWR)
	require.Zero(t, err)
	require.Zero(t, f.Close())

	_, err = Namei(cwd, upath.Path("/sub/leaf"))
	require.Zero(t, err)
}

// TestIwriteRejectsPastMaxFileSize exercises the MaxFileSize boundary
// (spec.md §8) directly against the inode: a write landing even one
// byte past the limit must be refused before any block allocation, so
// this never touches the allocator regardless of how small the test
// image's data area is.
func TestIwriteRejectsPastMaxFileSize(t *testing.T) {
	formatFreshFS(t)
	cwd := Icache.Get(ROOTDEV, ROOTINO)

	f, err := Open(cwd, upath.Path("/huge"), defs.O_CREATE|defs.O_RDWR)
	require.Zero(t, err)

	BeginOp()
	f.ip.Lock()
	src := vm.KernelAddress(make([]byte, 16))
	_, werr := f.ip.Iwrite(src, limits.MaxFileSize-8, 16)
	f.ip.Unlock()
	EndOp()

	require.Equal(t, defs.EFBIG, werr)
	require.Zero(t, f.Close())
}

// TestIwriteCrossesIntoIndirectBlock grows a file past NDIRECT blocks,
// forcing bmap to allocate and use the single indirect block (spec.md
// §4.10's map_blockno), then reads the far side back.
func TestIwriteCrossesIntoIndirectBlock(t *testing.T) {
	formatFreshFS(t)
	cwd := Icache.Get(ROOTDEV, ROOTINO)

	f, err := Open(cwd, upath.Path("/spanning"), defs.O_CREATE|defs.O_RDWR)
	require.Zero(t, err)

	offset := (limits.NDIRECT + 1) * BSIZE
	payload := []byte("past the direct blocks")

	BeginOp()
	f.ip.Lock()
	_, werr := f.ip.Iwrite(vm.KernelAddress(payload), offset, len(payload))
	require.Zero(t, werr)
	require.NotZero(t, f.ip.Addrs[limits.NDIRECT], "indirect block pointer must now be allocated")
	f.ip.Unlock()
	EndOp()

	got := make([]byte, len(payload))
	f.ip.Lock()
	_, rerr := f.ip.Iread(vm.KernelAddress(got), offset, len(got))
	f.ip.Unlock()
	require.Zero(t, rerr)
	require.Equal(t, payload, got)
	require.Zero(t, f.Close())
}

func TestPipeEchoWithinCapacity(t *testing.T) {
	formatFreshFS(t)

	rd, wr, err := MkPipe()
	require.Zero(t, err)

	payload := make([]byte, limits.PIPESIZE-10)
	for i := range payload {
		payload[i] = byte(i)
	}
	wbuf := &vm.Fakeubuf_t{}
	wbuf.FakeInit(append([]byte(nil), payload...))
	n, werr := wr.Write(wbuf)
	require.Zero(t, werr)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	rbuf := &vm.Fakeubuf_t{}
	rbuf.FakeInit(got)
	n, rerr := rd.Read(rbuf)
	require.Zero(t, rerr)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)

	require.Zero(t, wr.Close())
	require.Zero(t, rd.Close())
}

func TestBreadReusesCachedBuffer(t *testing.T) {
	formatFreshFS(t)

	b1 := Cache.Bread(ROOTDEV, testHeaderBlock)
	Cache.Brelse(b1)
	b2 := Cache.Bread(ROOTDEV, testHeaderBlock)
	Cache.Brelse(b2)

	require.Same(t, b1, b2, "bget must hand back the same slot for an already-cached block")
}

// TestUnlinkSurvivesCrashBeforeInstall is spec.md §8's crash-safety
// scenario: freeze the disk at the exact instant Log_t.commit's header
// write lands (commit()'s step 2, log.go) — log area already holds the
// unlink's new blocks, but home blocks are still untouched — then boot
// a second, empty-cache instance against that frozen image and confirm
// recover() finishes the transaction rather than leaving it half-done.
func TestUnlinkSurvivesCrashBeforeInstall(t *testing.T) {
	d := formatFreshFS(t)
	cwd := Icache.Get(ROOTDEV, ROOTINO)

	f, err := Open(cwd, upath.Path("/victim"), defs.O_CREATE|defs.O_RDWR)
	require.Zero(t, err)
	wbuf := &vm.Fakeubuf_t{}
	wbuf.FakeInit([]byte("crash me if you can"))
	_, werr := f.Write(wbuf)
	require.Zero(t, werr)
	require.Zero(t, f.Close())

	cwd.Lock()
	dirBlock := cwd.Addrs[0]
	cwd.Unlock()

	d.armed = true
	d.trapBlock = testHeaderBlock
	d.snapshot = nil

	require.Zero(t, Unlink(cwd, upath.Path("/victim")))
	require.NotNil(t, d.snapshot, "the commit-point header write never happened")
	crashed := d.snapshot

	crashedNames := direntNamesIn(crashed[dirBlock])
	require.Contains(t, crashedNames, "victim",
		"the frozen disk's home directory block must still show the stale pre-unlink entry")

	// "Reboot": fresh buffer cache, fresh disk seeded from exactly what
	// made it to stable storage before the simulated crash.
	d2 := &memDisk{blocks: crashed}
	Disk = d2
	Cache = newBcache()
	MountRoot(ROOTDEV) // InitLog -> recover() must replay the frozen transaction

	recoveredNames := direntNamesIn(d2.blocks[dirBlock])
	diff := pretty.Compare(crashedNames, recoveredNames)
	require.NotEmpty(t, diff, "recovery must change the directory block's on-disk contents:\n%s", diff)
	require.NotContains(t, recoveredNames, "victim", "recovery must finish installing the unlink")

	cwd2 := Icache.Get(ROOTDEV, ROOTINO)
	_, nerr := Namei(cwd2, upath.Path("/victim"))
	require.Equal(t, defs.ENOENT, nerr)
}

// direntNamesIn lists every occupied directory-entry name packed into
// one raw disk block, bypassing the buffer cache entirely so it can be
// used on a disk snapshot that was never mounted.
func direntNamesIn(raw [BSIZE]uint8) []string {
	var names []string
	for off := 0; off+direntSize <= BSIZE; off += direntSize {
		ent := raw[off : off+direntSize]
		if directIsEmpty(ent) {
			continue
		}
		names = append(names, string(direntName(ent)))
	}
	return names
}
