package proc

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"buddy"
	"defs"
	"fd"
	"fs"
	"limits"
	"mem"
	"upath"
	"vm"
)

// testDisk is an in-memory fs.Disk_i, the same shape as fs's own
// memDisk (fs/fs_test.go) but kept package-local since proc cannot
// import an internal fs test helper.
type testDisk struct {
	mu     sync.Mutex
	blocks map[int][fs.BSIZE]uint8
}

func newTestDisk() *testDisk { return &testDisk{blocks: make(map[int][fs.BSIZE]uint8)} }

func (d *testDisk) Rw(b *fs.Buf_t, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if write {
		d.blocks[b.Blockno] = b.Data
	} else {
		b.Data = d.blocks[b.Blockno]
	}
}

const (
	testTotalBlocks = 256
	testInodeBlocks = 4
)

// TestMain wires a scratch physical arena (the same injection
// cmd/kernel's initPages does at boot, scaled down) and a throwaway
// filesystem image, then starts the one scheduler goroutine every test
// in this package shares — ptable, cpus and curHartID are all package
// singletons, so running two Scheduler(0) loops concurrently would
// race over the same process slots. A single persistent scheduler
// across the whole test binary mirrors how the real kernel only ever
// starts one Scheduler goroutine per hart.
func TestMain(m *testing.M) {
	arena := make([]byte, 4096*mem.PGSIZE)
	base := uintptr(unsafe.Pointer(&arena[0]))
	vm.Pages = buddy.Init(base, base+uintptr(len(arena)))

	fs.Disk = newTestDisk()
	fs.Format(fs.ROOTDEV, testTotalBlocks, testInodeBlocks, limits.LOGSIZE)
	fs.MountRoot(fs.ROOTDEV)

	go Scheduler(0)

	os.Exit(m.Run())
}

// writeFile creates path and writes payload to it through the ordinary
// fs API, exactly as a shell's redirection would.
func writeFile(t *testing.T, cwd *fs.Inode_t, path upath.Path, payload []byte) {
	t.Helper()
	f, err := fs.Open(cwd, path, defs.O_CREATE|defs.O_RDWR)
	require.Zero(t, err)
	wbuf := &vm.Fakeubuf_t{}
	wbuf.FakeInit(append([]byte(nil), payload...))
	n, werr := f.Write(wbuf)
	require.Zero(t, werr)
	require.Equal(t, len(payload), n)
	require.Zero(t, f.Close())
}

// buildMinimalElf assembles the smallest 64-bit ELF image parseElfHeader
// and parseProgHeader (exec.go) can load: one PT_LOAD segment mapping
// a handful of immediate-looking bytes at a page-aligned virtual
// address, entry pointing at the start of that segment.
func buildMinimalElf(entry uint64, payload []byte) []byte {
	const ehSize = 64
	const phSize = 56

	buf := make([]byte, ehSize+phSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], 0x464c457f)
	binary.LittleEndian.PutUint64(buf[24:], entry)  // ehEntryOff
	binary.LittleEndian.PutUint64(buf[32:], ehSize) // ehPhoffOff
	binary.LittleEndian.PutUint16(buf[56:], 1)      // ehPhnumOff

	ph := buf[ehSize:]
	binary.LittleEndian.PutUint32(ph[0:], 1)                     // phTypeOff = PT_LOAD
	binary.LittleEndian.PutUint64(ph[8:], uint64(ehSize+phSize)) // phOffsetOff
	binary.LittleEndian.PutUint64(ph[16:], entry)                // phVaddrOff
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(payload))) // phFileszOff
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(payload))) // phMemszOff

	copy(buf[ehSize+phSize:], payload)
	return buf
}

// execTestProc allocates a bare process (bypassing Userinit's RUNNABLE
// handoff to the scheduler, since Exec itself never touches sched/
// swtch) with a fresh pagetable and cwd, ready for Exec to replace its
// image.
func execTestProc(t *testing.T) *Proc_t {
	t.Helper()
	p := allocproc()
	require.NotNil(t, p)
	pt, ok := vm.New()
	require.True(t, ok)
	p.pagetable = pt
	p.sz = 0
	p.name = "exectest"
	p.cwd = fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	p.cwdPath = upath.MkPathRoot()
	return p
}

func TestUserinitProducesRunnableProcessWithUniquePid(t *testing.T) {
	p1 := Userinit()
	p2 := Userinit()

	require.Equal(t, RUNNABLE, p1.state)
	require.NotEqual(t, p1.pid, p2.pid)
	require.NotZero(t, p1.pid)
	require.NotNil(t, p1.cwd)
}

// TestExecLoadsMinimalElfAndSetsEntry is spec.md §8's boot-to-init
// scenario: a process execs a binary read off the filesystem and ends
// up with a trapframe pointed at that binary's entry point.
func TestExecLoadsMinimalElfAndSetsEntry(t *testing.T) {
	root := fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	const entry = uint64(mem.PGSIZE) // page-aligned, as UvmAlloc requires
	image := buildMinimalElf(entry, []byte("\x93\x00\x00\x00"))
	writeFile(t, root, upath.Path("/init"), image)

	p := execTestProc(t)
	err := Exec(p, upath.Path("/init"), nil)
	require.Zero(t, err)
	require.Equal(t, entry, p.tf.Epc)
	require.NotZero(t, p.sz)
	require.NotZero(t, p.tf.Sp)
}

func TestExecUnknownPathFails(t *testing.T) {
	p := execTestProc(t)
	err := Exec(p, upath.Path("/does-not-exist"), nil)
	require.Equal(t, defs.ENOENT, err)
}

// TestForkDuplicatesAddressSpaceAndFdTable exercises spec.md §8's
// dup/close-refcount scenario from the fork side: the child inherits
// a distinct but equally-sized address space and its own reference on
// every open file, so closing the parent's descriptor must not affect
// the child's copy.
func TestForkDuplicatesAddressSpaceAndFdTable(t *testing.T) {
	root := fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	writeFile(t, root, upath.Path("/shared"), []byte("inherited"))

	parent := execTestProc(t)
	newsz, ok := parent.pagetable.UvmAlloc(0, 2*mem.PGSIZE)
	require.True(t, ok)
	parent.sz = newsz

	f, err := fs.Open(parent.cwd, upath.Path("/shared"), defs.O_RDONLY)
	require.Zero(t, err)
	fdnum, ferr := parent.AllocFd(&fd.Fd_t{Fops: f, Perms: fd.FD_READ})
	require.Zero(t, ferr)

	childPid, ferr := Fork(parent)
	require.Zero(t, ferr)
	require.NotEqual(t, parent.pid, childPid)

	var child *Proc_t
	for i := range ptable.procs {
		if ptable.procs[i].pid == childPid {
			child = &ptable.procs[i]
		}
	}
	require.NotNil(t, child)
	require.Equal(t, RUNNABLE, child.state)
	require.Equal(t, parent.sz, child.sz)
	require.NotSame(t, parent.pagetable, child.pagetable)

	childFile, cerr := child.Fd(fdnum)
	require.Zero(t, cerr)
	require.NotNil(t, childFile)

	// Closing the parent's copy must not invalidate the child's.
	require.Zero(t, parent.CloseFd(fdnum))
	require.Zero(t, child.CloseFd(fdnum))
}

func TestSbrkGrowThenShrinkRoundTrips(t *testing.T) {
	p := execTestProc(t)
	p.sz = 0

	before, err := p.Sbrk(3 * mem.PGSIZE)
	require.Zero(t, err)
	require.Equal(t, 0, before)
	require.Equal(t, 3*mem.PGSIZE, p.sz)

	before, err = p.Sbrk(-2 * mem.PGSIZE)
	require.Zero(t, err)
	require.Equal(t, 3*mem.PGSIZE, before)
	require.Equal(t, mem.PGSIZE, p.sz)
}

// TestCloseFdReturnsEBADFPastRefcount is spec.md §8's dup/close
// refcount scenario: fd.Fd_t itself has no over-close guard
// (fs.File_t.Close is a bare decrement, file.go), so the boundary
// lives in the process's fd table — a second close of the same slot
// must fail with EBADF rather than silently decrementing again.
func TestCloseFdReturnsEBADFPastRefcount(t *testing.T) {
	root := fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	writeFile(t, root, upath.Path("/closeme"), []byte("x"))

	p := execTestProc(t)
	f, err := fs.Open(p.cwd, upath.Path("/closeme"), defs.O_RDONLY)
	require.Zero(t, err)
	n, aerr := p.AllocFd(&fd.Fd_t{Fops: f, Perms: fd.FD_READ})
	require.Zero(t, aerr)

	require.Zero(t, p.CloseFd(n))
	require.Equal(t, defs.EBADF, p.CloseFd(n))
}

// TestKillDuringSleepWakesProcessWithoutPanic is spec.md §8's
// kill-during-sleep scenario. Userinit's process gets picked up by the
// shared background Scheduler goroutine, lands in runProc's idle
// Sleep loop (runProc's doc comment: "Only Kill ... or a future real
// wakeup source ever resumes this loop"), and this test kills it while
// it's parked there. A regression of the scheduler bug this guards
// against (sched panicking on a RUNNING proc) would crash the whole
// test binary, not just fail an assertion, since runProc runs on its
// own goroutine.
func TestKillDuringSleepWakesProcessWithoutPanic(t *testing.T) {
	p := Userinit()

	require.Eventually(t, func() bool {
		p.excl.Acquire()
		defer p.excl.Release()
		return p.state == SLEEPING
	}, 2*time.Second, time.Millisecond, "process never reached the scheduler's idle sleep loop")

	require.Zero(t, Kill(p.pid))
	require.True(t, p.Killed())

	require.Eventually(t, func() bool {
		p.excl.Acquire()
		defer p.excl.Release()
		return p.state == SLEEPING
	}, 2*time.Second, time.Millisecond, "killed process never went back to sleep on its idle channel")
}

func TestKillUnknownPidReturnsESRCH(t *testing.T) {
	require.Equal(t, defs.ESRCH, Kill(1<<30))
}
