package fs

import (
	"encoding/binary"
	"unsafe"

	"limits"
	"spinlock"
	"stats"
)

// logheader is the in-memory shadow of the on-disk log header block:
// {n: u32, block[LOGSIZE]: u32} (spec.md §6). n == 0 means no pending
// commit.
type logheader struct {
	n      int
	blocks [limits.LOGSIZE]int
}

// Log_t implements the write-ahead log with group commit (spec.md
// §4.9). original_source's xv6-riscv-rust port never finished its
// log.rs (mod.rs references it but the file is absent from the pack),
// so this is grounded directly on spec.md's commit-sequence and
// begin_op/end_op description plus the teacher's field-accessor style
// for the on-disk header.
type Log_t struct {
	mu          spinlock.Spinlock_t
	dev         int
	start       int // first log block (header)
	size        int // log capacity in blocks, including the header
	outstanding int // number of transactions currently open
	committing  bool
	lh          logheader
}

// Log is the kernel's single write-ahead log instance, matching
// spec.md §5's "one spinlock for the log header and transaction
// counter".
var Log = &Log_t{}

func (l *Log_t) channel() uintptr { return uintptr(unsafe.Pointer(&l.lh)) }

// InitLog reads the log header from disk and replays any committed
// but not-yet-installed transaction (spec.md §4.9's "Recovery on
// boot").
func InitLog(dev int, sb *Superblock_t) {
	l := Log
	l.mu = *spinlock.Mk("log")
	l.dev = dev
	l.start = sb.Logstart()
	l.size = sb.Nlog()
	l.recover()
}

func (l *Log_t) readHeader() {
	b := Cache.Bread(l.dev, l.start)
	l.lh.n = int(binary.LittleEndian.Uint32(b.Data[0:]))
	for i := 0; i < l.lh.n; i++ {
		l.lh.blocks[i] = int(binary.LittleEndian.Uint32(b.Data[4+4*i:]))
	}
	Cache.Brelse(b)
}

func (l *Log_t) writeHeader() {
	b := Cache.Bread(l.dev, l.start)
	binary.LittleEndian.PutUint32(b.Data[0:], uint32(l.lh.n))
	for i := 0; i < l.lh.n; i++ {
		binary.LittleEndian.PutUint32(b.Data[4+4*i:], uint32(l.lh.blocks[i]))
	}
	Cache.Bwrite(b)
	Cache.Brelse(b)
}

func (l *Log_t) recover() {
	l.readHeader()
	if l.lh.n > 0 {
		l.installTransaction()
		l.lh.n = 0
		l.writeHeader()
	}
}

// installTransaction copies each logged block from the log area to its
// home location (commit-sequence step 3).
func (l *Log_t) installTransaction() {
	for i := 0; i < l.lh.n; i++ {
		lb := Cache.Bread(l.dev, l.start+1+i)
		db := Cache.Bread(l.dev, l.lh.blocks[i])
		db.Data = lb.Data
		Cache.Bwrite(db)
		Cache.Brelse(lb)
		Cache.Brelse(db)
	}
}

// BeginOp reserves room for one more transaction, blocking while a
// commit is in progress or admitting this one would overflow the log
// (spec.md §4.9).
func BeginOp() {
	l := Log
	l.mu.Acquire()
	for {
		full := (l.outstanding+1)*limits.MAXOPBLOCKS+l.lh.n > limits.LOGSIZE
		if l.committing || full {
			spinlock.Sch.Sleep(l.channel(), &l.mu)
			continue
		}
		l.outstanding++
		stats.Kernel.LogActive.Set(int64(l.outstanding))
		l.mu.Release()
		return
	}
}

// LogWrite records that b is dirty and must be committed; it does not
// write to disk yet. Duplicate blockno entries are absorbed in place.
// b is pinned so it cannot be evicted before the commit installs it.
func LogWrite(b *Buf_t) {
	l := Log
	l.mu.Acquire()
	defer l.mu.Release()

	for i := 0; i < l.lh.n; i++ {
		if l.lh.blocks[i] == b.Blockno {
			return // already logged this transaction
		}
	}
	if l.lh.n >= limits.LOGSIZE {
		panic("log: transaction too big")
	}
	l.lh.blocks[l.lh.n] = b.Blockno
	l.lh.n++
	Cache.Pin(b)
}

// EndOp closes one transaction. The last closer performs the actual
// commit outside the log lock, then wakes everyone waiting in
// BeginOp.
func EndOp() {
	l := Log
	l.mu.Acquire()
	l.outstanding--
	doCommit := false
	if l.committing {
		panic("log: end_op while committing")
	}
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		spinlock.Sch.Wakeup(l.channel())
	}
	l.mu.Release()

	if doCommit {
		l.commit()
		l.mu.Acquire()
		l.committing = false
		l.mu.Release()
		spinlock.Sch.Wakeup(l.channel())
	}
}

// commit runs the crash-safe four-step sequence spec.md §4.9 requires:
// copy dirty buffers into the log area, write the header with n set
// (the commit point), install into home blocks, then clear the header.
func (l *Log_t) commit() {
	if l.lh.n == 0 {
		return
	}
	blocks := l.lh.blocks // snapshot before clearing below
	n := l.lh.n

	for i := 0; i < n; i++ {
		from := Cache.Bread(l.dev, blocks[i])
		to := Cache.Bread(l.dev, l.start+1+i)
		to.Data = from.Data
		Cache.Bwrite(to)
		Cache.Brelse(from)
		Cache.Brelse(to)
	}
	l.writeHeader() // commit point
	l.installTransaction()
	stats.Kernel.LogCommits.Inc()
	l.lh.n = 0
	l.writeHeader()

	for i := 0; i < n; i++ {
		b := Cache.Bread(l.dev, blocks[i])
		Cache.Unpin(b)
		Cache.Brelse(b)
	}
}
