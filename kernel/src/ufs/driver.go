package ufs

import (
	"os"

	"golang.org/x/sys/unix"

	"fs"
)

// filedisk_t implements fs.Disk_i against a plain host file standing
// in for the block device — the host-side counterpart to virtio's
// MMIO ring, used by the test harness and by mkfs (SPEC_FULL.md §A/§B).
// Reads/writes go through pread64/pwrite64 rather than Seek+Read/Write,
// grounded on the teacher's ahci_disk_t but avoiding its Seek-then-I/O
// race window (the teacher's own comment flags needing a lock for
// exactly this reason; Pread/Pwrite removes the need for one).
type filedisk_t struct {
	f *os.File
}

func openDisk(path string) *filedisk_t {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		panic(err)
	}
	return &filedisk_t{f: f}
}

// Rw implements fs.Disk_i.
func (d *filedisk_t) Rw(b *fs.Buf_t, write bool) {
	off := int64(b.Blockno) * int64(fs.BSIZE)
	if write {
		n, err := unix.Pwrite(int(d.f.Fd()), b.Data[:], off)
		if err != nil || n != fs.BSIZE {
			panic(err)
		}
		if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
			panic(err)
		}
		return
	}
	n, err := unix.Pread(int(d.f.Fd()), b.Data[:], off)
	if err != nil || n != fs.BSIZE {
		panic(err)
	}
}

func (d *filedisk_t) close() {
	if err := d.f.Close(); err != nil {
		panic(err)
	}
}
