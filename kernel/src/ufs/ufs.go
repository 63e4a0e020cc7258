// Package ufs is the host-side test/tooling harness for the storage
// stack: it boots fs against a plain host file (via filedisk_t) the
// way cmd/kernel boots it against virtio, so mkfs and package-level
// tests can build and inspect filesystem images without a running
// kernel. Grounded on the teacher's ufs/ufs.go, rewritten against the
// new fs package's free-function API (fs is a singleton package now,
// not a Fs_t object to wrap — matching Bcache_t/Icache_t/Log_t's own
// shape) and upath.Path in place of ustr.Ustr.
package ufs

import (
	"os"

	"defs"
	"fdops"
	"fs"
	"stat"
	"upath"
	"vm"
)

// Ufs_t is a handle on a booted filesystem image plus the root inode
// every path in this package resolves relative to.
type Ufs_t struct {
	disk *filedisk_t
	cwd  *fs.Inode_t
}

// mkFakeubuf wraps data as a fdops.Userio_i the file layer can read
// from or write into, standing in for a user pointer the way
// vm.Fakeubuf_t does everywhere else in this tree.
func mkFakeubuf(data []uint8) *vm.Fakeubuf_t {
	ub := &vm.Fakeubuf_t{}
	ub.FakeInit(data)
	return ub
}

// MkBuf returns a Fakeubuf_t initialized with b, for MkFile/Append/
// Update callers building up file contents.
func MkBuf(b []byte) *vm.Fakeubuf_t {
	data := make([]uint8, len(b))
	copy(data, b)
	return mkFakeubuf(data)
}

// BootFS opens the disk image at path, registers it as fs.Disk, and
// mounts the root filesystem — the same boot sequence cmd/kernel runs
// against virtio (spec.md §4.8).
func BootFS(path string) *Ufs_t {
	d := openDisk(path)
	fs.Disk = d
	fs.MountRoot(fs.ROOTDEV)
	cwd := fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	return &Ufs_t{disk: d, cwd: cwd}
}

// MkDisk creates a new disk image file of totalBlocks blocks, formats
// it (fs.Format) and returns a handle on the freshly created root
// directory — the entry point mkfs uses to build a bootable image from
// nothing (spec.md §6).
func MkDisk(path string, totalBlocks, ninodeblocks, nlogblocks int) *Ufs_t {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	if err := f.Truncate(int64(totalBlocks) * int64(fs.BSIZE)); err != nil {
		panic(err)
	}
	if err := f.Close(); err != nil {
		panic(err)
	}

	d := openDisk(path)
	fs.Disk = d
	fs.Format(fs.ROOTDEV, totalBlocks, ninodeblocks, nlogblocks)
	fs.MountRoot(fs.ROOTDEV)
	cwd := fs.Icache.Get(fs.ROOTDEV, fs.ROOTINO)
	return &Ufs_t{disk: d, cwd: cwd}
}

// Shutdown releases the root inode reference and closes the backing
// file.
func (u *Ufs_t) Shutdown() {
	fs.BeginOp()
	fs.Icache.Put(u.cwd)
	fs.EndOp()
	u.disk.close()
}

// MkFile creates a file at p, writing data into it if non-nil.
func (u *Ufs_t) MkFile(p string, data []byte) defs.Err_t {
	f, err := fs.Open(u.cwd, upath.Path(p), defs.O_CREATE|defs.O_RDWR)
	if err != 0 {
		return err
	}
	defer f.Close()
	if data == nil {
		return 0
	}
	ub := MkBuf(data)
	if _, err := f.Write(ub); err != 0 {
		return err
	}
	if ub.Remain() != 0 {
		return defs.EINVAL
	}
	return 0
}

// MkDir creates a directory at p.
func (u *Ufs_t) MkDir(p string) defs.Err_t {
	return fs.Mkdir(u.cwd, upath.Path(p))
}

// Append appends data to the end of the file at p.
func (u *Ufs_t) Append(p string, data []byte) defs.Err_t {
	f, err := fs.Open(u.cwd, upath.Path(p), defs.O_RDWR)
	if err != 0 {
		return err
	}
	defer f.Close()
	if _, err := f.Lseek(0, fdops.SEEK_END); err != 0 {
		return err
	}
	ub := MkBuf(data)
	if _, err := f.Write(ub); err != 0 {
		return err
	}
	return 0
}

// Unlink removes the directory entry at p.
func (u *Ufs_t) Unlink(p string) defs.Err_t {
	return fs.Unlink(u.cwd, upath.Path(p))
}

// Link creates newp as another name for oldp.
func (u *Ufs_t) Link(oldp, newp string) defs.Err_t {
	return fs.Link(u.cwd, upath.Path(oldp), upath.Path(newp))
}

// Stat returns the stat_t for the file at p.
func (u *Ufs_t) Stat(p string) (*stat.Stat_t, defs.Err_t) {
	f, err := fs.Open(u.cwd, upath.Path(p), defs.O_RDONLY)
	if err != 0 {
		return nil, err
	}
	defer f.Close()
	st := &stat.Stat_t{}
	if err := f.Fstat(st); err != 0 {
		return nil, err
	}
	return st, 0
}

// Read returns the entire contents of the file at p.
func (u *Ufs_t) Read(p string) ([]byte, defs.Err_t) {
	st, err := u.Stat(p)
	if err != 0 {
		return nil, err
	}
	f, err := fs.Open(u.cwd, upath.Path(p), defs.O_RDONLY)
	if err != 0 {
		return nil, err
	}
	defer f.Close()
	data := make([]uint8, st.Size())
	ub := mkFakeubuf(data)
	n, err := f.Read(ub)
	if err != 0 || n != len(data) {
		return nil, err
	}
	return []byte(data), 0
}
