package fs

import (
	"sync"

	"defs"
	"fdops"
	"stat"
	"upath"
	"vm"
)

// DevOps_i is the driver-table entry a device major registers at boot
// (in this tree only the console registers one). File's Device
// variant dispatches fread/fwrite through this table (spec.md §4.11).
type DevOps_i interface {
	Read(dst fdops.Userio_i) (int, defs.Err_t)
	Write(src fdops.Userio_i) (int, defs.Err_t)
}

// Devices is the major-number-indexed driver table.
var Devices [defs.D_LAST + 1]DevOps_i

// fkind distinguishes File_t's three variants (spec.md §4.11's
// {Regular, Device, Pipe}).
type fkind int

const (
	fRegular fkind = iota
	fDevice
	fPipe
)

// File_t is the unified open-file-table entry backing every Fd_t:
// regular files, device files and pipe endpoints all satisfy
// fdops.Fdops_i through this one type, matching spec.md §4.11's sum
// type.
type File_t struct {
	mu    sync.Mutex
	kind  fkind
	readable, writable bool

	// fRegular
	ip     *Inode_t
	offset int

	// fDevice
	major int
	dip   *Inode_t

	// fPipe
	pipe    *Pipe_t
	pipeEnd int // 0 = read end, 1 = write end

	refs int
}

// Open resolves path (wrapped in a log transaction per spec.md §4.11),
// optionally creating it, and returns a ready-for-use *File_t.
func Open(cwd *Inode_t, path upath.Path, flags int) (*File_t, defs.Err_t) {
	BeginOp()
	defer EndOp()

	var ip *Inode_t
	if flags&defs.O_CREATE != 0 {
		dp, name, err := NameiParent(cwd, path)
		if err != 0 {
			return nil, err
		}
		dp.Lock()
		ip, err = create(dp, name)
		dp.Unlock()
		Icache.Put(dp)
		if err != 0 {
			return nil, err
		}
	} else {
		var err defs.Err_t
		ip, err = Namei(cwd, path)
		if err != 0 {
			return nil, err
		}
		ip.Lock()
	}

	if ip.Type == defs.T_DIR && flags != defs.O_RDONLY {
		ip.Unlock()
		Icache.Put(ip)
		return nil, defs.EISDIR
	}

	f := &File_t{refs: 1}
	f.readable = flags&defs.O_WRONLY == 0
	f.writable = flags&defs.O_WRONLY != 0 || flags&defs.O_RDWR != 0

	switch ip.Type {
	case defs.T_DEVICE:
		if ip.Major < defs.D_FIRST || ip.Major > defs.D_LAST {
			ip.Unlock()
			Icache.Put(ip)
			return nil, defs.EINVAL
		}
		f.kind = fDevice
		f.major = ip.Major
		f.dip = ip
	case defs.T_FILE, defs.T_DIR:
		f.kind = fRegular
		f.ip = ip
		if flags&defs.O_TRUNC != 0 && ip.Type == defs.T_FILE {
			ip.truncate()
		}
	default:
		panic("open: unreachable inode type")
	}
	ip.Unlock()
	return f, 0
}

// create implements O_CREATE: namei_parent already ran, dp is locked.
func create(dp *Inode_t, name upath.Path) (*Inode_t, defs.Err_t) {
	if existing, err := dirLookup(dp, name); err == 0 {
		existing.Lock()
		return existing, 0
	}
	ip := Icache.Alloc(dp.dev, defs.T_FILE)
	ip.Major = 0
	ip.Nlink = 1
	ip.Update()
	if err := DirLink(dp, name, ip.inum); err != 0 {
		ip.Unlock()
		Icache.Put(ip)
		return nil, err
	}
	return ip, 0
}

// Mknod creates a device-type directory entry (syscall 17, spec.md
// §4.7).
func Mknod(cwd *Inode_t, path upath.Path, major int) defs.Err_t {
	BeginOp()
	defer EndOp()
	dp, name, err := NameiParent(cwd, path)
	if err != 0 {
		return err
	}
	dp.Lock()
	defer Icache.Put(dp)
	defer dp.Unlock()

	ip := Icache.Alloc(dp.dev, defs.T_DEVICE)
	ip.Major = major
	ip.Nlink = 1
	ip.Update()
	defer Icache.Put(ip)
	defer ip.Unlock()
	return DirLink(dp, name, ip.inum)
}

// Mkdir creates a directory entry with "." and ".." populated
// (syscall 20).
func Mkdir(cwd *Inode_t, path upath.Path) defs.Err_t {
	BeginOp()
	defer EndOp()
	dp, name, err := NameiParent(cwd, path)
	if err != 0 {
		return err
	}
	dp.Lock()
	ip := Icache.Alloc(dp.dev, defs.T_DIR)
	if err := InitDir(ip, dp); err != 0 {
		ip.Unlock()
		Icache.Put(ip)
		dp.Unlock()
		Icache.Put(dp)
		return err
	}
	err = DirLink(dp, name, ip.inum)
	ip.Unlock()
	Icache.Put(ip)
	dp.Unlock()
	Icache.Put(dp)
	return err
}

// Unlink removes a directory entry (syscall 18), freeing the target
// inode once its last reference drops (spec.md §4.10).
func Unlink(cwd *Inode_t, path upath.Path) defs.Err_t {
	BeginOp()
	defer EndOp()
	dp, name, err := NameiParent(cwd, path)
	if err != 0 {
		return err
	}
	dp.Lock()
	err = DirUnlink(dp, name)
	dp.Unlock()
	Icache.Put(dp)
	return err
}

// Link adds another name for an existing inode (syscall 19).
func Link(cwd *Inode_t, oldpath, newpath upath.Path) defs.Err_t {
	BeginOp()
	defer EndOp()
	ip, err := Namei(cwd, oldpath)
	if err != 0 {
		return err
	}
	ip.Lock()
	if ip.Type == defs.T_DIR {
		ip.Unlock()
		Icache.Put(ip)
		return defs.EPERM
	}
	ip.Nlink++
	ip.Update()
	ip.Unlock()

	dp, name, err := NameiParent(cwd, newpath)
	if err != 0 {
		Icache.Put(ip)
		return err
	}
	dp.Lock()
	err = DirLink(dp, name, ip.inum)
	dp.Unlock()
	Icache.Put(dp)
	if err != 0 {
		ip.Lock()
		ip.Nlink--
		ip.Update()
		ip.Unlock()
	}
	Icache.Put(ip)
	return err
}

// Reopen bumps refs — used by dup (syscall 10) and fork's file-table
// clone.
func (f *File_t) Reopen() defs.Err_t {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return 0
}

// Close drops a reference; at zero it releases the file's resources
// (spec.md §4.11's Drop).
func (f *File_t) Close() defs.Err_t {
	f.mu.Lock()
	f.refs--
	done := f.refs == 0
	f.mu.Unlock()
	if !done {
		return 0
	}
	switch f.kind {
	case fRegular:
		BeginOp()
		Icache.Put(f.ip)
		EndOp()
	case fDevice:
		BeginOp()
		Icache.Put(f.dip)
		EndOp()
	case fPipe:
		f.pipe.Close(f.pipeEnd)
	}
	return 0
}

// Read dispatches by variant (spec.md §4.11's fread).
func (f *File_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if !f.readable {
		return 0, defs.EPERM
	}
	switch f.kind {
	case fRegular:
		f.ip.Lock()
		n, err := f.ip.Iread(userAddrOf(dst), f.offset, dst.Remain())
		f.ip.Unlock()
		if err == 0 {
			f.mu.Lock()
			f.offset += n
			f.mu.Unlock()
		}
		return n, err
	case fDevice:
		d := Devices[f.major]
		if d == nil {
			return 0, defs.EINVAL
		}
		return d.Read(dst)
	case fPipe:
		return f.pipe.Read(dst)
	}
	panic("fread: unreachable")
}

// Write dispatches by variant (spec.md §4.11's fwrite).
func (f *File_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if !f.writable {
		return 0, defs.EPERM
	}
	switch f.kind {
	case fRegular:
		// Break the write into chunks that fit within one transaction's
		// block budget, matching xv6's own max-per-op sizing so a single
		// large write cannot overflow the log.
		max := ((limits_MAXOPBLOCKS - 4) / 2) * BSIZE
		total := 0
		n := src.Remain()
		for total < n {
			chunk := n - total
			if chunk > max {
				chunk = max
			}
			BeginOp()
			f.ip.Lock()
			written, err := f.ip.Iwrite(userAddrOf(src).Skip(total), f.offset, chunk)
			f.ip.Unlock()
			EndOp()
			if err != 0 {
				return total, err
			}
			f.mu.Lock()
			f.offset += written
			f.mu.Unlock()
			total += written
			if written != chunk {
				break
			}
		}
		return total, 0
	case fDevice:
		d := Devices[f.major]
		if d == nil {
			return 0, defs.EINVAL
		}
		return d.Write(src)
	case fPipe:
		return f.pipe.Write(src)
	}
	panic("fwrite: unreachable")
}

// Fstat fills st under the inode's sleeplock (spec.md §4.11).
func (f *File_t) Fstat(st *stat.Stat_t) defs.Err_t {
	switch f.kind {
	case fRegular:
		f.ip.Lock()
		f.ip.Stat(st)
		f.ip.Unlock()
		return 0
	case fDevice:
		f.dip.Lock()
		f.dip.Stat(st)
		f.dip.Unlock()
		return 0
	}
	return defs.EINVAL
}

// Lseek repositions a regular file's offset; devices and pipes are not
// seekable.
func (f *File_t) Lseek(off int, whence int) (int, defs.Err_t) {
	if f.kind != fRegular {
		return 0, defs.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case fdops.SEEK_SET:
		f.offset = off
	case fdops.SEEK_CUR:
		f.offset += off
	case fdops.SEEK_END:
		f.ip.Lock()
		f.offset = f.ip.Size + off
		f.ip.Unlock()
	default:
		return 0, defs.EINVAL
	}
	return f.offset, 0
}

const limits_MAXOPBLOCKS = 10

// userAddrOf bridges fdops.Userio_i (what the syscall layer hands
// File) to vm.Address (what Iread/Iwrite expects): both vm.Userbuf_t
// and vm.Fakeubuf_t additionally expose the Address they wrap.
func userAddrOf(u fdops.Userio_i) vm.Address {
	return u.(interface{ Addr() vm.Address }).Addr()
}
