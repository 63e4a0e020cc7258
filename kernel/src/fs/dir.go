package fs

import (
	"encoding/binary"

	"defs"
	"upath"
	"vm"
)

// A directory entry is the fixed-size on-disk record {inum: u16,
// name: [14]byte} (spec.md §6), direntSize bytes long. inum == 0 marks
// an empty slot; name is NUL-padded if shorter than NameMax.
const direntSize = 2 + upath.NameMax

func directIsEmpty(ent []uint8) bool {
	return binary.LittleEndian.Uint16(ent[0:2]) == 0
}

func direntInum(ent []uint8) int {
	return int(binary.LittleEndian.Uint16(ent[0:2]))
}

func direntName(ent []uint8) upath.Path {
	name := ent[2:direntSize]
	i := 0
	for i < len(name) && name[i] != 0 {
		i++
	}
	return upath.Path(name[:i])
}

func direntSet(ent []uint8, inum int, name upath.Path) {
	binary.LittleEndian.PutUint16(ent[0:2], uint16(inum))
	nameField := ent[2:direntSize]
	for i := range nameField {
		nameField[i] = 0
	}
	copy(nameField, name)
}

// dirLookup scans dp (which must already be locked and a directory)
// for name, returning a cached, unlocked handle to the target inode.
func dirLookup(dp *Inode_t, name upath.Path) (*Inode_t, defs.Err_t) {
	if dp.Type != defs.T_DIR {
		panic("dirLookup: not a directory")
	}
	buf := make([]uint8, direntSize)
	for off := 0; off+direntSize <= dp.Size; off += direntSize {
		if _, err := dp.Iread(vm.KernelAddress(buf), off, direntSize); err != 0 {
			panic("dirLookup: i/o error reading directory")
		}
		if directIsEmpty(buf) {
			continue
		}
		if direntName(buf).Eq(name) {
			return Icache.Get(dp.dev, direntInum(buf)), 0
		}
	}
	return nil, defs.ENOENT
}

// DirLink writes a new entry {name -> inum} into dp, which must
// already be locked, reusing the first empty slot or appending
// (spec.md §4.10). Must run inside a log transaction.
func DirLink(dp *Inode_t, name upath.Path, inum int) defs.Err_t {
	if existing, err := dirLookup(dp, name); err == 0 {
		Icache.Put(existing)
		return defs.EEXIST
	}

	buf := make([]uint8, direntSize)
	off := 0
	for ; off+direntSize <= dp.Size; off += direntSize {
		if _, err := dp.Iread(vm.KernelAddress(buf), off, direntSize); err != 0 {
			panic("dirlink: i/o error")
		}
		if directIsEmpty(buf) {
			break
		}
	}
	direntSet(buf, inum, name)
	if _, err := dp.Iwrite(vm.KernelAddress(buf), off, direntSize); err != 0 {
		return err
	}
	return 0
}

// DirUnlink removes name from dp, rejecting "." and ".." and refusing
// to remove a non-empty directory (spec.md §4.10).
func DirUnlink(dp *Inode_t, name upath.Path) defs.Err_t {
	if name.Isdot() || name.Isdotdot() {
		return defs.EPERM
	}
	buf := make([]uint8, direntSize)
	off := 0
	found := false
	for ; off+direntSize <= dp.Size; off += direntSize {
		if _, err := dp.Iread(vm.KernelAddress(buf), off, direntSize); err != 0 {
			panic("dirunlink: i/o error")
		}
		if !directIsEmpty(buf) && direntName(buf).Eq(name) {
			found = true
			break
		}
	}
	if !found {
		return defs.ENOENT
	}

	target := Icache.Get(dp.dev, direntInum(buf))
	target.Lock()
	if target.Type == defs.T_DIR && !dirIsEmpty(target) {
		target.Unlock()
		Icache.Put(target)
		return defs.ENOTEMPTY
	}
	wasDir := target.Type == defs.T_DIR
	target.Nlink--
	target.Update()
	target.Unlock()
	Icache.Put(target)

	clear := make([]uint8, direntSize)
	if _, err := dp.Iwrite(vm.KernelAddress(clear), off, direntSize); err != 0 {
		return err
	}
	if wasDir {
		dp.Nlink--
		dp.Update()
	}
	return 0
}

// dirIsEmpty reports whether dir (locked, must be a directory) has no
// entries beyond "." and "..".
func dirIsEmpty(dir *Inode_t) bool {
	buf := make([]uint8, direntSize)
	for off := 2 * direntSize; off+direntSize <= dir.Size; off += direntSize {
		if _, err := dir.Iread(vm.KernelAddress(buf), off, direntSize); err != 0 {
			panic("dirIsEmpty: i/o error")
		}
		if !directIsEmpty(buf) {
			return false
		}
	}
	return true
}

// InitDir populates a freshly allocated directory inode with "." and
// ".." entries pointing at itself and parent respectively.
func InitDir(dir, parent *Inode_t) defs.Err_t {
	buf := make([]uint8, direntSize)
	direntSet(buf, dir.inum, upath.MkPathDot())
	if _, err := dir.Iwrite(vm.KernelAddress(buf), 0, direntSize); err != 0 {
		return err
	}
	direntSet(buf, parent.inum, upath.DotDot)
	if _, err := dir.Iwrite(vm.KernelAddress(buf), direntSize, direntSize); err != 0 {
		return err
	}
	dir.Nlink = 1
	if parent != dir {
		parent.Nlink++
		parent.Update()
	}
	return 0
}
