package fs

import "encoding/binary"

// superblockMagic identifies a valid on-disk filesystem (spec.md §6).
const superblockMagic = 0x10203040

// Superblock_t is the in-memory view of block 1, the on-disk layout
// descriptor. Fields are 32-bit little-endian words packed back to
// back, following the teacher's field-accessor convention (original
// fs/super.go) rather than a Go struct laid directly over the bytes —
// the disk format is cross-language, so an explicit field index is
// less fragile than struct layout.
type Superblock_t struct {
	Data *[BSIZE]uint8
}

const (
	sbMagic      = 0
	sbSize       = 1 // total blocks in the filesystem image
	sbNblocks    = 2 // data blocks
	sbNinodes    = 3
	sbNlog       = 4 // log length in blocks
	sbLogstart   = 5
	sbInodestart = 6
	sbBmapstart  = 7
)

func (sb *Superblock_t) fieldr(i int) int {
	return int(binary.LittleEndian.Uint32(sb.Data[i*4:]))
}

func (sb *Superblock_t) fieldw(i int, v int) {
	binary.LittleEndian.PutUint32(sb.Data[i*4:], uint32(v))
}

func (sb *Superblock_t) Magic() int      { return sb.fieldr(sbMagic) }
func (sb *Superblock_t) Size() int       { return sb.fieldr(sbSize) }
func (sb *Superblock_t) Nblocks() int    { return sb.fieldr(sbNblocks) }
func (sb *Superblock_t) Ninodes() int    { return sb.fieldr(sbNinodes) }
func (sb *Superblock_t) Nlog() int       { return sb.fieldr(sbNlog) }
func (sb *Superblock_t) Logstart() int   { return sb.fieldr(sbLogstart) }
func (sb *Superblock_t) Inodestart() int { return sb.fieldr(sbInodestart) }
func (sb *Superblock_t) Bmapstart() int  { return sb.fieldr(sbBmapstart) }

func (sb *Superblock_t) SetMagic(v int)      { sb.fieldw(sbMagic, v) }
func (sb *Superblock_t) SetSize(v int)       { sb.fieldw(sbSize, v) }
func (sb *Superblock_t) SetNblocks(v int)    { sb.fieldw(sbNblocks, v) }
func (sb *Superblock_t) SetNinodes(v int)    { sb.fieldw(sbNinodes, v) }
func (sb *Superblock_t) SetNlog(v int)       { sb.fieldw(sbNlog, v) }
func (sb *Superblock_t) SetLogstart(v int)   { sb.fieldw(sbLogstart, v) }
func (sb *Superblock_t) SetInodestart(v int) { sb.fieldw(sbInodestart, v) }
func (sb *Superblock_t) SetBmapstart(v int)  { sb.fieldw(sbBmapstart, v) }

// IPB is the number of on-disk inodes packed into one block.
func IPB() int { return BSIZE / dinodeSize }

// BblockOf returns the bitmap block holding the bit for block b.
func (sb *Superblock_t) BblockOf(b int) int {
	return sb.Bmapstart() + b/(BSIZE*8)
}

// IblockOf returns the inode block holding inode inum.
func (sb *Superblock_t) IblockOf(inum int) int {
	return sb.Inodestart() + inum/IPB()
}

// ReadSuper loads and validates the superblock from block 1 of dev.
func ReadSuper(dev int) *Superblock_t {
	b := Cache.Bread(dev, 1)
	defer Cache.Brelse(b)
	sb := &Superblock_t{Data: new([BSIZE]uint8)}
	copy(sb.Data[:], b.Data[:])
	if sb.Magic() != superblockMagic {
		panic("fs: bad superblock magic")
	}
	return sb
}
