package fs

import "defs"

// Format lays out a brand-new filesystem image on dev: boot block,
// superblock, log area, inode blocks, bitmap blocks and data blocks,
// then creates the root directory inode (spec.md §6's on-disk layout,
// ROOTINO==1). dev's backing store must already hold at least
// totalBlocks blocks (mkfs truncates/extends the host file before
// calling Format); Format zeroes every one of them itself.
//
// Grounded on the teacher's original mkfs tool (same block-0-unused,
// block-1-superblock, log-then-inodes-then-bitmap-then-data layout),
// adapted to this tree's BSIZE=1024 and free-function fs API: nothing
// here needs the teacher's standalone C-style mkfs.c port since the
// real Balloc/Icache.Alloc/InitDir machinery already exists to do the
// same work through the ordinary runtime path.
func Format(dev int, totalBlocks, ninodeblocks, nlogblocks int) {
	ninodes := ninodeblocks * IPB()
	nbitmapblocks := (totalBlocks/bpb + 1)

	logstart := 2
	inodestart := logstart + nlogblocks
	bmapstart := inodestart + ninodeblocks
	datastart := bmapstart + nbitmapblocks

	if datastart >= totalBlocks {
		panic("fs: image too small for its own metadata")
	}

	sb := &Superblock_t{Data: new([BSIZE]uint8)}
	sb.SetMagic(superblockMagic)
	sb.SetSize(totalBlocks)
	sb.SetNblocks(totalBlocks - datastart)
	sb.SetNinodes(ninodes)
	sb.SetNlog(nlogblocks)
	sb.SetLogstart(logstart)
	sb.SetInodestart(inodestart)
	sb.SetBmapstart(bmapstart)

	// Zero every metadata and data block directly through the disk
	// (there is no log yet to write through).
	zero := [BSIZE]uint8{}
	for bn := 0; bn < totalBlocks; bn++ {
		b := &Buf_t{Dev: dev, Blockno: bn, Data: zero}
		Disk.Rw(b, true)
	}

	sbuf := &Buf_t{Dev: dev, Blockno: 1}
	copy(sbuf.Data[:], sb.Data[:])
	Disk.Rw(sbuf, true)

	// Mark every block the filesystem itself occupies (boot, super,
	// log, inode and bitmap blocks) allocated in the bitmap before
	// Balloc ever runs, or the first file write would hand out block 0
	// as a data block.
	markMetaAllocated(dev, bmapstart, datastart)

	InitLog(dev, sb)

	BeginOp()
	root := Icache.Alloc(dev, defs.T_DIR)
	if root.inum != ROOTINO {
		panic("fs: root inode did not land at ROOTINO")
	}
	if err := InitDir(root, root); err != 0 {
		panic("fs: failed to initialize root directory")
	}
	root.Update()
	root.Unlock()
	Icache.Put(root)
	EndOp()
}

// markMetaAllocated sets the bitmap bit for every block in [0, nmeta),
// written straight to disk since the log isn't up yet.
func markMetaAllocated(dev, bmapstart, nmeta int) {
	var buf [BSIZE]uint8
	cur := -1
	flush := func() {
		if cur >= 0 {
			b := &Buf_t{Dev: dev, Blockno: cur, Data: buf}
			Disk.Rw(b, true)
		}
	}
	for bn := 0; bn < nmeta; bn++ {
		bbn := bmapstart + bn/bpb
		if bbn != cur {
			flush()
			buf = [BSIZE]uint8{}
			cur = bbn
		}
		off := bn % bpb
		buf[off/8] |= 1 << uint(off%8)
	}
	flush()
}
