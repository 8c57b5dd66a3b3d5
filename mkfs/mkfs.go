// Package mkfs assembles an empty file-system image: superblock,
// log region, inode region, free bitmap, and a root directory whose
// first two entries are "." and "..". It writes the disk directly;
// nothing else may use the device while it runs.
package mkfs

import (
	"github.com/tchajed/goose/machine"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/fs"
)

// Mkfs lays out a file system of size blocks with ninodes inode
// slots and returns the resulting superblock.
func Mkfs(d disk.Disk, size uint64, ninodes uint64) *fs.Superblock {
	if d.Size() < size {
		panic("mkfs: disk smaller than fs")
	}
	nbitmap := size/common.BPB + 1
	nlog := common.LOGSIZE + 1
	ninodeblocks := ninodes/common.IPB + 1
	nmeta := 2 + nlog + ninodeblocks + nbitmap

	sb := &fs.Superblock{
		Magic:      common.FSMAGIC,
		Size:       size,
		Nblocks:    size - nmeta,
		Ninodes:    ninodes,
		Nlog:       nlog,
		Logstart:   2,
		Inodestart: 2 + nlog,
		Bmapstart:  2 + nlog + ninodeblocks,
	}

	zero := make([]byte, disk.BlockSize)
	for b := uint64(0); b < size; b++ {
		d.Write(b, zero)
	}

	blk := make([]byte, disk.BlockSize)
	sb.Encode(blk)
	d.Write(1, blk)

	// root directory: inode 1, one data block holding "." and ".."
	rootData := nmeta

	ib := make([]byte, disk.BlockSize)
	off := (common.ROOTINO % common.IPB) * common.INODESZ
	encodeInode(ib[off:off+common.INODESZ], defs.T_DIR, 1, 2*common.DIRENTSZ, rootData)
	d.Write(common.IBlock(common.ROOTINO, sb.Inodestart), ib)

	db := make([]byte, disk.BlockSize)
	encodeDirent(db[0:common.DIRENTSZ], common.ROOTINO, ".")
	encodeDirent(db[common.DIRENTSZ:2*common.DIRENTSZ], common.ROOTINO, "..")
	d.Write(rootData, db)

	// mark the metadata blocks and the root data block in use
	used := nmeta + 1
	if used > common.BPB {
		panic("mkfs: metadata exceeds one bitmap block")
	}
	bm := make([]byte, disk.BlockSize)
	for b := uint64(0); b < used; b++ {
		bm[b/8] |= 1 << (b % 8)
	}
	d.Write(sb.Bmapstart, bm)

	d.Barrier()
	return sb
}

func encodeInode(b []byte, typ int16, nlink int16, size uint64, addr0 common.Bnum) {
	b[0] = byte(uint16(typ))
	b[1] = byte(uint16(typ) >> 8)
	b[6] = byte(uint16(nlink))
	b[7] = byte(uint16(nlink) >> 8)
	machine.UInt32Put(b[8:12], uint32(size))
	machine.UInt32Put(b[12:16], uint32(addr0))
}

func encodeDirent(b []byte, inum common.Inum, name string) {
	b[0] = byte(uint16(inum))
	b[1] = byte(uint16(inum) >> 8)
	for i := 0; i < int(common.DIRSIZ); i++ {
		if i < len(name) {
			b[2+i] = name[i]
		} else {
			b[2+i] = 0
		}
	}
}
