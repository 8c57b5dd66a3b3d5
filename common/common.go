// Package common holds the kernel parameters and the types shared by
// every layer: block and inode numbers, on-disk geometry, and the
// fixed table sizes.
package common

import (
	"github.com/tchajed/goose/machine/disk"
)

// Table sizes and per-operation bounds.
const (
	NPROC       uint64 = 64              // maximum number of processes
	NCPU        uint64 = 8               // maximum number of harts
	NOFILE      uint64 = 16              // open files per process
	NFILE       uint64 = 100             // open files per system
	NINODE      uint64 = 50              // maximum number of active i-nodes
	NDEV        uint64 = 10              // maximum major device number
	ROOTDEV     uint64 = 1               // device number of file system root disk
	MAXOPBLOCKS uint64 = 10              // max # of blocks any FS op writes
	LOGSIZE     uint64 = MAXOPBLOCKS * 3 // max data blocks in on-disk log
	NBUF        uint64 = MAXOPBLOCKS * 3 // size of disk block cache
	MAXPATH     uint64 = 128             // maximum file path name
)

// Buffer-cache bucket count.
const NBUFMAP_BUCKET uint64 = 13

// BufMapHash is the bucket index for a (dev, blockno) pair.
func BufMapHash(dev uint64, blkno Bnum) uint64 {
	return ((dev << 27) | uint64(blkno)) % NBUFMAP_BUCKET
}

// On-disk geometry. The block size is the goose disk's.
const (
	BSIZE uint64 = disk.BlockSize

	NDIRECT   uint64 = 11
	NINDIRECT uint64 = BSIZE / 4
	MAXFILE   uint64 = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT

	DIRSIZ uint64 = 14
	// sizeof(Dirent): u16 inum + DIRSIZ name bytes
	DIRENTSZ uint64 = 2 + DIRSIZ

	// sizeof(Dinode): 4 i16 fields + u32 size + (NDIRECT+2) u32 addrs
	INODESZ uint64 = 8 + 4 + (NDIRECT+2)*4
	IPB     uint64 = BSIZE / INODESZ

	// bitmap bits per block
	BPB uint64 = BSIZE * 8

	FSMAGIC uint32 = 0x10203040
)

// Bnum is an on-disk block number; 0 means unallocated.
type Bnum = uint64

// Inum is an inode number.
type Inum = uint64

const (
	NULLBNUM Bnum = 0
	ROOTINO  Inum = 1
)

// IBlock is the block containing inode i.
func IBlock(i Inum, inodestart Bnum) Bnum {
	return i/IPB + inodestart
}

// BBlock is the bitmap block holding the bit for block b.
func BBlock(b Bnum, bmapstart Bnum) Bnum {
	return b/BPB + bmapstart
}
