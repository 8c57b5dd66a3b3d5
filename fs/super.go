// Package fs is the on-disk file system: superblock, block and inode
// allocation, the inode cache, directories, and path resolution.
// Every mutation runs inside a log operation begun by the caller.
package fs

import (
	"github.com/tchajed/goose/machine"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/common"
)

// Superblock describes the disk layout; block 1 holds it as eight
// little-endian 32-bit fields.
type Superblock struct {
	Magic      uint32
	Size       uint64 // total blocks
	Nblocks    uint64 // data blocks
	Ninodes    uint64
	Nlog       uint64
	Logstart   common.Bnum
	Inodestart common.Bnum
	Bmapstart  common.Bnum
}

const superBlkno common.Bnum = 1

func DecodeSuperblock(blk disk.Block) *Superblock {
	get := func(i uint64) uint64 {
		return uint64(machine.UInt32Get(blk[4*i : 4*i+4]))
	}
	return &Superblock{
		Magic:      machine.UInt32Get(blk[0:4]),
		Size:       get(1),
		Nblocks:    get(2),
		Ninodes:    get(3),
		Nlog:       get(4),
		Logstart:   get(5),
		Inodestart: get(6),
		Bmapstart:  get(7),
	}
}

func (sb *Superblock) Encode(blk disk.Block) {
	put := func(i uint64, v uint64) {
		machine.UInt32Put(blk[4*i:4*i+4], uint32(v))
	}
	machine.UInt32Put(blk[0:4], sb.Magic)
	put(1, sb.Size)
	put(2, sb.Nblocks)
	put(3, sb.Ninodes)
	put(4, sb.Nlog)
	put(5, sb.Logstart)
	put(6, sb.Inodestart)
	put(7, sb.Bmapstart)
}

// u16 accessors for directory entries.
func u16Get(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func u16Put(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
