package fs

import (
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/util"
)

// zeroBlock clears a freshly allocated block through the log.
func (fs *FileSys) zeroBlock(dev uint64, bno common.Bnum) {
	bp := fs.bc.Bread(dev, bno)
	for i := range bp.Data {
		bp.Data[i] = 0
	}
	fs.log.Write(bp)
	fs.bc.Brelse(bp)
}

// Balloc allocates a zeroed data block inside the current operation,
// or ENOSPC when the bitmap has no zero bit.
func (fs *FileSys) Balloc(dev uint64) (common.Bnum, defs.Err_t) {
	for b := uint64(0); b < fs.sb.Size; b += common.BPB {
		bp := fs.bc.Bread(dev, common.BBlock(b, fs.sb.Bmapstart))
		for bi := uint64(0); bi < common.BPB && b+bi < fs.sb.Size; bi++ {
			m := byte(1) << (bi % 8)
			if bp.Data[bi/8]&m == 0 {
				bp.Data[bi/8] |= m
				fs.log.Write(bp)
				fs.bc.Brelse(bp)
				fs.zeroBlock(dev, b+bi)
				return b + bi, 0
			}
		}
		fs.bc.Brelse(bp)
	}
	util.DPrintf(1, "balloc: out of blocks\n")
	return 0, defs.ENOSPC
}

// Bfree frees a data block inside the current operation. Freeing a
// free block means the bitmap no longer matches the inodes, which is
// a kernel bug.
func (fs *FileSys) Bfree(dev uint64, b common.Bnum) {
	bp := fs.bc.Bread(dev, common.BBlock(b, fs.sb.Bmapstart))
	bi := b % common.BPB
	m := byte(1) << (bi % 8)
	if bp.Data[bi/8]&m == 0 {
		panic("bfree: freeing free block")
	}
	bp.Data[bi/8] &^= m
	fs.log.Write(bp)
	fs.bc.Brelse(bp)
}
