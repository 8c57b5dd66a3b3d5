package fs

import (
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-xv6/bcache"
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/util"
	"github.com/mit-pdos/go-xv6/vm"
	"github.com/mit-pdos/go-xv6/wal"
)

// Inode is a cached on-disk inode. ref and the cache slot are
// guarded by the cache lock; the disk fields by the sleeplock, and
// they mirror the disk only while valid.
type Inode struct {
	Dev  uint64
	Inum common.Inum

	ref   uint64
	lock  *klock.SleepLock
	valid bool

	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  uint64
	Addrs [common.NDIRECT + 2]common.Bnum
}

// FileSys owns the inode cache and the allocation paths of one
// mounted device.
type FileSys struct {
	mach *hw.Machine
	bc   *bcache.Bcache
	log  *wal.Log
	sb   *Superblock
	dev  uint64

	ilk    *klock.SpinLock
	inodes []*Inode
}

// MkFileSys mounts the device: validates the superblock, recovers
// the log, and builds the inode cache.
func MkFileSys(mach *hw.Machine, bc *bcache.Bcache, s klock.Sleeper, dev uint64) *FileSys {
	b := bc.Bread(dev, superBlkno)
	sb := DecodeSuperblock(b.Data)
	bc.Brelse(b)
	if sb.Magic != common.FSMAGIC {
		panic("MkFileSys: invalid file system")
	}
	fs := &FileSys{
		mach: mach,
		bc:   bc,
		sb:   sb,
		dev:  dev,
		ilk:  klock.MkSpinLock(mach, "icache"),
	}
	fs.log = wal.MkLog(mach, bc, s, dev, sb.Logstart, sb.Nlog)
	for i := uint64(0); i < common.NINODE; i++ {
		fs.inodes = append(fs.inodes, &Inode{
			lock: klock.MkSleepLock(mach, "inode", s),
		})
	}
	util.DPrintf(1, "fs: size %d nblocks %d ninodes %d nlog %d\n",
		sb.Size, sb.Nblocks, sb.Ninodes, sb.Nlog)
	return fs
}

// Log exposes the operation brackets to the syscall layer.
func (fs *FileSys) Log() *wal.Log {
	return fs.log
}

// Super exposes the mounted geometry.
func (fs *FileSys) Super() *Superblock {
	return fs.sb
}

// Dinode codec: type i16, major i16, minor i16, nlink i16, size u32,
// addrs[NDIRECT+2] u32, little-endian, INODESZ bytes per slot.

func (ip *Inode) decode(b []byte) {
	ip.Type = int16(u16Get(b[0:2]))
	ip.Major = int16(u16Get(b[2:4]))
	ip.Minor = int16(u16Get(b[4:6]))
	ip.Nlink = int16(u16Get(b[6:8]))
	ip.Size = uint64(machine.UInt32Get(b[8:12]))
	for i := uint64(0); i < common.NDIRECT+2; i++ {
		ip.Addrs[i] = common.Bnum(machine.UInt32Get(b[12+4*i : 16+4*i]))
	}
}

func (ip *Inode) encode(b []byte) {
	u16Put(b[0:2], uint16(ip.Type))
	u16Put(b[2:4], uint16(ip.Major))
	u16Put(b[4:6], uint16(ip.Minor))
	u16Put(b[6:8], uint16(ip.Nlink))
	machine.UInt32Put(b[8:12], uint32(ip.Size))
	for i := uint64(0); i < common.NDIRECT+2; i++ {
		machine.UInt32Put(b[12+4*i:16+4*i], uint32(ip.Addrs[i]))
	}
}

// inodeSlot is the byte range of inum within its inode block.
func inodeSlot(b *bcache.Buf, inum common.Inum) []byte {
	off := (inum % common.IPB) * common.INODESZ
	return b.Data[off : off+common.INODESZ]
}

// Ialloc claims a free on-disk inode, marks it with typ inside the
// current operation, and returns an unlocked handle.
func (fs *FileSys) Ialloc(dev uint64, typ int16) (*Inode, defs.Err_t) {
	for inum := common.Inum(1); inum < common.Inum(fs.sb.Ninodes); inum++ {
		bp := fs.bc.Bread(dev, common.IBlock(inum, fs.sb.Inodestart))
		slot := inodeSlot(bp, inum)
		if int16(u16Get(slot[0:2])) == defs.T_FREE {
			for i := range slot {
				slot[i] = 0
			}
			u16Put(slot[0:2], uint16(typ))
			fs.log.Write(bp)
			fs.bc.Brelse(bp)
			return fs.Iget(dev, inum), 0
		}
		fs.bc.Brelse(bp)
	}
	util.DPrintf(1, "ialloc: no inodes\n")
	return nil, defs.ENOSPC
}

// Iupdate writes the in-memory inode back inside the current
// operation.
func (fs *FileSys) Iupdate(ip *Inode) {
	bp := fs.bc.Bread(ip.Dev, common.IBlock(ip.Inum, fs.sb.Inodestart))
	ip.encode(inodeSlot(bp, ip.Inum))
	fs.log.Write(bp)
	fs.bc.Brelse(bp)
}

// Iget returns a shared handle for (dev, inum) without reading the
// disk. At most one handle with ref>0 exists per pair.
func (fs *FileSys) Iget(dev uint64, inum common.Inum) *Inode {
	fs.ilk.Acquire()
	var empty *Inode
	for _, ip := range fs.inodes {
		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			fs.ilk.Release()
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("iget: no inodes")
	}
	empty.Dev = dev
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	fs.ilk.Release()
	return empty
}

// Idup adds a reference.
func (fs *FileSys) Idup(ip *Inode) *Inode {
	fs.ilk.Acquire()
	ip.ref++
	fs.ilk.Release()
	return ip
}

// Ilock locks the inode and reads it from disk if the handle is not
// yet valid. A freed on-disk inode here means someone handed out a
// dangling inum.
func (fs *FileSys) Ilock(ip *Inode) {
	if ip == nil || ip.ref < 1 {
		panic("ilock")
	}
	ip.lock.Acquire()
	if !ip.valid {
		bp := fs.bc.Bread(ip.Dev, common.IBlock(ip.Inum, fs.sb.Inodestart))
		ip.decode(inodeSlot(bp, ip.Inum))
		fs.bc.Brelse(bp)
		ip.valid = true
		if ip.Type == defs.T_FREE {
			panic("ilock: no type")
		}
	}
}

func (fs *FileSys) Iunlock(ip *Inode) {
	if ip == nil || !ip.lock.IsLocked() || ip.ref < 1 {
		panic("iunlock")
	}
	ip.lock.Release()
}

// Iput drops a reference. The last reference to an unlinked inode
// truncates and frees it; the caller must be inside an operation.
func (fs *FileSys) Iput(ip *Inode) {
	fs.ilk.Acquire()
	if ip.ref == 1 && ip.valid && ip.Nlink == 0 {
		// nobody else can lock it: ref==1 and the cache lock keeps
		// new references out
		fs.ilk.Release()

		ip.lock.Acquire()
		fs.Itrunc(ip)
		ip.Type = defs.T_FREE
		fs.Iupdate(ip)
		ip.valid = false
		ip.lock.Release()

		fs.ilk.Acquire()
	}
	ip.ref--
	fs.ilk.Release()
}

// Iunlockput is the common unlock-then-put pair.
func (fs *FileSys) Iunlockput(ip *Inode) {
	fs.Iunlock(ip)
	fs.Iput(ip)
}

// bnumGet/bnumPut access one 32-bit entry of an indirect block.
func bnumGet(b *bcache.Buf, i uint64) common.Bnum {
	return common.Bnum(machine.UInt32Get(b.Data[4*i : 4*i+4]))
}

func bnumPut(b *bcache.Buf, i uint64, v common.Bnum) {
	machine.UInt32Put(b.Data[4*i:4*i+4], uint32(v))
}

// indirectLookup follows one level of indirection, allocating the
// target on demand inside the current operation.
func (fs *FileSys) indirectLookup(ip *Inode, blk common.Bnum, i uint64) (common.Bnum, defs.Err_t) {
	bp := fs.bc.Bread(ip.Dev, blk)
	addr := bnumGet(bp, i)
	if addr == common.NULLBNUM {
		var err defs.Err_t
		addr, err = fs.Balloc(ip.Dev)
		if err != 0 {
			fs.bc.Brelse(bp)
			return 0, err
		}
		bnumPut(bp, i, addr)
		fs.log.Write(bp)
	}
	fs.bc.Brelse(bp)
	return addr, 0
}

// Bmap maps file block bn to a disk block, allocating data and
// indirect blocks on demand: NDIRECT direct slots, then NINDIRECT
// through the single indirect block, then NINDIRECT² through the
// double indirect tree.
func (fs *FileSys) Bmap(ip *Inode, bn uint64) (common.Bnum, defs.Err_t) {
	if bn < common.NDIRECT {
		addr := ip.Addrs[bn]
		if addr == common.NULLBNUM {
			var err defs.Err_t
			addr, err = fs.Balloc(ip.Dev)
			if err != 0 {
				return 0, err
			}
			ip.Addrs[bn] = addr
		}
		return addr, 0
	}
	bn -= common.NDIRECT

	if bn < common.NINDIRECT {
		ind := ip.Addrs[common.NDIRECT]
		if ind == common.NULLBNUM {
			var err defs.Err_t
			ind, err = fs.Balloc(ip.Dev)
			if err != 0 {
				return 0, err
			}
			ip.Addrs[common.NDIRECT] = ind
		}
		return fs.indirectLookup(ip, ind, bn)
	}
	bn -= common.NINDIRECT

	if bn < common.NINDIRECT*common.NINDIRECT {
		dbl := ip.Addrs[common.NDIRECT+1]
		if dbl == common.NULLBNUM {
			var err defs.Err_t
			dbl, err = fs.Balloc(ip.Dev)
			if err != 0 {
				return 0, err
			}
			ip.Addrs[common.NDIRECT+1] = dbl
		}
		mid, err := fs.indirectLookup(ip, dbl, bn/common.NINDIRECT)
		if err != 0 {
			return 0, err
		}
		return fs.indirectLookup(ip, mid, bn%common.NINDIRECT)
	}
	panic("bmap: out of range")
}

// freeIndirect frees every block named by an indirect block, then
// the indirect block itself; depth 1 recurses one more level.
func (fs *FileSys) freeIndirect(dev uint64, blk common.Bnum, depth int) {
	bp := fs.bc.Bread(dev, blk)
	for i := uint64(0); i < common.NINDIRECT; i++ {
		a := bnumGet(bp, i)
		if a == common.NULLBNUM {
			continue
		}
		if depth > 0 {
			fs.freeIndirect(dev, a, depth-1)
		} else {
			fs.Bfree(dev, a)
		}
	}
	fs.bc.Brelse(bp)
	fs.Bfree(dev, blk)
}

// Itrunc frees the inode's whole block tree and zeroes its size,
// inside the current operation.
func (fs *FileSys) Itrunc(ip *Inode) {
	for i := uint64(0); i < common.NDIRECT; i++ {
		if ip.Addrs[i] != common.NULLBNUM {
			fs.Bfree(ip.Dev, ip.Addrs[i])
			ip.Addrs[i] = common.NULLBNUM
		}
	}
	if ip.Addrs[common.NDIRECT] != common.NULLBNUM {
		fs.freeIndirect(ip.Dev, ip.Addrs[common.NDIRECT], 0)
		ip.Addrs[common.NDIRECT] = common.NULLBNUM
	}
	if ip.Addrs[common.NDIRECT+1] != common.NULLBNUM {
		fs.freeIndirect(ip.Dev, ip.Addrs[common.NDIRECT+1], 1)
		ip.Addrs[common.NDIRECT+1] = common.NULLBNUM
	}
	ip.Size = 0
	fs.Iupdate(ip)
}

// Stati fills a stat record from the locked inode.
func (fs *FileSys) Stati(ip *Inode, st *defs.Stat) {
	st.Dev = uint32(ip.Dev)
	st.Ino = uint32(ip.Inum)
	st.Type = ip.Type
	st.Nlink = ip.Nlink
	st.Size = ip.Size
}

// Readi copies up to n bytes from the locked inode at off into dst.
// Reads past EOF return 0 bytes.
func (fs *FileSys) Readi(ip *Inode, dst *vm.Buffer, off uint64, n uint64) (uint64, defs.Err_t) {
	if off > ip.Size || off+n < off {
		return 0, 0
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	var done uint64
	for done < n {
		addr, err := fs.Bmap(ip, off/common.BSIZE)
		if err != 0 {
			return done, err
		}
		bp := fs.bc.Bread(ip.Dev, addr)
		m := util.Min(n-done, common.BSIZE-off%common.BSIZE)
		if err := dst.WriteAt(done, bp.Data[off%common.BSIZE:off%common.BSIZE+m]); err != 0 {
			fs.bc.Brelse(bp)
			return done, err
		}
		fs.bc.Brelse(bp)
		done += m
		off += m
	}
	return done, 0
}

// Writei copies n bytes from src into the locked inode at off,
// extending the file up to MAXFILE blocks. The caller is inside an
// operation; a failure leaves the bytes already written in place
// with the size updated to match.
func (fs *FileSys) Writei(ip *Inode, src *vm.Buffer, off uint64, n uint64) (uint64, defs.Err_t) {
	if off > ip.Size || off+n < off {
		return 0, defs.EINVAL
	}
	if off+n > common.MAXFILE*common.BSIZE {
		return 0, defs.EINVAL
	}
	var done uint64
	var reterr defs.Err_t
	for done < n {
		addr, err := fs.Bmap(ip, off/common.BSIZE)
		if err != 0 {
			reterr = err
			break
		}
		bp := fs.bc.Bread(ip.Dev, addr)
		m := util.Min(n-done, common.BSIZE-off%common.BSIZE)
		if err := src.ReadAt(done, bp.Data[off%common.BSIZE:off%common.BSIZE+m]); err != 0 {
			fs.bc.Brelse(bp)
			reterr = err
			break
		}
		fs.log.Write(bp)
		fs.bc.Brelse(bp)
		done += m
		off += m
	}
	if off > ip.Size {
		ip.Size = off
	}
	// write the inode back even when only Addrs changed via Bmap
	fs.Iupdate(ip)
	return done, reterr
}
