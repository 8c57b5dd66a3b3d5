// Package bcache is the buffer cache: a fixed pool of block buffers
// indexed by a striped hash table. Each bucket has its own lock;
// misses serialize on a single eviction lock and replace the
// unreferenced buffer with the oldest last-use tick. The log pins
// dirty buffers here until they are installed.
package bcache

import (
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/util"
)

// Buf is one cached block. refcnt and lastuse are guarded by the
// bucket lock; Data and valid by the sleeplock.
type Buf struct {
	Dev     uint64
	Blockno common.Bnum
	Data    disk.Block

	lock    *klock.SleepLock
	valid   bool
	refcnt  uint64
	lastuse uint64

	next *Buf // bucket chain
}

type bucket struct {
	lk   *klock.SpinLock
	head *Buf
}

// Bcache owns the buffer pool and the only path to the disk.
type Bcache struct {
	d       disk.Disk
	evict   *klock.SpinLock
	buckets []*bucket
	ticks   func() uint64
}

// MkBcache builds the pool; all buffers start in bucket 0, the way
// binit chains them. ticks supplies the LRU clock.
func MkBcache(mach *hw.Machine, d disk.Disk, s klock.Sleeper, ticks func() uint64) *Bcache {
	bc := &Bcache{
		d:     d,
		evict: klock.MkSpinLock(mach, "bcache_eviction"),
		ticks: ticks,
	}
	for i := uint64(0); i < common.NBUFMAP_BUCKET; i++ {
		bc.buckets = append(bc.buckets, &bucket{
			lk: klock.MkSpinLock(mach, "bcache_bufmap"),
		})
	}
	for i := uint64(0); i < common.NBUF; i++ {
		b := &Buf{
			Data: make([]byte, disk.BlockSize),
			lock: klock.MkSleepLock(mach, "buffer", s),
		}
		b.next = bc.buckets[0].head
		bc.buckets[0].head = b
	}
	return bc
}

func (bc *Bcache) lookup(key uint64, dev uint64, blkno common.Bnum) *Buf {
	for b := bc.buckets[key].head; b != nil; b = b.next {
		if b.Dev == dev && b.Blockno == blkno {
			return b
		}
	}
	return nil
}

// bget returns a referenced buffer for (dev, blkno), evicting the
// least-recently-used free buffer on a miss.
func (bc *Bcache) bget(dev uint64, blkno common.Bnum) *Buf {
	key := common.BufMapHash(dev, blkno)

	bc.buckets[key].lk.Acquire()
	if b := bc.lookup(key, dev, blkno); b != nil {
		b.refcnt++
		bc.buckets[key].lk.Release()
		return b
	}
	bc.buckets[key].lk.Release()

	// Miss. The eviction lock serializes the whole replacement path;
	// re-scan the target bucket to absorb a racing insert that
	// committed between our two looks.
	bc.evict.Acquire()
	bc.buckets[key].lk.Acquire()
	if b := bc.lookup(key, dev, blkno); b != nil {
		b.refcnt++
		bc.buckets[key].lk.Release()
		bc.evict.Release()
		return b
	}
	bc.buckets[key].lk.Release()

	// Scan every bucket for the free buffer with the smallest
	// last-use tick, holding the current bucket's lock plus at most
	// the current winner's, in ascending index.
	var victim *Buf
	win := -1
	for i := range bc.buckets {
		bc.buckets[i].lk.Acquire()
		better := false
		for b := bc.buckets[i].head; b != nil; b = b.next {
			if b.refcnt == 0 && (victim == nil || b.lastuse < victim.lastuse) {
				victim = b
				better = true
			}
		}
		if better {
			if win >= 0 && win != i {
				bc.buckets[win].lk.Release()
			}
			win = i
		} else {
			bc.buckets[i].lk.Release()
		}
	}
	if victim == nil {
		panic("bget: no buffers")
	}

	// unlink from the old bucket
	bkt := bc.buckets[win]
	if bkt.head == victim {
		bkt.head = victim.next
	} else {
		p := bkt.head
		for p.next != victim {
			p = p.next
		}
		p.next = victim.next
	}
	if uint64(win) != key {
		bkt.lk.Release()
		bc.buckets[key].lk.Acquire()
	}
	victim.Dev = dev
	victim.Blockno = blkno
	victim.valid = false
	victim.refcnt = 1
	victim.next = bc.buckets[key].head
	bc.buckets[key].head = victim
	bc.buckets[key].lk.Release()
	bc.evict.Release()
	return victim
}

// Bread returns a locked buffer holding the contents of blkno.
func (bc *Bcache) Bread(dev uint64, blkno common.Bnum) *Buf {
	b := bc.bget(dev, blkno)
	b.lock.Acquire()
	if !b.valid {
		util.DPrintf(10, "bread: miss %d\n", blkno)
		b.Data = bc.d.Read(uint64(blkno))
		b.valid = true
	}
	return b
}

// Bwrite writes a locked buffer's contents to disk.
func (bc *Bcache) Bwrite(b *Buf) {
	if !b.lock.IsLocked() {
		panic("bwrite")
	}
	bc.d.Write(uint64(b.Blockno), b.Data)
}

// Brelse unlocks the buffer and drops the reference taken by Bread;
// the last release stamps the LRU tick.
func (bc *Bcache) Brelse(b *Buf) {
	if !b.lock.IsLocked() {
		panic("brelse")
	}
	b.lock.Release()

	key := common.BufMapHash(b.Dev, b.Blockno)
	bc.buckets[key].lk.Acquire()
	b.refcnt--
	if b.refcnt == 0 {
		b.lastuse = bc.ticks()
	}
	bc.buckets[key].lk.Release()
}

// Bpin keeps the buffer resident without holding its lock; the log
// uses it to protect dirty blocks until install.
func (bc *Bcache) Bpin(b *Buf) {
	key := common.BufMapHash(b.Dev, b.Blockno)
	bc.buckets[key].lk.Acquire()
	b.refcnt++
	bc.buckets[key].lk.Release()
}

func (bc *Bcache) Bunpin(b *Buf) {
	key := common.BufMapHash(b.Dev, b.Blockno)
	bc.buckets[key].lk.Acquire()
	if b.refcnt == 0 {
		panic("bunpin")
	}
	b.refcnt--
	bc.buckets[key].lk.Release()
}

// Barrier forwards a persistence barrier to the device.
func (bc *Bcache) Barrier() {
	bc.d.Barrier()
}
