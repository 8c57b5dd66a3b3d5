// Package wal implements write-ahead logging over a reserved region
// of the disk.
//
// The layout of the region:
//
//	[ header | slot 1 | slot 2 | ... | slot LOGSIZE ]
//
// The header records how many slots hold committed blocks and the
// home block number of each. A file-system operation brackets its
// buffer writes between Begin and End; several operations may run
// concurrently, and the log commits their writes as one group when
// the last one ends. The header write is the commit point: before
// it, a crash discards the group; after it, install re-executes
// idempotently.
package wal

import (
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-xv6/bcache"
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/util"
)

type logHeader struct {
	n     uint64
	block []common.Bnum
}

// Log is the redo log for one device.
type Log struct {
	lk   *klock.SpinLock
	cond *klock.Cond

	bc    *bcache.Bcache
	start common.Bnum // header block
	size  uint64      // blocks in the region, header included
	dev   uint64

	outstanding uint64
	committing  bool
	lh          logHeader
}

// MkLog attaches to the log region and replays any committed
// transaction left behind by a crash.
func MkLog(mach *hw.Machine, bc *bcache.Bcache, s klock.Sleeper, dev uint64, start common.Bnum, size uint64) *Log {
	if common.LOGSIZE+1 > size {
		panic("MkLog: log region too small")
	}
	l := &Log{
		lk:    klock.MkSpinLock(mach, "log"),
		bc:    bc,
		start: start,
		size:  size,
		dev:   dev,
		lh:    logHeader{block: make([]common.Bnum, common.LOGSIZE)},
	}
	l.cond = klock.MkCond("log", s)
	l.recover()
	return l
}

// readHead loads the on-disk header into memory.
func (l *Log) readHead() {
	buf := l.bc.Bread(l.dev, l.start)
	l.lh.n = uint64(machine.UInt32Get(buf.Data[0:4]))
	for i := uint64(0); i < common.LOGSIZE; i++ {
		l.lh.block[i] = common.Bnum(machine.UInt32Get(buf.Data[4+4*i : 8+4*i]))
	}
	l.bc.Brelse(buf)
}

// writeHead persists the in-memory header. This is the commit point:
// the group's writes become visible across crashes exactly here.
func (l *Log) writeHead() {
	buf := l.bc.Bread(l.dev, l.start)
	machine.UInt32Put(buf.Data[0:4], uint32(l.lh.n))
	for i := uint64(0); i < common.LOGSIZE; i++ {
		machine.UInt32Put(buf.Data[4+4*i:8+4*i], uint32(l.lh.block[i]))
	}
	l.bc.Bwrite(buf)
	l.bc.Brelse(buf)
	l.bc.Barrier()
}

// installTrans copies committed slots to their home locations.
// Replaying a committed transaction reinstalls identical contents,
// so running this any number of times has the same effect.
func (l *Log) installTrans(recovering bool) {
	for i := uint64(0); i < l.lh.n; i++ {
		lbuf := l.bc.Bread(l.dev, l.start+1+common.Bnum(i))
		dbuf := l.bc.Bread(l.dev, l.lh.block[i])
		copy(dbuf.Data, lbuf.Data)
		l.bc.Bwrite(dbuf)
		if !recovering {
			l.bc.Bunpin(dbuf)
		}
		l.bc.Brelse(lbuf)
		l.bc.Brelse(dbuf)
	}
	if l.lh.n > 0 {
		l.bc.Barrier()
	}
}

func (l *Log) recover() {
	l.readHead()
	if l.lh.n > 0 {
		util.DPrintf(1, "log: recovering %d blocks\n", l.lh.n)
	}
	l.installTrans(true)
	l.lh.n = 0
	l.writeHead()
}

// Begin waits until the operation's worst-case block budget fits in
// the log alongside every other outstanding operation.
func (l *Log) Begin() {
	l.lk.Acquire()
	for {
		if l.committing {
			l.cond.Sleep(l.lk)
		} else if l.lh.n+(l.outstanding+1)*common.MAXOPBLOCKS > common.LOGSIZE {
			l.cond.Sleep(l.lk)
		} else {
			l.outstanding++
			break
		}
	}
	l.lk.Release()
}

// End retires one operation; the last one out commits the group.
func (l *Log) End() {
	var doCommit = false

	l.lk.Acquire()
	if l.committing {
		panic("log: end while committing")
	}
	l.outstanding--
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// freeing budget may let a blocked Begin proceed
		l.cond.Wakeup()
	}
	l.lk.Release()

	if doCommit {
		l.commit()
		l.lk.Acquire()
		l.committing = false
		l.lk.Release()
		l.cond.Wakeup()
	}
}

// Write records b as part of the current operation and pins it in
// the cache until install. A block already in the log is absorbed.
func (l *Log) Write(b *bcache.Buf) {
	l.lk.Acquire()
	if l.lh.n >= common.LOGSIZE || l.lh.n >= l.size-1 {
		panic("log: too big a transaction")
	}
	if l.outstanding < 1 {
		panic("log: write outside of an operation")
	}

	var i uint64
	for i = 0; i < l.lh.n; i++ {
		if l.lh.block[i] == b.Blockno {
			break
		}
	}
	l.lh.block[i] = b.Blockno
	if i == l.lh.n {
		l.bc.Bpin(b)
		l.lh.n++
	}
	l.lk.Release()
}

// writeLog copies every logged block's cached contents into its slot.
func (l *Log) writeLog() {
	for i := uint64(0); i < l.lh.n; i++ {
		to := l.bc.Bread(l.dev, l.start+1+common.Bnum(i))
		from := l.bc.Bread(l.dev, l.lh.block[i])
		copy(to.Data, from.Data)
		l.bc.Bwrite(to)
		l.bc.Brelse(from)
		l.bc.Brelse(to)
	}
	if l.lh.n > 0 {
		l.bc.Barrier()
	}
}

func (l *Log) commit() {
	if l.lh.n > 0 {
		l.writeLog()
		l.writeHead() // the group is now committed
		l.installTrans(false)
		l.lh.n = 0
		l.writeHead() // and now retired
	}
}

// NLogged reports how many blocks the header holds; tests use it to
// observe the bounded-log property.
func (l *Log) NLogged() uint64 {
	l.lk.Acquire()
	n := l.lh.n
	l.lk.Release()
	return n
}
