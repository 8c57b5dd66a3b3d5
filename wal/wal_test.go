package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/bcache"
	"github.com/mit-pdos/go-xv6/common"
	xdisk "github.com/mit-pdos/go-xv6/disk"
	"github.com/mit-pdos/go-xv6/hw"
)

// the log region starts at block 2, data blocks after it
const (
	logStart  common.Bnum = 2
	logBlocks uint64      = common.LOGSIZE + 1
	dataStart common.Bnum = logStart + common.Bnum(logBlocks)
)

func mklog(d disk.Disk) (*Log, *bcache.Bcache) {
	bc := bcache.MkBcache(hw.NewMachine(2), d, nil, func() uint64 { return 0 })
	l := MkLog(hw.NewMachine(2), bc, nil, 1, logStart, logBlocks)
	return l, bc
}

// writeTxn runs one operation setting each named block's first byte.
func writeTxn(l *Log, bc *bcache.Bcache, marks map[common.Bnum]byte) {
	l.Begin()
	for bno, v := range marks {
		b := bc.Bread(1, bno)
		b.Data[0] = v
		l.Write(b)
		bc.Brelse(b)
	}
	l.End()
}

func TestCommitVisibleAfterReboot(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(200)
	l, bc := mklog(d)
	writeTxn(l, bc, map[common.Bnum]byte{dataStart: 1, dataStart + 1: 2})

	// a clean reboot: fresh cache, recovery over the same disk
	l2, bc2 := mklog(d)
	b := bc2.Bread(1, dataStart)
	assert.EqualValues(1, b.Data[0])
	bc2.Brelse(b)
	b = bc2.Bread(1, dataStart+1)
	assert.EqualValues(2, b.Data[0])
	bc2.Brelse(b)
	assert.Equal(uint64(0), l2.NLogged())
}

func TestAbsorption(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(200)
	l, bc := mklog(d)

	l.Begin()
	for i := 0; i < 3; i++ {
		b := bc.Bread(1, dataStart)
		b.Data[0] = byte(i)
		l.Write(b)
		bc.Brelse(b)
	}
	assert.Equal(uint64(1), l.NLogged(), "same block absorbed into one slot")
	l.End()

	b := bc.Bread(1, dataStart)
	assert.EqualValues(2, b.Data[0], "last write wins")
	bc.Brelse(b)
}

func TestBeginBoundsOutstanding(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(200)
	l, _ := mklog(d)

	// LOGSIZE / MAXOPBLOCKS operations fit; one more must wait
	nfit := int(common.LOGSIZE / common.MAXOPBLOCKS)
	for i := 0; i < nfit; i++ {
		l.Begin()
	}
	entered := make(chan struct{})
	go func() {
		l.Begin()
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("Begin admitted past the budget")
	case <-time.After(10 * time.Millisecond):
	}
	l.End()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Begin not admitted after budget freed")
	}
	for i := 0; i < nfit; i++ {
		l.End()
	}
	assert.Equal(uint64(0), l.NLogged())
}

func TestWriteOutsideOpPanics(t *testing.T) {
	d := disk.NewMemDisk(200)
	l, bc := mklog(d)
	b := bc.Bread(1, dataStart)
	assert.Panics(t, func() { l.Write(b) })
	bc.Brelse(b)
}

// readMark reads a block's first byte through a throwaway cache.
func readMark(d disk.Disk, bno common.Bnum) byte {
	_, bc := mklog(d)
	b := bc.Bread(1, bno)
	v := b.Data[0]
	bc.Brelse(b)
	return v
}

// TestCrashSweep drives the same transaction into a disk that stops
// persisting after every possible write count and checks the
// all-or-nothing contract: before the header write commits the
// group, recovery sees none of it; after, all of it.
func TestCrashSweep(t *testing.T) {
	assert := assert.New(t)

	// measure the total writes of the whole run once
	probe := disk.NewMemDisk(200)
	cd := xdisk.NewCrashDisk(probe, ^uint64(0))
	l, bc := mklog(cd)
	writeTxn(l, bc, map[common.Bnum]byte{dataStart: 7, dataStart + 1: 9})
	total := cd.Writes()

	sawOld := false
	sawNew := false
	for fuse := uint64(0); fuse <= total; fuse++ {
		base := disk.NewMemDisk(200)
		cd := xdisk.NewCrashDisk(base, fuse)
		l, bc := mklog(cd)
		writeTxn(l, bc, map[common.Bnum]byte{dataStart: 7, dataStart + 1: 9})

		// reboot on the raw disk: run recovery (twice, it must be
		// idempotent) and look at the data region
		mklog(base)
		mklog(base)
		a := readMark(base, dataStart)
		b := readMark(base, dataStart+1)

		if a == 0 && b == 0 {
			sawOld = true
		} else if a == 7 && b == 9 {
			sawNew = true
		} else {
			t.Fatalf("fuse %d: partial transaction visible: %d %d", fuse, a, b)
		}
	}
	assert.True(sawOld, "some crash point discards the group")
	assert.True(sawNew, "some crash point preserves the group")
}

func TestRecoveryIdempotent(t *testing.T) {
	assert := assert.New(t)
	base := disk.NewMemDisk(200)

	// crash right after the commit point so recovery has work to do:
	// recovery head write + 2 log slots + 1 header
	cd := xdisk.NewCrashDisk(base, 4)
	l, bc := mklog(cd)
	writeTxn(l, bc, map[common.Bnum]byte{dataStart: 5, dataStart + 1: 6})

	mklog(base)
	snap1 := []byte{readMark(base, dataStart), readMark(base, dataStart+1)}
	mklog(base)
	snap2 := []byte{readMark(base, dataStart), readMark(base, dataStart+1)}
	assert.Equal(snap1, snap2, "second recovery changes nothing")
	assert.Equal([]byte{5, 6}, snap1, "committed group installed")
}
