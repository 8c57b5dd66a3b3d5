// Package kalloc manages 4 KiB physical frames over a simulated
// physical memory arena. Each hart owns a freelist; an empty hart
// releases its own lock and then steals from the others, holding at
// most one foreign lock at a time, so no acquisition cycle can form.
//
// The freelist is threaded through the frames themselves: the first
// eight bytes of a free frame hold the physical address of the next
// free frame.
package kalloc

import (
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/util"
)

const (
	PGSIZE uint64 = 4096

	// frame 0 is never handed out so that pa 0 can mean "none"
	kernend uint64 = PGSIZE

	// most frames one hart steals from another per refill
	stealMax uint64 = 64

	// non-zero fill to surface reads of uninitialized frames
	junkAlloc byte = 5
	junkFree  byte = 1
)

func PGROUNDUP(a uint64) uint64 {
	return (a + PGSIZE - 1) &^ (PGSIZE - 1)
}

func PGROUNDDOWN(a uint64) uint64 {
	return a &^ (PGSIZE - 1)
}

type cpuFree struct {
	lk       *klock.SpinLock
	freelist uint64 // pa of first free frame, 0 if empty
}

// Mem is the physical memory arena plus the per-hart freelists.
type Mem struct {
	arena   []byte
	physTop uint64
	cpus    []*cpuFree
	mach    *hw.Machine
}

// MkMem builds an arena of npages frames (including the reserved
// frame 0) and gives every frame to hart 0's list, mirroring boot
// where the boot hart frees the whole range.
func MkMem(mach *hw.Machine, npages uint64) *Mem {
	if npages < 2 {
		panic("MkMem: arena too small")
	}
	m := &Mem{
		arena:   make([]byte, npages*PGSIZE),
		physTop: npages * PGSIZE,
		mach:    mach,
	}
	for range mach.Cpus {
		m.cpus = append(m.cpus, &cpuFree{
			lk: klock.MkSpinLock(mach, "kmem"),
		})
	}
	m.freeRange(kernend, m.physTop)
	return m
}

func (m *Mem) freeRange(start uint64, end uint64) {
	for pa := PGROUNDUP(start); pa+PGSIZE <= end; pa += PGSIZE {
		m.Free(pa)
	}
}

// Frame is the backing bytes of the frame at pa.
func (m *Mem) Frame(pa uint64) []byte {
	if pa%PGSIZE != 0 || pa < kernend || pa >= m.physTop {
		panic("kalloc: bad frame pa")
	}
	return m.arena[pa : pa+PGSIZE]
}

// PhysTop is the end of managed physical memory.
func (m *Mem) PhysTop() uint64 {
	return m.physTop
}

func fill(f []byte, b byte) {
	for i := range f {
		f[i] = b
	}
}

// Free returns the frame at pa to the calling hart's list.
func (m *Mem) Free(pa uint64) {
	if pa%PGSIZE != 0 || pa < kernend || pa >= m.physTop {
		panic("kfree")
	}
	f := m.Frame(pa)
	fill(f, junkFree)

	cf := m.cpus[m.mach.MyCpu().Id]
	cf.lk.Acquire()
	machine.UInt64Put(f, cf.freelist)
	cf.freelist = pa
	cf.lk.Release()
}

// pop removes the head of cf's list; caller holds cf.lk.
func (m *Mem) pop(cf *cpuFree) uint64 {
	pa := cf.freelist
	if pa != 0 {
		cf.freelist = machine.UInt64Get(m.Frame(pa))
	}
	return pa
}

// Alloc returns a frame filled with a junk byte, or ENOMEM when
// every hart's list is empty.
func (m *Mem) Alloc() (uint64, defs.Err_t) {
	my := m.mach.MyCpu().Id
	cf := m.cpus[my]

	cf.lk.Acquire()
	pa := m.pop(cf)
	cf.lk.Release()
	if pa == 0 {
		// Refill from other harts. The local lock is dropped first
		// and at most one foreign lock is held at a time, so two
		// harts stealing from each other cannot form a cycle.
		var stolen []uint64
		for i := range m.cpus {
			if i == my {
				continue
			}
			other := m.cpus[i]
			other.lk.Acquire()
			for uint64(len(stolen)) < stealMax {
				spa := m.pop(other)
				if spa == 0 {
					break
				}
				stolen = append(stolen, spa)
			}
			other.lk.Release()
			if len(stolen) > 0 {
				break
			}
		}
		cf.lk.Acquire()
		for _, spa := range stolen {
			machine.UInt64Put(m.Frame(spa), cf.freelist)
			cf.freelist = spa
		}
		pa = m.pop(cf)
		cf.lk.Release()
	}

	if pa == 0 {
		util.DPrintf(1, "kalloc: out of memory\n")
		return 0, defs.ENOMEM
	}
	fill(m.Frame(pa), junkAlloc)
	return pa, 0
}

// AllocZero is Alloc followed by zeroing, for page tables and fresh
// user pages.
func (m *Mem) AllocZero() (uint64, defs.Err_t) {
	pa, err := m.Alloc()
	if err != 0 {
		return 0, err
	}
	fill(m.Frame(pa), 0)
	return pa, 0
}

// NFree counts free frames across all harts; tests use it to check
// for leaks.
func (m *Mem) NFree() uint64 {
	var n uint64
	for _, cf := range m.cpus {
		cf.lk.Acquire()
		for pa := cf.freelist; pa != 0; pa = machine.UInt64Get(m.Frame(pa)) {
			n++
		}
		cf.lk.Release()
	}
	return n
}
