// Package klock provides the kernel's locks: SpinLock, which holds
// interrupts off on the acquiring hart for its whole critical
// section, and SleepLock, which blocks through a Cond instead of
// spinning. Cond is the typed sleep channel: each subsystem makes
// one per event and sleeps/wakes on it, so wakeups cannot cross
// subsystems.
package klock

import (
	"sync"
	"sync/atomic"

	"github.com/mit-pdos/go-xv6/hw"
)

const noHolder int64 = -1

// SpinLock is a mutual-exclusion lock held with interrupts disabled
// on the holding hart. Holding one forbids blocking.
//
// Ownership is per hart, not per goroutine: the scheduler hands a
// held process lock across the context switch, and the thread on the
// other side releases it. Goroutines with no hart binding (boot,
// unit tests) fall back to per-goroutine ownership.
type SpinLock struct {
	mach *hw.Machine
	name string

	mu        sync.Mutex
	holderCpu int64 // hart id, or noHolder
	holderGid uint64
	guard     hw.Guard
	guarded   bool
}

func MkSpinLock(mach *hw.Machine, name string) *SpinLock {
	return &SpinLock{mach: mach, name: name, holderCpu: noHolder}
}

func (lk *SpinLock) Acquire() {
	c, bound := lk.mach.MyCpuBound()
	if bound {
		g := c.PushOff()
		if lk.Holding() {
			panic("acquire: " + lk.name)
		}
		lk.mu.Lock()
		lk.guard = g
		lk.guarded = true
		atomic.StoreInt64(&lk.holderCpu, int64(c.Id))
	} else {
		gid := hw.Gid()
		lk.mu.Lock()
		lk.guarded = false
		atomic.StoreUint64(&lk.holderGid, gid)
	}
}

func (lk *SpinLock) Release() {
	if !lk.Holding() {
		panic("release: " + lk.name)
	}
	guarded := lk.guarded
	g := lk.guard
	atomic.StoreInt64(&lk.holderCpu, noHolder)
	atomic.StoreUint64(&lk.holderGid, 0)
	lk.mu.Unlock()
	if guarded {
		g.Pop()
	}
}

// Holding reports whether the caller's hart (or, unbound, the
// calling goroutine) holds the lock.
func (lk *SpinLock) Holding() bool {
	c, bound := lk.mach.MyCpuBound()
	if bound {
		return atomic.LoadInt64(&lk.holderCpu) == int64(c.Id)
	}
	return atomic.LoadUint64(&lk.holderGid) == hw.Gid()
}

func (lk *SpinLock) Name() string {
	return lk.name
}
