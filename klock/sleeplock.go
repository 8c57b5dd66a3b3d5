package klock

import (
	"github.com/mit-pdos/go-xv6/hw"
)

// SleepLock is a long-term lock: waiters block on a Cond instead of
// spinning, so it may be held across disk I/O. The inner SpinLock
// only guards the lock word.
type SleepLock struct {
	lk     *SpinLock
	cond   *Cond
	locked bool
}

func MkSleepLock(mach *hw.Machine, name string, s Sleeper) *SleepLock {
	sl := &SleepLock{
		lk: MkSpinLock(mach, name),
	}
	sl.cond = MkCond(name, s)
	return sl
}

func (sl *SleepLock) Acquire() {
	sl.lk.Acquire()
	for sl.locked {
		sl.cond.Sleep(sl.lk)
	}
	sl.locked = true
	sl.lk.Release()
}

func (sl *SleepLock) Release() {
	sl.lk.Acquire()
	if !sl.locked {
		panic("sleeplock release: " + sl.lk.name)
	}
	sl.locked = false
	sl.lk.Release()
	sl.cond.Wakeup()
}

// IsLocked reports whether someone holds the lock; used only in
// asserts (a sleeplock has no hart affinity to check).
func (sl *SleepLock) IsLocked() bool {
	sl.lk.Acquire()
	l := sl.locked
	sl.lk.Release()
	return l
}
