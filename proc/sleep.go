package proc

import (
	"github.com/mit-pdos/go-xv6/klock"
)

// Table implements klock.Sleeper: every Cond in the kernel suspends
// through here, so blocking always releases the hart.
var _ klock.Sleeper = (*Table)(nil)

// Sleep atomically releases lk and parks the current process on c.
// The process lock is taken before lk is released, so a Wakeup
// running after the release cannot miss this sleeper. Threads with
// no process (boot, tests) park directly on the Cond.
func (pt *Table) Sleep(c *klock.Cond, lk klock.Locker) {
	p := pt.CurProc()
	if p == nil {
		c.HostSleep(lk)
		return
	}

	p.lock.Acquire()
	lk.Release()

	p.sleepC = c
	p.state = SLEEPING
	pt.Sched(p)

	p.sleepC = nil
	p.lock.Release()
	lk.Acquire()
}

// Wakeup makes every process sleeping on c runnable.
func (pt *Table) Wakeup(c *klock.Cond) {
	cur := pt.CurProc()
	for _, p := range pt.procs {
		if p == cur {
			continue
		}
		p.lock.Acquire()
		if p.state == SLEEPING && p.sleepC == c {
			p.state = RUNNABLE
		}
		p.lock.Release()
	}
	pt.mach.KickAll()
}
