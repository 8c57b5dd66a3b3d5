package klock

import (
	"sync"
)

// Locker is what a sleeper releases atomically with going to sleep
// and reacquires before returning; both SpinLock and SleepLock
// satisfy it.
type Locker interface {
	Acquire()
	Release()
}

// Sleeper suspends the calling kernel thread on a Cond. The process
// table implements it; a Cond with no sleeper (unit tests, boot)
// parks the goroutine directly.
type Sleeper interface {
	Sleep(c *Cond, lk Locker)
	Wakeup(c *Cond)
}

// Cond is a typed sleep channel: a named rendezvous between sleepers
// and a later wake-all. Every call chain that blocks in the kernel
// funnels through one of these.
//
// The no-lost-wakeup guarantee holds because the sleeper publishes
// itself (under the process lock or under hmu) before releasing the
// condition lock, and Wakeup scans after acquiring the same.
type Cond struct {
	name    string
	sleeper Sleeper

	// direct parking for threads with no process context
	hmu  sync.Mutex
	hcv  *sync.Cond
	hgen uint64
}

func MkCond(name string, s Sleeper) *Cond {
	c := &Cond{name: name, sleeper: s}
	c.hcv = sync.NewCond(&c.hmu)
	return c
}

func (c *Cond) Name() string {
	return c.name
}

// Sleep atomically releases lk, suspends the caller until the next
// Wakeup, and reacquires lk.
func (c *Cond) Sleep(lk Locker) {
	if c.sleeper != nil {
		c.sleeper.Sleep(c, lk)
		return
	}
	c.HostSleep(lk)
}

// Wakeup wakes every thread sleeping on c.
func (c *Cond) Wakeup() {
	if c.sleeper != nil {
		c.sleeper.Wakeup(c)
	}
	c.HostWakeup()
}

// HostSleep parks the calling goroutine itself; the process table
// calls back into it for threads that have no process.
func (c *Cond) HostSleep(lk Locker) {
	c.hmu.Lock()
	gen := c.hgen
	lk.Release()
	for gen == c.hgen {
		c.hcv.Wait()
	}
	c.hmu.Unlock()
	lk.Acquire()
}

// HostWakeup wakes direct parkers.
func (c *Cond) HostWakeup() {
	c.hmu.Lock()
	c.hgen++
	c.hmu.Unlock()
	c.hcv.Broadcast()
}
