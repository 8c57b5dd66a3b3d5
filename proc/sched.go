package proc

import (
	"time"

	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/util"
)

// Context is the schedulable state of a kernel thread: the channel
// its goroutine parks on while it does not own a hart.
type Context struct {
	resume chan struct{}
}

func mkContext() Context {
	return Context{resume: make(chan struct{})}
}

// swtch hands the hart to new and parks the caller on old. The send
// is unbuffered, so the hart is never owned by two threads at once.
func swtch(old *Context, new *Context) {
	new.resume <- struct{}{}
	<-old.resume
}

// kthread is the kernel thread of one process slot incarnation. It
// parks until the scheduler dispatches it for the first time, then
// runs the user program body and exits on its behalf if the body
// returns.
func (pt *Table) kthread(p *Proc) {
	pt.register(p)
	<-p.ctx.resume
	if p.state == UNUSED {
		// construction failed after the thread was spawned
		pt.unregister()
		return
	}
	pt.mach.Bind(p.cpu)
	pt.forkret(p)

	task := p.Task
	if task != nil {
		task(p)
	}
	pt.Exit(p, 0)
}

// killThread wakes a never-dispatched kernel thread so it can
// observe the freed slot and end; the slot lock is held.
func (pt *Table) killThread(p *Proc) {
	p.ctx.resume <- struct{}{}
}

// forkret is a new thread's first landing: it releases the slot lock
// the scheduler passed over the switch.
func (pt *Table) forkret(p *Proc) {
	p.lock.Release()
	util.DPrintf(3, "forkret: pid %d (%s)\n", p.pid, p.Name)
}

// Scheduler is one hart's scheduling loop: scan for a RUNNABLE
// process, run it until it comes back, repeat; idle harts enable
// interrupts and wait. Runs until Shutdown.
func (pt *Table) Scheduler(c *hw.Cpu) {
	pt.mach.Bind(c)
	defer pt.mach.Unbind()
	for {
		// let devices interrupt while we look for work
		c.IntrOn()
		if pt.Intr != nil {
			pt.Intr(c)
		}
		if pt.isShutdown() {
			return
		}

		found := false
		for _, p := range pt.procs {
			p.lock.Acquire()
			if p.state == RUNNABLE {
				// The process now owns this hart; it is responsible
				// for releasing its lock and reacquiring it before
				// coming back.
				p.state = RUNNING
				p.cpu = c
				swtch(&pt.schedCtx[c.Id], &p.ctx)
				pt.mach.Bind(c)
				p.cpu = nil
				found = true
			}
			p.lock.Release()
		}
		if !found {
			c.WfiTimeout(time.Millisecond)
		}
	}
}

// Sched returns the hart to the scheduler; the caller holds the slot
// lock and has already moved the process out of RUNNING.
func (pt *Table) Sched(p *Proc) {
	if !p.lock.Holding() {
		panic("sched p->lock")
	}
	if p.state == RUNNING {
		panic("sched running")
	}
	c := p.cpu
	if c.Noff() != 1 {
		panic("sched locks")
	}
	if c.IntrGet() {
		panic("sched interruptible")
	}
	swtch(&p.ctx, &pt.schedCtx[c.Id])
	// dispatched again, possibly on a different hart
	pt.mach.Bind(p.cpu)
}

// Yield gives up the hart but stays runnable.
func (pt *Table) Yield(p *Proc) {
	p.lock.Acquire()
	p.state = RUNNABLE
	pt.Sched(p)
	p.lock.Release()
}

// Shutdown stops every scheduler loop once its current process comes
// back; used by tests to quiesce the machine.
func (pt *Table) Shutdown() {
	pt.shutMu.Lock()
	pt.shutdown = true
	pt.shutMu.Unlock()
	pt.mach.KickAll()
}

func (pt *Table) isShutdown() bool {
	pt.shutMu.Lock()
	defer pt.shutMu.Unlock()
	return pt.shutdown
}
