// Package proc is the process table and the per-hart schedulers.
//
// A process's kernel thread is a goroutine, parked on its context's
// channel whenever the process does not own a hart; the scheduler
// hands a hart over by signalling that channel and taking its own
// context back when the thread yields, sleeps, or exits. Exactly one
// kernel thread runs per hart, so the xv6 locking protocol carries
// over: the process lock is held across the switch and released on
// the other side.
package proc

import (
	"runtime"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/file"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/kalloc"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/util"
	"github.com/mit-pdos/go-xv6/vm"
)

type Procstate int

const (
	UNUSED Procstate = iota
	USED
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

// TrapFrame holds the user registers across a trap. Only the fields
// the syscall ABI touches are modeled.
type TrapFrame struct {
	Epc uint64
	Sp  uint64
	Ra  uint64
	A0  uint64
	A1  uint64
	A2  uint64
	A3  uint64
	A4  uint64
	A5  uint64
	A6  uint64
	A7  uint64
}

// Proc is one process table slot.
type Proc struct {
	lock *klock.SpinLock

	// guarded by lock
	state  Procstate
	sleepC *klock.Cond // condition this process sleeps on
	killed bool
	xstate int64
	pid    uint64

	// guarded by the table's wait lock
	parent *Proc

	// private to the process while it runs
	Kstack    uint64
	Sz        uint64
	Pagetable vm.Pagetable
	Tf        *TrapFrame
	Cwd       *fs.Inode
	Ofile     [common.NOFILE]*file.File
	Name      string

	// Task is the user program body the collaborator runtime runs on
	// this process's kernel thread; fork copies it to the child.
	Task func(p *Proc)

	// waitC is where this process waits for its children to exit.
	waitC *klock.Cond

	ctx Context
	cpu *hw.Cpu
}

func (p *Proc) Pid() uint64 {
	return p.pid
}

// Killed reports a pending kill.
func (p *Proc) Killed() bool {
	p.lock.Acquire()
	k := p.killed
	p.lock.Release()
	return k
}

// SetKilled marks the process for exit at its next trap boundary.
func (p *Proc) SetKilled() {
	p.lock.Acquire()
	p.killed = true
	p.lock.Release()
}

// Table owns every process and the scheduler state.
type Table struct {
	mach *hw.Machine
	mem  *kalloc.Mem
	vm   *vm.Vm
	fsys *fs.FileSys
	ftab *file.Table

	procs []*Proc

	pidLock  *klock.SpinLock
	nextPid  uint64
	waitLock *klock.SpinLock

	initProc *Proc

	// goroutine id → running process
	regMu   sync.Mutex
	running map[uint64]*Proc

	schedCtx []Context

	shutMu   sync.Mutex
	shutdown bool

	// Intr, when set, is called by idle harts to service pending
	// device interrupts.
	Intr func(c *hw.Cpu)

	// ForkHook, when set, runs on the fully-built child before it is
	// published; the user runtime uses it to install the child's
	// program body.
	ForkHook func(parent *Proc, child *Proc)
}

func MkTable(mach *hw.Machine, mem *kalloc.Mem, pvm *vm.Vm, fsys *fs.FileSys, ftab *file.Table) *Table {
	pt := &Table{
		mach:     mach,
		mem:      mem,
		vm:       pvm,
		fsys:     fsys,
		ftab:     ftab,
		pidLock:  klock.MkSpinLock(mach, "nextpid"),
		nextPid:  1,
		waitLock: klock.MkSpinLock(mach, "wait_lock"),
		running:  make(map[uint64]*Proc),
	}
	for i := uint64(0); i < common.NPROC; i++ {
		p := &Proc{
			lock: klock.MkSpinLock(mach, "proc"),
		}
		p.waitC = klock.MkCond("wait", pt)
		pt.procs = append(pt.procs, p)
	}
	for range mach.Cpus {
		pt.schedCtx = append(pt.schedCtx, mkContext())
	}
	return pt
}

// CurProc is the process whose kernel thread is the calling
// goroutine, or nil for boot and test threads.
func (pt *Table) CurProc() *Proc {
	gid := hw.Gid()
	pt.regMu.Lock()
	p := pt.running[gid]
	pt.regMu.Unlock()
	return p
}

func (pt *Table) register(p *Proc) {
	gid := hw.Gid()
	pt.regMu.Lock()
	pt.running[gid] = p
	pt.regMu.Unlock()
}

func (pt *Table) unregister() {
	gid := hw.Gid()
	pt.regMu.Lock()
	delete(pt.running, gid)
	pt.regMu.Unlock()
}

func (pt *Table) allocPid() uint64 {
	pt.pidLock.Acquire()
	pid := pt.nextPid
	pt.nextPid++
	pt.pidLock.Release()
	return pid
}

// allocProc claims an UNUSED slot and builds the pieces every
// process needs; it returns with the slot lock held, the way the
// caller needs it to finish construction before publication.
func (pt *Table) allocProc() (*Proc, defs.Err_t) {
	var p *Proc
	for _, q := range pt.procs {
		q.lock.Acquire()
		if q.state == UNUSED {
			p = q
			break
		}
		q.lock.Release()
	}
	if p == nil {
		return nil, defs.ENOMEM
	}
	p.pid = pt.allocPid()
	p.state = USED
	p.Tf = &TrapFrame{}

	kstack, err := pt.mem.Alloc()
	if err != 0 {
		pt.freeProc(p)
		p.lock.Release()
		return nil, err
	}
	p.Kstack = kstack

	pagetable, err := pt.vm.NewPagetable()
	if err != 0 {
		pt.freeProc(p)
		p.lock.Release()
		return nil, err
	}
	p.Pagetable = pagetable

	p.ctx = mkContext()
	go pt.kthread(p)
	return p, 0
}

// freeProc returns a dead process's resources; the slot lock is
// held.
func (pt *Table) freeProc(p *Proc) {
	if p.Kstack != 0 {
		pt.mem.Free(p.Kstack)
		p.Kstack = 0
	}
	if p.Pagetable != 0 {
		pt.vm.Free(p.Pagetable, p.Sz)
		p.Pagetable = 0
	}
	p.Tf = nil
	p.Sz = 0
	p.pid = 0
	p.parent = nil
	p.Name = ""
	p.sleepC = nil
	p.killed = false
	p.xstate = 0
	p.Task = nil
	p.state = UNUSED
}

// NewProc builds a runnable process around a user program body; the
// first one becomes the init process, which inherits every orphan.
func (pt *Table) NewProc(name string, task func(p *Proc)) (*Proc, defs.Err_t) {
	p, err := pt.allocProc()
	if err != 0 {
		return nil, err
	}
	p.Name = name
	p.Task = task
	p.Cwd, err = pt.fsys.Namei(nil, "/")
	if err != 0 {
		pt.freeProc(p)
		pt.killThread(p)
		p.lock.Release()
		return nil, err
	}
	first := pt.initProc == nil
	if first {
		pt.initProc = p
	}
	p.lock.Release()

	// the wait lock is always taken before any process lock
	if !first {
		pt.waitLock.Acquire()
		p.parent = pt.initProc
		pt.waitLock.Release()
	}

	p.lock.Acquire()
	p.state = RUNNABLE
	p.lock.Release()
	pt.mach.KickAll()
	return p, 0
}

// Fork clones the calling process: address space, open files, cwd,
// and trapframe, with the child's return register forced to zero.
// The child becomes visible to the scheduler only after it is fully
// built.
func (pt *Table) Fork(p *Proc) (int64, defs.Err_t) {
	np, err := pt.allocProc()
	if err != 0 {
		return -1, err
	}

	if err := pt.vm.ForkCopy(p.Pagetable, np.Pagetable, p.Sz); err != 0 {
		pt.freeProc(np)
		pt.killThread(np)
		np.lock.Release()
		return -1, err
	}
	np.Sz = p.Sz

	*np.Tf = *p.Tf
	np.Tf.A0 = 0 // fork returns 0 in the child

	for i := uint64(0); i < common.NOFILE; i++ {
		if p.Ofile[i] != nil {
			np.Ofile[i] = pt.ftab.Dup(p.Ofile[i])
		}
	}
	np.Cwd = pt.fsys.Idup(p.Cwd)
	np.Name = p.Name
	np.Task = p.Task
	if pt.ForkHook != nil {
		pt.ForkHook(p, np)
	}

	pid := np.pid
	np.lock.Release()

	pt.waitLock.Acquire()
	np.parent = p
	pt.waitLock.Release()

	np.lock.Acquire()
	np.state = RUNNABLE
	np.lock.Release()
	pt.mach.KickAll()

	return int64(pid), 0
}

// reparent hands p's children to init; the wait lock is held.
func (pt *Table) reparent(p *Proc) {
	for _, pp := range pt.procs {
		if pp.parent == p {
			pp.parent = pt.initProc
			pt.initProc.waitC.Wakeup()
		}
	}
}

// Exit terminates the calling process. It never returns: the thread
// becomes a zombie and hands its hart back to the scheduler.
func (pt *Table) Exit(p *Proc, status int64) {
	if p == pt.initProc {
		panic("init exiting")
	}
	for fd := uint64(0); fd < common.NOFILE; fd++ {
		if p.Ofile[fd] != nil {
			pt.ftab.Close(p.Ofile[fd])
			p.Ofile[fd] = nil
		}
	}

	pt.fsys.Log().Begin()
	pt.fsys.Iput(p.Cwd)
	pt.fsys.Log().End()
	p.Cwd = nil

	pt.waitLock.Acquire()
	pt.reparent(p)
	if p.parent != nil {
		p.parent.waitC.Wakeup()
	}

	p.lock.Acquire()
	p.xstate = status
	p.state = ZOMBIE
	pt.waitLock.Release()

	util.DPrintf(3, "exit: pid %d status %d\n", p.pid, status)

	// final departure: give the hart back and end the kernel thread
	pt.unregister()
	pt.mach.Unbind()
	pt.schedCtx[p.cpu.Id].resume <- struct{}{}
	runtime.Goexit()
}

// Wait blocks until a child exits, frees it, and returns its pid.
// With addr nonzero the exit status is copied to user memory as a
// little-endian u64.
func (pt *Table) Wait(p *Proc, addr uint64) (int64, defs.Err_t) {
	pt.waitLock.Acquire()
	for {
		havekids := false
		for _, pp := range pt.procs {
			if pp.parent != p {
				continue
			}
			pp.lock.Acquire()
			havekids = true
			if pp.state == ZOMBIE {
				pid := pp.pid
				if addr != 0 {
					enc := marshal.NewEnc(8)
					enc.PutInt(uint64(pp.xstate))
					if err := pt.vm.CopyOut(p.Pagetable, addr, enc.Finish()); err != 0 {
						pp.lock.Release()
						pt.waitLock.Release()
						return -1, err
					}
				}
				pt.freeProc(pp)
				pp.lock.Release()
				pt.waitLock.Release()
				return int64(pid), 0
			}
			pp.lock.Release()
		}

		if !havekids || p.Killed() {
			pt.waitLock.Release()
			return -1, defs.ECHILD
		}
		p.waitC.Sleep(pt.waitLock)
	}
}

// Kill marks pid for exit and wakes it if it sleeps.
func (pt *Table) Kill(pid uint64) defs.Err_t {
	for _, p := range pt.procs {
		p.lock.Acquire()
		if p.pid == pid && p.state != UNUSED {
			p.killed = true
			if p.state == SLEEPING {
				p.state = RUNNABLE
			}
			p.lock.Release()
			pt.mach.KickAll()
			return 0
		}
		p.lock.Release()
	}
	return defs.ESRCH
}

// Grow adjusts the process's user size by n bytes and returns the
// old break.
func (pt *Table) Grow(p *Proc, n int64) (uint64, defs.Err_t) {
	sz := p.Sz
	if n > 0 {
		newsz, err := pt.vm.UserAlloc(p.Pagetable, sz, sz+uint64(n), 0)
		if err != 0 {
			return 0, err
		}
		p.Sz = newsz
	} else if n < 0 {
		dec := uint64(-n)
		if dec > sz {
			return 0, defs.EINVAL
		}
		p.Sz = pt.vm.UserDealloc(p.Pagetable, sz, sz-dec)
	}
	return sz, 0
}

// Init is the first process; orphans land on it.
func (pt *Table) Init() *Proc {
	return pt.initProc
}

// Dump prints one line per used slot: pid, state, and name.
func (pt *Table) Dump() {
	names := []string{"unused", "used", "sleep ", "runble", "run   ", "zombie"}
	for _, p := range pt.procs {
		if p.state == UNUSED {
			continue
		}
		util.DPrintf(0, "%d %s %s\n", p.pid, names[p.state], p.Name)
	}
}
