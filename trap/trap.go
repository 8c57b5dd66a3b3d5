// Package trap is the trap core: user traps dispatch to the syscall
// layer, device interrupts route through the PLIC to their drivers,
// and timer interrupts advance the tick clock and ask the running
// process to yield. Kernel traps accept devices and timers only.
package trap

import (
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/proc"
	"github.com/mit-pdos/go-xv6/uart"
	"github.com/mit-pdos/go-xv6/util"
)

// Trap causes the trap core dispatches on (local enumerators, not
// scause encodings).
type Cause int

const (
	Ecall Cause = iota
	TimerIntr
	ExternalIntr
	LoadPageFault
	StorePageFault
	IllegalInstr
)

// Handler owns the trap paths and the tick clock.
type Handler struct {
	mach *hw.Machine
	plic *hw.Plic
	pt   *proc.Table
	cons *uart.Console

	// Syscall is the syscall front-end's dispatch entry.
	Syscall func(p *proc.Proc)

	// LazyFault, when set, may materialize a lazily-mapped page and
	// report whether the fault is resolved; page faults with no
	// resolver kill the process.
	LazyFault func(p *proc.Proc, va uint64) bool

	// DiskIntr is the virtio driver's completion hook.
	DiskIntr func()

	ticksLk *klock.SpinLock
	ticks   uint64
	ticksC  *klock.Cond
}

func MkHandler(mach *hw.Machine, plic *hw.Plic, pt *proc.Table, cons *uart.Console, s klock.Sleeper) *Handler {
	h := &Handler{
		mach:    mach,
		plic:    plic,
		pt:      pt,
		cons:    cons,
		ticksLk: klock.MkSpinLock(mach, "time"),
	}
	h.ticksC = klock.MkCond("ticks", s)
	return h
}

// Ticks reads the global tick counter.
func (h *Handler) Ticks() uint64 {
	h.ticksLk.Acquire()
	t := h.ticks
	h.ticksLk.Release()
	return t
}

// TimerTick is the machine-mode timer's forward: hart 0's duty is to
// advance the clock and wake sleepers; every hart is asked to
// reschedule whatever it runs.
func (h *Handler) TimerTick() {
	h.ticksLk.Acquire()
	h.ticks++
	h.ticksLk.Release()
	h.ticksC.Wakeup()

	for _, c := range h.mach.Cpus {
		c.SetResched()
	}
	h.mach.KickAll()
}

// SleepTicks blocks the process for n ticks, EINTR if killed while
// waiting.
func (h *Handler) SleepTicks(p *proc.Proc, n uint64) defs.Err_t {
	h.ticksLk.Acquire()
	t0 := h.ticks
	for h.ticks < t0+n {
		if p.Killed() {
			h.ticksLk.Release()
			return defs.EINTR
		}
		h.ticksC.Sleep(h.ticksLk)
	}
	h.ticksLk.Release()
	return 0
}

// DevIntr claims and routes one pending device interrupt per call;
// it reports whether it found any.
func (h *Handler) DevIntr() bool {
	irq := h.plic.Claim()
	if irq == 0 {
		return false
	}
	switch irq {
	case hw.UART0_IRQ:
		h.cons.DevIntr()
	case hw.VIRTIO0_IRQ:
		if h.DiskIntr != nil {
			h.DiskIntr()
		}
	default:
		util.DPrintf(0, "devintr: unexpected irq %d\n", irq)
	}
	h.plic.Complete(irq)
	return true
}

// UserTrap handles a trap out of user mode and returns to it.
func (h *Handler) UserTrap(p *proc.Proc, cause Cause, stval uint64) {
	c := h.mach.MyCpu()

	switch cause {
	case Ecall:
		if p.Killed() {
			h.pt.Exit(p, -1)
		}
		// advance past the ecall instruction before anything can
		// re-trap, then run with interrupts back on
		p.Tf.Epc += 4
		c.IntrOn()
		h.Syscall(p)
	case ExternalIntr:
		if !h.DevIntr() {
			util.DPrintf(0, "usertrap: spurious external interrupt\n")
		}
	case TimerIntr:
		h.pt.Yield(p)
	case LoadPageFault, StorePageFault:
		if h.LazyFault == nil || !h.LazyFault(p, stval) {
			util.DPrintf(0, "usertrap: page fault pid=%d va=%#x\n", p.Pid(), stval)
			p.SetKilled()
		}
	default:
		util.DPrintf(0, "usertrap: unexpected cause %d pid=%d\n", cause, p.Pid())
		p.SetKilled()
	}

	h.userTrapRet(p, c)
}

// userTrapRet is the return-to-user edge: pending device interrupts
// are taken here, a pending kill becomes exit(-1), a pending timer
// becomes a yield.
func (h *Handler) userTrapRet(p *proc.Proc, c *hw.Cpu) {
	for h.DevIntr() {
	}
	if p.Killed() {
		h.pt.Exit(p, -1)
	}
	if c.TakeResched() {
		h.pt.Yield(p)
	}
	c.IntrOff()
}

// KernelTrap accepts device and timer interrupts arriving in
// supervisor mode; anything else is a kernel bug.
func (h *Handler) KernelTrap(cause Cause) {
	switch cause {
	case ExternalIntr:
		h.DevIntr()
	case TimerIntr:
		p := h.pt.CurProc()
		if p != nil {
			h.pt.Yield(p)
		}
	default:
		panic("kerneltrap")
	}
}
