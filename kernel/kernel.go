// Package kernel is the boot-time context that owns every subsystem:
// it wires disk → buffer cache → log → file system → files → process
// table → trap core, starts the harts and the timer, and hosts the
// user-runtime collaborator that drives user programs through the
// trap path.
package kernel

import (
	"sync"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/bcache"
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/file"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/kalloc"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/proc"
	"github.com/mit-pdos/go-xv6/sys"
	"github.com/mit-pdos/go-xv6/trap"
	"github.com/mit-pdos/go-xv6/uart"
	"github.com/mit-pdos/go-xv6/util"
	"github.com/mit-pdos/go-xv6/vm"
)

// Config is the boot-time knobs; zero values pick the defaults.
type Config struct {
	Disk     disk.Disk
	NCpu     uint64
	NFrames  uint64 // physical frames in the arena
	TickEach time.Duration
}

// Kernel owns the machine and every subsystem built over it.
type Kernel struct {
	Mach *hw.Machine
	Plic *hw.Plic
	Mem  *kalloc.Mem
	Vm   *vm.Vm
	Bc   *bcache.Bcache
	Fsys *fs.FileSys
	Ftab *file.Table
	Pt   *proc.Table
	Trap *trap.Handler
	Sys  *sys.Sys
	Uart *uart.Uart
	Cons *uart.Console

	timerStop chan struct{}
	shutOnce  sync.Once

	mu      sync.Mutex
	pending map[uint64]func(*Env) // child bodies keyed by parent pid
}

// lateSleeper lets subsystems built before the process table block
// correctly once it exists.
type lateSleeper struct {
	mu sync.Mutex
	s  klock.Sleeper
}

func (l *lateSleeper) set(s klock.Sleeper) {
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}

func (l *lateSleeper) get() klock.Sleeper {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s
}

func (l *lateSleeper) Sleep(c *klock.Cond, lk klock.Locker) {
	if s := l.get(); s != nil {
		s.Sleep(c, lk)
		return
	}
	c.HostSleep(lk)
}

func (l *lateSleeper) Wakeup(c *klock.Cond) {
	if s := l.get(); s != nil {
		s.Wakeup(c)
	}
}

// Boot brings the kernel up on cfg.Disk: mounts the file system
// (running log recovery), creates /console, starts one scheduler per
// hart, the init process, and the timer.
func Boot(cfg Config) *Kernel {
	if cfg.NCpu == 0 {
		cfg.NCpu = 4
	}
	if cfg.NFrames == 0 {
		cfg.NFrames = 1024
	}
	if cfg.TickEach == 0 {
		cfg.TickEach = time.Millisecond
	}

	k := &Kernel{
		Mach:      hw.NewMachine(cfg.NCpu),
		Plic:      hw.NewPlic(),
		timerStop: make(chan struct{}),
		pending:   make(map[uint64]func(*Env)),
	}
	sleeper := &lateSleeper{}

	k.Mem = kalloc.MkMem(k.Mach, cfg.NFrames)
	k.Vm = vm.MkVm(k.Mem)
	k.Bc = bcache.MkBcache(k.Mach, cfg.Disk, sleeper, func() uint64 {
		if k.Trap == nil {
			return 0
		}
		return k.Trap.Ticks()
	})
	k.Fsys = fs.MkFileSys(k.Mach, k.Bc, sleeper, common.ROOTDEV)
	k.Ftab = file.MkTable(k.Mach, k.Fsys, sleeper)
	k.Pt = proc.MkTable(k.Mach, k.Mem, k.Vm, k.Fsys, k.Ftab)
	sleeper.set(k.Pt)

	k.Uart = uart.MkUart(k.Mach, k.Plic, k.Pt)
	k.Cons = uart.MkConsole(k.Mach, k.Uart, k.Pt)
	k.Trap = trap.MkHandler(k.Mach, k.Plic, k.Pt, k.Cons, k.Pt)

	k.Sys = sys.MkSys(k.Pt, k.Fsys, k.Ftab, k.Vm)
	k.Sys.SleepTicks = k.Trap.SleepTicks
	k.Sys.Uptime = k.Trap.Ticks
	k.Trap.Syscall = k.Sys.Syscall

	k.Pt.Intr = func(c *hw.Cpu) {
		for k.Trap.DevIntr() {
		}
	}
	k.Pt.ForkHook = k.forkHook
	k.Ftab.SetKilledFn(func() bool {
		p := k.Pt.CurProc()
		return p != nil && p.Killed()
	})
	k.Ftab.Devsw[defs.CONSOLE] = &file.Dev{
		Read:  k.Cons.Read,
		Write: k.Cons.Write,
	}

	k.ensureConsole()

	for _, c := range k.Mach.Cpus {
		go k.Pt.Scheduler(c)
	}
	k.startInit()
	go k.timer(cfg.TickEach)

	util.DPrintf(1, "kernel: booted on %d harts\n", cfg.NCpu)
	return k
}

// Shutdown quiesces the harts and the timer; the disk keeps whatever
// the log last made durable.
func (k *Kernel) Shutdown() {
	k.shutOnce.Do(func() {
		close(k.timerStop)
		k.Pt.Shutdown()
	})
}

func (k *Kernel) timer(each time.Duration) {
	t := time.NewTicker(each)
	defer t.Stop()
	for {
		select {
		case <-k.timerStop:
			return
		case <-t.C:
			k.Trap.TimerTick()
		}
	}
}

// ensureConsole makes the /console device node the way init would on
// first boot.
func (k *Kernel) ensureConsole() {
	log := k.Fsys.Log()
	log.Begin()
	defer log.End()

	if ip, err := k.Fsys.Namei(nil, "/console"); err == 0 {
		k.Fsys.Iput(ip)
		return
	}
	root, err := k.Fsys.Namei(nil, "/")
	if err != 0 {
		panic("ensureConsole: no root")
	}
	k.Fsys.Ilock(root)
	ip, err := k.Fsys.Ialloc(common.ROOTDEV, defs.T_DEVICE)
	if err != 0 {
		panic("ensureConsole: ialloc")
	}
	k.Fsys.Ilock(ip)
	ip.Major = int16(defs.CONSOLE)
	ip.Minor = 0
	ip.Nlink = 1
	k.Fsys.Iupdate(ip)
	if err := k.Fsys.DirLink(root, "console", ip.Inum); err != 0 {
		panic("ensureConsole: dirlink")
	}
	k.Fsys.Iunlockput(ip)
	k.Fsys.Iunlockput(root)
}

// startInit launches the first process; it reaps orphans forever.
func (k *Kernel) startInit() {
	_, err := k.Pt.NewProc("init", func(p *proc.Proc) {
		for {
			if _, err := k.Pt.Wait(p, 0); err != 0 {
				// no children yet; try again next tick
				k.Trap.SleepTicks(p, 1)
			}
		}
	})
	if err != 0 {
		panic("startInit")
	}
}

func (k *Kernel) forkHook(parent *proc.Proc, child *proc.Proc) {
	k.mu.Lock()
	body := k.pending[parent.Pid()]
	delete(k.pending, parent.Pid())
	k.mu.Unlock()
	if body == nil {
		// raw fork with no registered continuation: the child has
		// nothing to run and exits
		child.Task = func(p *proc.Proc) {}
		return
	}
	child.Task = func(p *proc.Proc) {
		body(&Env{k: k, p: p})
	}
}

// Spawn runs body as a new process; the returned channel closes when
// the body returns or exits.
func (k *Kernel) Spawn(name string, body func(*Env)) (*proc.Proc, <-chan struct{}, defs.Err_t) {
	done := make(chan struct{})
	p, err := k.Pt.NewProc(name, func(p *proc.Proc) {
		defer close(done)
		body(&Env{k: k, p: p})
	})
	if err != 0 {
		return nil, nil, err
	}
	return p, done, 0
}
