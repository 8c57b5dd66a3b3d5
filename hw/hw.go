// Package hw simulates the machine the kernel runs on: a fixed set
// of harts with per-hart interrupt state, and a PLIC routing device
// interrupts by IRQ number.
//
// A hart's interrupt-off nesting (noff) and saved enable state
// (intena) follow the push_off/pop_off discipline; PushOff returns a
// guard whose Pop restores the prior state.
//
// Kernel threads are goroutines. The binding from a goroutine to the
// hart it currently occupies is kept in a registry keyed by goroutine
// id (the userspace stand-in for reading tp); goroutines with no
// binding resolve to hart 0, which only boot and unit tests use.
package hw

import (
	"runtime"
	"strconv"
	"sync"
	"time"
)

const NCPU uint64 = 8

// IRQ numbers on the simulated PLIC.
const (
	VIRTIO0_IRQ uint32 = 1
	UART0_IRQ   uint32 = 10
)

// Cpu is one hart.
type Cpu struct {
	Id     int
	mu     sync.Mutex
	noff   int  // depth of PushOff nesting
	intena bool // were interrupts enabled before the outermost PushOff?
	sie    bool // simulated SSTATUS.SIE

	resched bool // a timer interrupt asked the running process to yield

	kick chan struct{} // wfi wakeup
}

// Guard is the scoped result of PushOff; Pop restores the prior
// interrupt state.
type Guard struct {
	c *Cpu
}

func (c *Cpu) PushOff() Guard {
	c.mu.Lock()
	if c.noff == 0 {
		c.intena = c.sie
	}
	c.sie = false
	c.noff++
	c.mu.Unlock()
	return Guard{c: c}
}

func (g Guard) Pop() {
	c := g.c
	c.mu.Lock()
	if c.sie {
		panic("pop_off: interruptible")
	}
	if c.noff < 1 {
		panic("pop_off")
	}
	c.noff--
	if c.noff == 0 && c.intena {
		c.sie = true
	}
	c.mu.Unlock()
}

func (c *Cpu) IntrOn() {
	c.mu.Lock()
	c.sie = true
	c.mu.Unlock()
}

func (c *Cpu) IntrOff() {
	c.mu.Lock()
	c.sie = false
	c.mu.Unlock()
}

// IntrGet reports whether interrupts are enabled on this hart.
func (c *Cpu) IntrGet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sie
}

// Noff is the interrupt-off nesting depth; sched asserts it is
// exactly one (the process lock) across a context switch.
func (c *Cpu) Noff() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noff
}

// SetResched marks that the process running here should yield at the
// next trap boundary.
func (c *Cpu) SetResched() {
	c.mu.Lock()
	c.resched = true
	c.mu.Unlock()
}

// TakeResched consumes a pending yield request.
func (c *Cpu) TakeResched() bool {
	c.mu.Lock()
	r := c.resched
	c.resched = false
	c.mu.Unlock()
	return r
}

// Wfi blocks until another hart or a device kicks this one.
func (c *Cpu) Wfi() {
	<-c.kick
}

// WfiTimeout is Wfi with a bound, so an idle hart still polls its
// devices.
func (c *Cpu) WfiTimeout(d time.Duration) {
	select {
	case <-c.kick:
	case <-time.After(d):
	}
}

// Kick wakes the hart from wfi; never blocks.
func (c *Cpu) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Machine is the set of harts plus the goroutine→hart registry.
type Machine struct {
	Cpus []*Cpu

	mu    sync.Mutex
	bound map[uint64]*Cpu
}

func NewMachine(ncpu uint64) *Machine {
	if ncpu == 0 || ncpu > NCPU {
		panic("NewMachine: bad ncpu")
	}
	m := &Machine{
		bound: make(map[uint64]*Cpu),
	}
	for i := uint64(0); i < ncpu; i++ {
		m.Cpus = append(m.Cpus, &Cpu{Id: int(i), kick: make(chan struct{}, 1)})
	}
	return m
}

// KickAll wakes every idle hart.
func (m *Machine) KickAll() {
	for _, c := range m.Cpus {
		c.Kick()
	}
}

// Gid is the calling goroutine's id.
func Gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:"
	s := buf[10:n]
	i := 0
	for i < len(s) && s[i] != ' ' {
		i++
	}
	id, err := strconv.ParseUint(string(s[:i]), 10, 64)
	if err != nil {
		panic("Gid: " + err.Error())
	}
	return id
}

// Bind records that the calling goroutine occupies hart c.
func (m *Machine) Bind(c *Cpu) {
	gid := Gid()
	m.mu.Lock()
	m.bound[gid] = c
	m.mu.Unlock()
}

// Unbind clears the calling goroutine's hart binding.
func (m *Machine) Unbind() {
	gid := Gid()
	m.mu.Lock()
	delete(m.bound, gid)
	m.mu.Unlock()
}

// MyCpu is the hart the calling goroutine occupies, or hart 0 when
// unbound (boot and unit tests).
func (m *Machine) MyCpu() *Cpu {
	c, _ := m.MyCpuBound()
	return c
}

// MyCpuBound resolves the calling goroutine's hart and reports
// whether it has a real binding.
func (m *Machine) MyCpuBound() (*Cpu, bool) {
	gid := Gid()
	m.mu.Lock()
	c := m.bound[gid]
	m.mu.Unlock()
	if c == nil {
		return m.Cpus[0], false
	}
	return c, true
}

// Plic routes device interrupts. Raise marks an IRQ pending; a hart
// claims at most one per call and must complete it before it can be
// raised again.
type Plic struct {
	mu      sync.Mutex
	pending []uint32
	claimed map[uint32]bool
}

func NewPlic() *Plic {
	return &Plic{claimed: make(map[uint32]bool)}
}

func (p *Plic) Raise(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed[irq] {
		return
	}
	for _, q := range p.pending {
		if q == irq {
			return
		}
	}
	p.pending = append(p.pending, irq)
}

// Claim returns one pending IRQ, or 0 if none.
func (p *Plic) Claim() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0
	}
	irq := p.pending[0]
	p.pending = p.pending[1:]
	p.claimed[irq] = true
	return irq
}

func (p *Plic) Complete(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.claimed[irq] {
		panic("plic: complete of unclaimed irq")
	}
	delete(p.claimed, irq)
}

// Pending reports whether any IRQ awaits a claim.
func (p *Plic) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}
