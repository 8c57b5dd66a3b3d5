// Package uart is the console collaborator: a transmit ring drained
// by the device side, a receive queue filled by it, and an interrupt
// callback the trap core invokes when the PLIC reports the UART's
// IRQ. The kernel side only ever calls Putc, Getc, and Intr.
package uart

import (
	"sync"

	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
)

const txBufSize uint64 = 32

// Uart is the device. Output bytes leave the TX ring into the sink
// one interrupt at a time, the way a real transmit-holding register
// drains.
type Uart struct {
	mach *hw.Machine
	plic *hw.Plic

	lk    *klock.SpinLock
	txBuf [txBufSize]byte
	txW   uint64
	txR   uint64
	txC   *klock.Cond

	// device side
	devMu sync.Mutex
	out   []byte
	in    []byte
}

func MkUart(mach *hw.Machine, plic *hw.Plic, s klock.Sleeper) *Uart {
	u := &Uart{
		mach: mach,
		plic: plic,
		lk:   klock.MkSpinLock(mach, "uart"),
	}
	u.txC = klock.MkCond("uarttx", s)
	return u
}

// Putc queues one output byte, sleeping while the ring is full.
func (u *Uart) Putc(b byte) {
	u.lk.Acquire()
	for u.txW == u.txR+txBufSize {
		u.txC.Sleep(u.lk)
	}
	u.txBuf[u.txW%txBufSize] = b
	u.txW++
	u.lk.Release()

	// the transmitter raises its interrupt when a byte is ready
	u.plic.Raise(hw.UART0_IRQ)
	u.mach.KickAll()
}

// Getc returns one input byte, or -1 when none is pending.
func (u *Uart) Getc() int {
	u.devMu.Lock()
	defer u.devMu.Unlock()
	if len(u.in) == 0 {
		return -1
	}
	b := u.in[0]
	u.in = u.in[1:]
	return int(b)
}

// Intr is the interrupt callback: drain what the transmitter
// accepted and wake blocked writers. The console layer consumes
// input through Getc from the same callback path.
func (u *Uart) Intr() {
	u.lk.Acquire()
	for u.txR < u.txW {
		b := u.txBuf[u.txR%txBufSize]
		u.txR++
		u.devMu.Lock()
		u.out = append(u.out, b)
		u.devMu.Unlock()
	}
	u.lk.Release()
	u.txC.Wakeup()
}

// Inject queues input bytes on the device side and raises the IRQ,
// standing in for a human at the terminal.
func (u *Uart) Inject(s string) {
	u.devMu.Lock()
	u.in = append(u.in, s...)
	u.devMu.Unlock()
	u.plic.Raise(hw.UART0_IRQ)
	u.mach.KickAll()
}

// Output snapshots everything transmitted so far.
func (u *Uart) Output() []byte {
	u.devMu.Lock()
	defer u.devMu.Unlock()
	out := make([]byte, len(u.out))
	copy(out, u.out)
	return out
}
