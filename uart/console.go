package uart

import (
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/vm"
)

const inputBuf uint64 = 128

const backspace = 0x08

// Console is the line-disciplined device on top of the UART; it is
// what the CONSOLE device major routes to.
type Console struct {
	u *Uart

	lk  *klock.SpinLock
	buf [inputBuf]byte
	r   uint64 // read index
	w   uint64 // write index
	e   uint64 // edit index
	c   *klock.Cond
}

func MkConsole(mach *hw.Machine, u *Uart, s klock.Sleeper) *Console {
	cons := &Console{
		u:  u,
		lk: klock.MkSpinLock(mach, "cons"),
	}
	cons.c = klock.MkCond("consread", s)
	return cons
}

// Write sends n bytes from src to the UART.
func (cons *Console) Write(src *vm.Buffer, n uint64) (uint64, defs.Err_t) {
	var i uint64
	for i = 0; i < n; i++ {
		var b [1]byte
		if err := src.ReadAt(i, b[:]); err != 0 {
			break
		}
		cons.u.Putc(b[0])
	}
	return i, 0
}

// Read delivers up to n input bytes, blocking until a whole line has
// arrived.
func (cons *Console) Read(dst *vm.Buffer, n uint64) (uint64, defs.Err_t) {
	var i uint64
	cons.lk.Acquire()
	for i < n {
		for cons.r == cons.w {
			cons.c.Sleep(cons.lk)
		}
		b := cons.buf[cons.r%inputBuf]
		cons.r++
		if err := dst.WriteAt(i, []byte{b}); err != 0 {
			cons.lk.Release()
			return i, err
		}
		i++
		if b == '\n' {
			break
		}
	}
	cons.lk.Release()
	return i, 0
}

// Intr handles one input byte from the UART interrupt path,
// managing the edit line; input is not echoed.
func (cons *Console) Intr(b byte) {
	cons.lk.Acquire()
	switch b {
	case backspace, 0x7f:
		if cons.e != cons.w {
			cons.e--
		}
	default:
		if b != 0 && cons.e-cons.r < inputBuf {
			if b == '\r' {
				b = '\n'
			}
			cons.buf[cons.e%inputBuf] = b
			cons.e++
			if b == '\n' || cons.e-cons.r == inputBuf {
				cons.w = cons.e
				cons.lk.Release()
				cons.c.Wakeup()
				return
			}
		}
	}
	cons.lk.Release()
}

// DevIntr is the trap core's UART hook: drain the transmitter and
// feed pending input through the line discipline.
func (cons *Console) DevIntr() {
	cons.u.Intr()
	for {
		ch := cons.u.Getc()
		if ch < 0 {
			break
		}
		cons.Intr(byte(ch))
	}
}
