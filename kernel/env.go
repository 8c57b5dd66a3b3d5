package kernel

import (
	"github.com/tchajed/marshal"

	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/proc"
	"github.com/mit-pdos/go-xv6/trap"
)

// Env is the user-mode runtime's stand-in: it runs on a process's
// kernel thread, stages arguments in the process's own user memory,
// and enters the kernel the way compiled user code would, through an
// ecall trapframe. Go closures cannot be snapshotted, so fork takes
// the child's continuation explicitly; the kernel-side fork is the
// real one either way.
type Env struct {
	k *Kernel
	p *proc.Proc
}

// Proc exposes the process under this environment.
func (e *Env) Proc() *proc.Proc {
	return e.p
}

// ecall fills the trapframe and takes the user-trap path; the result
// comes back in a0.
func (e *Env) ecall(num uint64, args ...uint64) int64 {
	tf := e.p.Tf
	tf.A0, tf.A1, tf.A2, tf.A3, tf.A4, tf.A5 = 0, 0, 0, 0, 0, 0
	for i, a := range args {
		switch i {
		case 0:
			tf.A0 = a
		case 1:
			tf.A1 = a
		case 2:
			tf.A2 = a
		case 3:
			tf.A3 = a
		case 4:
			tf.A4 = a
		case 5:
			tf.A5 = a
		}
	}
	tf.A7 = num
	e.k.Trap.UserTrap(e.p, trap.Ecall, 0)
	return int64(tf.A0)
}

// Sbrk grows the user area and returns the old break.
func (e *Env) Sbrk(n int64) int64 {
	return e.ecall(defs.SYS_sbrk, uint64(n))
}

// alloc stages n bytes of fresh user memory and returns its address.
func (e *Env) alloc(n uint64) uint64 {
	old := e.Sbrk(int64(n))
	if old < 0 {
		panic("env: sbrk failed")
	}
	return uint64(old)
}

// put copies data into fresh user memory, standing in for user code
// writing its own globals.
func (e *Env) put(data []byte) uint64 {
	va := e.alloc(uint64(len(data)) + 1)
	if err := e.k.Vm.CopyOut(e.p.Pagetable, va, data); err != 0 {
		panic("env: copyout")
	}
	return va
}

func (e *Env) putStr(s string) uint64 {
	return e.put(append([]byte(s), 0))
}

// get reads n bytes of user memory back out.
func (e *Env) get(va uint64, n uint64) []byte {
	buf := make([]byte, n)
	if err := e.k.Vm.CopyIn(e.p.Pagetable, buf, va); err != 0 {
		panic("env: copyin")
	}
	return buf
}

// Alloc stages n bytes of user memory for reuse across calls.
func (e *Env) Alloc(n uint64) uint64 {
	return e.alloc(n)
}

// Poke overwrites user memory the way user code writes a buffer in
// place.
func (e *Env) Poke(va uint64, data []byte) {
	if err := e.k.Vm.CopyOut(e.p.Pagetable, va, data); err != 0 {
		panic("env: poke")
	}
}

// Peek reads user memory back.
func (e *Env) Peek(va uint64, n uint64) []byte {
	return e.get(va, n)
}

// WriteN and ReadN issue raw read/write calls against a caller-held
// user buffer.
func (e *Env) WriteN(fd int64, va uint64, n uint64) int64 {
	return e.ecall(defs.SYS_write, uint64(fd), va, n)
}

func (e *Env) ReadN(fd int64, va uint64, n uint64) int64 {
	return e.ecall(defs.SYS_read, uint64(fd), va, n)
}

func (e *Env) Open(path string, mode uint64) int64 {
	return e.ecall(defs.SYS_open, e.putStr(path), mode)
}

func (e *Env) Close(fd int64) int64 {
	return e.ecall(defs.SYS_close, uint64(fd))
}

// Write sends data through a fresh user buffer to fd.
func (e *Env) Write(fd int64, data []byte) int64 {
	va := e.put(data)
	return e.ecall(defs.SYS_write, uint64(fd), va, uint64(len(data)))
}

// Read reads up to n bytes from fd.
func (e *Env) Read(fd int64, n uint64) ([]byte, int64) {
	va := e.alloc(n)
	r := e.ecall(defs.SYS_read, uint64(fd), va, n)
	if r <= 0 {
		return nil, r
	}
	return e.get(va, uint64(r)), r
}

func (e *Env) Mkdir(path string) int64 {
	return e.ecall(defs.SYS_mkdir, e.putStr(path))
}

func (e *Env) Mknod(path string, major int64, minor int64) int64 {
	return e.ecall(defs.SYS_mknod, e.putStr(path), uint64(major), uint64(minor))
}

func (e *Env) Chdir(path string) int64 {
	return e.ecall(defs.SYS_chdir, e.putStr(path))
}

func (e *Env) Link(old string, new string) int64 {
	return e.ecall(defs.SYS_link, e.putStr(old), e.putStr(new))
}

func (e *Env) Unlink(path string) int64 {
	return e.ecall(defs.SYS_unlink, e.putStr(path))
}

func (e *Env) Dup(fd int64) int64 {
	return e.ecall(defs.SYS_dup, uint64(fd))
}

// Fstat decodes the five u64 stat fields copied out by the kernel.
func (e *Env) Fstat(fd int64) (defs.Stat, int64) {
	va := e.alloc(defs.STATSZ)
	r := e.ecall(defs.SYS_fstat, uint64(fd), va)
	if r < 0 {
		return defs.Stat{}, r
	}
	dec := marshal.NewDec(e.get(va, defs.STATSZ))
	var st defs.Stat
	st.Dev = uint32(dec.GetInt())
	st.Ino = uint32(dec.GetInt())
	st.Type = int16(dec.GetInt())
	st.Nlink = int16(dec.GetInt())
	st.Size = dec.GetInt()
	return st, r
}

// Pipe returns the read and write descriptors of a fresh pipe.
func (e *Env) Pipe() (int64, int64, int64) {
	va := e.alloc(8)
	r := e.ecall(defs.SYS_pipe, va)
	if r < 0 {
		return -1, -1, r
	}
	b := e.get(va, 8)
	return int64(machine.UInt32Get(b[0:4])), int64(machine.UInt32Get(b[4:8])), r
}

// Fork forks this process; the kernel duplicates the address space,
// files, and trapframe, and the supplied continuation is what the
// child's user thread runs. The parent gets the child pid.
func (e *Env) Fork(child func(*Env)) int64 {
	e.k.mu.Lock()
	e.k.pending[e.p.Pid()] = child
	e.k.mu.Unlock()
	pid := e.ecall(defs.SYS_fork)
	if pid < 0 {
		e.k.mu.Lock()
		delete(e.k.pending, e.p.Pid())
		e.k.mu.Unlock()
	}
	return pid
}

// Wait blocks for a child and returns its pid and exit status.
func (e *Env) Wait() (int64, int64) {
	va := e.alloc(8)
	pid := e.ecall(defs.SYS_wait, va)
	if pid < 0 {
		return pid, 0
	}
	st := machine.UInt64Get(e.get(va, 8))
	return pid, int64(st)
}

// Exit terminates the process; it does not return.
func (e *Env) Exit(status int64) {
	e.ecall(defs.SYS_exit, uint64(status))
	panic("exit returned")
}

func (e *Env) Kill(pid int64) int64 {
	return e.ecall(defs.SYS_kill, uint64(pid))
}

func (e *Env) Getpid() int64 {
	return e.ecall(defs.SYS_getpid)
}

func (e *Env) SleepTicks(n uint64) int64 {
	return e.ecall(defs.SYS_sleep, n)
}

func (e *Env) Uptime() int64 {
	return e.ecall(defs.SYS_uptime)
}
