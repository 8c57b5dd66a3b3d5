// Package sys is the system-call front-end: it decodes arguments
// from the saved user registers, dispatches on the number in a7, and
// records the result in a0. Calls that touch the file system bracket
// their work between log Begin and End.
package sys

import (
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/file"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/proc"
	"github.com/mit-pdos/go-xv6/util"
	"github.com/mit-pdos/go-xv6/vm"
)

// Sys wires the front-end to the kernel's subsystems.
type Sys struct {
	pt   *proc.Table
	fsys *fs.FileSys
	ftab *file.Table
	vm   *vm.Vm

	// Exec is the ELF loader collaborator; absent, exec fails.
	Exec func(p *proc.Proc, path string, argv []string) (int64, defs.Err_t)

	// SleepTicks and Uptime come from the trap core's tick clock.
	SleepTicks func(p *proc.Proc, n uint64) defs.Err_t
	Uptime     func() uint64
}

func MkSys(pt *proc.Table, fsys *fs.FileSys, ftab *file.Table, v *vm.Vm) *Sys {
	return &Sys{pt: pt, fsys: fsys, ftab: ftab, vm: v}
}

// Syscall dispatches the call named by a7 and stores the result in
// a0. Unknown numbers return -1, like any other failure.
func (s *Sys) Syscall(p *proc.Proc) {
	var ret int64
	switch p.Tf.A7 {
	case defs.SYS_fork:
		ret = s.sysFork(p)
	case defs.SYS_exit:
		s.sysExit(p)
	case defs.SYS_wait:
		ret = s.sysWait(p)
	case defs.SYS_pipe:
		ret = s.sysPipe(p)
	case defs.SYS_read:
		ret = s.sysRead(p)
	case defs.SYS_kill:
		ret = s.sysKill(p)
	case defs.SYS_exec:
		ret = s.sysExec(p)
	case defs.SYS_fstat:
		ret = s.sysFstat(p)
	case defs.SYS_chdir:
		ret = s.sysChdir(p)
	case defs.SYS_dup:
		ret = s.sysDup(p)
	case defs.SYS_getpid:
		ret = int64(p.Pid())
	case defs.SYS_sbrk:
		ret = s.sysSbrk(p)
	case defs.SYS_sleep:
		ret = s.sysSleep(p)
	case defs.SYS_uptime:
		ret = int64(s.Uptime())
	case defs.SYS_open:
		ret = s.sysOpen(p)
	case defs.SYS_write:
		ret = s.sysWrite(p)
	case defs.SYS_mknod:
		ret = s.sysMknod(p)
	case defs.SYS_unlink:
		ret = s.sysUnlink(p)
	case defs.SYS_link:
		ret = s.sysLink(p)
	case defs.SYS_mkdir:
		ret = s.sysMkdir(p)
	case defs.SYS_close:
		ret = s.sysClose(p)
	default:
		util.DPrintf(0, "%d %s: unknown sys call %d\n", p.Pid(), p.Name, p.Tf.A7)
		ret = -1
	}
	p.Tf.A0 = uint64(ret)
}

// argRaw reads the n-th caller-saved argument register.
func argRaw(p *proc.Proc, n int) uint64 {
	switch n {
	case 0:
		return p.Tf.A0
	case 1:
		return p.Tf.A1
	case 2:
		return p.Tf.A2
	case 3:
		return p.Tf.A3
	case 4:
		return p.Tf.A4
	case 5:
		return p.Tf.A5
	}
	panic("argRaw")
}

// argInt fetches an integer argument.
func argInt(p *proc.Proc, n int) int64 {
	return int64(argRaw(p, n))
}

// argAddr fetches a user virtual address; nothing is checked until
// it is dereferenced through the page table.
func argAddr(p *proc.Proc, n int) uint64 {
	return argRaw(p, n)
}

// argStr fetches a NUL-terminated user string of at most MAXPATH
// bytes.
func (s *Sys) argStr(p *proc.Proc, n int) (string, defs.Err_t) {
	addr := argAddr(p, n)
	return s.vm.CopyInStr(p.Pagetable, addr, common.MAXPATH)
}

// argFd resolves a descriptor argument to its open file.
func argFd(p *proc.Proc, n int) (uint64, *file.File, defs.Err_t) {
	fd := argRaw(p, n)
	if fd >= common.NOFILE || p.Ofile[fd] == nil {
		return 0, nil, defs.EBADF
	}
	return fd, p.Ofile[fd], 0
}

// fdAlloc installs f at the lowest free descriptor.
func fdAlloc(p *proc.Proc, f *file.File) (uint64, defs.Err_t) {
	for fd := uint64(0); fd < common.NOFILE; fd++ {
		if p.Ofile[fd] == nil {
			p.Ofile[fd] = f
			return fd, 0
		}
	}
	return 0, defs.EMFILE
}

// userBuf is a user-space I/O target at addr under p's page table.
func (s *Sys) userBuf(p *proc.Proc, addr uint64) *vm.Buffer {
	return vm.MkUserBuf(s.vm, p.Pagetable, addr)
}
