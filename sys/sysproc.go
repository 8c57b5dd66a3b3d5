package sys

import (
	"github.com/mit-pdos/go-xv6/proc"
)

func (s *Sys) sysFork(p *proc.Proc) int64 {
	pid, err := s.pt.Fork(p)
	if err != 0 {
		return -1
	}
	return pid
}

func (s *Sys) sysExit(p *proc.Proc) {
	status := argInt(p, 0)
	s.pt.Exit(p, status)
	panic("exit returned")
}

func (s *Sys) sysWait(p *proc.Proc) int64 {
	addr := argAddr(p, 0)
	pid, err := s.pt.Wait(p, addr)
	if err != 0 {
		return -1
	}
	return pid
}

func (s *Sys) sysKill(p *proc.Proc) int64 {
	pid := argRaw(p, 0)
	if err := s.pt.Kill(pid); err != 0 {
		return -1
	}
	return 0
}

func (s *Sys) sysSbrk(p *proc.Proc) int64 {
	n := argInt(p, 0)
	old, err := s.pt.Grow(p, n)
	if err != 0 {
		return -1
	}
	return int64(old)
}

func (s *Sys) sysSleep(p *proc.Proc) int64 {
	n := argRaw(p, 0)
	if err := s.SleepTicks(p, n); err != 0 {
		return -1
	}
	return 0
}
