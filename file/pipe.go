package file

import (
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/vm"
)

const PIPESIZE uint64 = 512

// Pipe is a bounded byte ring. nread and nwrite count forever; the
// ring index is their value mod PIPESIZE. Readers and writers sleep
// on their own conditions so a wakeup names its audience.
type Pipe struct {
	lk        *klock.SpinLock
	data      [PIPESIZE]byte
	nread     uint64
	nwrite    uint64
	readopen  bool
	writeopen bool
	rcond     *klock.Cond // data arrived or writer gone
	wcond     *klock.Cond // space freed or reader gone
}

// AllocPipe builds a pipe and its two file ends.
func (ft *Table) AllocPipe() (*File, *File, defs.Err_t) {
	rf, err := ft.Alloc()
	if err != 0 {
		return nil, nil, err
	}
	wf, err := ft.Alloc()
	if err != 0 {
		ft.Close(rf)
		return nil, nil, err
	}
	pi := &Pipe{
		lk:        klock.MkSpinLock(ft.mach, "pipe"),
		readopen:  true,
		writeopen: true,
	}
	pi.rcond = klock.MkCond("piperead", ft.s)
	pi.wcond = klock.MkCond("pipewrite", ft.s)

	rf.Kind = FD_PIPE
	rf.Readable = true
	rf.Writable = false
	rf.Pipe = pi
	wf.Kind = FD_PIPE
	wf.Readable = false
	wf.Writable = true
	wf.Pipe = pi
	return rf, wf, 0
}

func (pi *Pipe) close(writable bool) {
	pi.lk.Acquire()
	if writable {
		pi.writeopen = false
		pi.lk.Release()
		pi.rcond.Wakeup()
	} else {
		pi.readopen = false
		pi.lk.Release()
		pi.wcond.Wakeup()
	}
}

func (pi *Pipe) write(ft *Table, src *vm.Buffer, n uint64) (uint64, defs.Err_t) {
	var i uint64
	pi.lk.Acquire()
	for i < n {
		if !pi.readopen || ft.killed() {
			pi.lk.Release()
			return i, defs.EPIPE
		}
		if pi.nwrite == pi.nread+PIPESIZE {
			pi.rcond.Wakeup()
			pi.wcond.Sleep(pi.lk)
			continue
		}
		var b [1]byte
		if err := src.ReadAt(i, b[:]); err != 0 {
			break
		}
		pi.data[pi.nwrite%PIPESIZE] = b[0]
		pi.nwrite++
		i++
	}
	pi.lk.Release()
	pi.rcond.Wakeup()
	return i, 0
}

func (pi *Pipe) read(ft *Table, dst *vm.Buffer, n uint64) (uint64, defs.Err_t) {
	pi.lk.Acquire()
	for pi.nread == pi.nwrite && pi.writeopen {
		if ft.killed() {
			pi.lk.Release()
			return 0, defs.EINTR
		}
		pi.rcond.Sleep(pi.lk)
	}
	var i uint64
	for i < n && pi.nread != pi.nwrite {
		b := [1]byte{pi.data[pi.nread%PIPESIZE]}
		if err := dst.WriteAt(i, b[:]); err != 0 {
			break
		}
		pi.nread++
		i++
	}
	pi.lk.Release()
	pi.wcond.Wakeup()
	return i, 0
}
