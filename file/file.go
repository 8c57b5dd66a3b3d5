// Package file provides the ref-counted file objects behind the
// per-process descriptor tables: inode files, device files, and
// pipes, plus the device switch that routes device majors to their
// drivers.
package file

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/klock"
	"github.com/mit-pdos/go-xv6/vm"
)

type Kind int

const (
	FD_NONE Kind = iota
	FD_PIPE
	FD_INODE
	FD_DEVICE
)

// File is one open file, shared among descriptors by reference
// count. Off is guarded by the inode lock during inode I/O.
type File struct {
	Kind     Kind
	ref      uint64
	Readable bool
	Writable bool
	Pipe     *Pipe
	Ip       *fs.Inode
	Off      uint64
	Major    uint64
}

// Dev is one entry of the device switch.
type Dev struct {
	Read  func(dst *vm.Buffer, n uint64) (uint64, defs.Err_t)
	Write func(src *vm.Buffer, n uint64) (uint64, defs.Err_t)
}

// Table is the system-wide open-file table plus the device switch.
type Table struct {
	mach *hw.Machine
	fsys *fs.FileSys
	s    klock.Sleeper

	lk    *klock.SpinLock
	files []*File

	Devsw [common.NDEV]*Dev

	// killed reports whether the current process has a pending kill;
	// pipe sleeps consult it. Installed at boot.
	killed func() bool
}

func MkTable(mach *hw.Machine, fsys *fs.FileSys, s klock.Sleeper) *Table {
	ft := &Table{
		mach:   mach,
		fsys:   fsys,
		s:      s,
		lk:     klock.MkSpinLock(mach, "ftable"),
		killed: func() bool { return false },
	}
	for i := uint64(0); i < common.NFILE; i++ {
		ft.files = append(ft.files, &File{})
	}
	return ft
}

// SetKilledFn installs the pending-kill probe.
func (ft *Table) SetKilledFn(f func() bool) {
	ft.killed = f
}

// Alloc finds a free file slot.
func (ft *Table) Alloc() (*File, defs.Err_t) {
	ft.lk.Acquire()
	for _, f := range ft.files {
		if f.ref == 0 {
			f.ref = 1
			ft.lk.Release()
			return f, 0
		}
	}
	ft.lk.Release()
	return nil, defs.EMFILE
}

// Dup adds a reference.
func (ft *Table) Dup(f *File) *File {
	ft.lk.Acquire()
	if f.ref < 1 {
		panic("filedup")
	}
	f.ref++
	ft.lk.Release()
	return f
}

// Close drops a reference; the last one releases the pipe end or
// puts the inode inside its own operation.
func (ft *Table) Close(f *File) {
	ft.lk.Acquire()
	if f.ref < 1 {
		panic("fileclose")
	}
	f.ref--
	if f.ref > 0 {
		ft.lk.Release()
		return
	}
	ff := *f
	f.Kind = FD_NONE
	f.Ip = nil
	f.Pipe = nil
	ft.lk.Release()

	if ff.Kind == FD_PIPE {
		ff.Pipe.close(ff.Writable)
	} else if ff.Kind == FD_INODE || ff.Kind == FD_DEVICE {
		ft.fsys.Log().Begin()
		ft.fsys.Iput(ff.Ip)
		ft.fsys.Log().End()
	}
}

// Stat copies the file's metadata to dst as five u64 fields.
func (ft *Table) Stat(f *File, dst *vm.Buffer) defs.Err_t {
	if f.Kind != FD_INODE && f.Kind != FD_DEVICE {
		return defs.EINVAL
	}
	var st defs.Stat
	ft.fsys.Ilock(f.Ip)
	ft.fsys.Stati(f.Ip, &st)
	ft.fsys.Iunlock(f.Ip)

	enc := marshal.NewEnc(defs.STATSZ)
	enc.PutInt(uint64(st.Dev))
	enc.PutInt(uint64(st.Ino))
	enc.PutInt(uint64(uint16(st.Type)))
	enc.PutInt(uint64(uint16(st.Nlink)))
	enc.PutInt(st.Size)
	return dst.WriteAt(0, enc.Finish())
}

// Read moves up to n bytes from the file into dst.
func (ft *Table) Read(f *File, dst *vm.Buffer, n uint64) (uint64, defs.Err_t) {
	if !f.Readable {
		return 0, defs.EBADF
	}
	switch f.Kind {
	case FD_PIPE:
		return f.Pipe.read(ft, dst, n)
	case FD_DEVICE:
		if f.Major >= common.NDEV || ft.Devsw[f.Major] == nil {
			return 0, defs.ENODEV
		}
		return ft.Devsw[f.Major].Read(dst, n)
	case FD_INODE:
		ft.fsys.Ilock(f.Ip)
		r, err := ft.fsys.Readi(f.Ip, dst, f.Off, n)
		if err == 0 {
			f.Off += r
		}
		ft.fsys.Iunlock(f.Ip)
		return r, err
	}
	panic("fileread")
}

// maxIOSize bounds one inode write so that its worst case (two
// blocks per written block for indirection, plus inode, bitmap, and
// slop) fits an operation's MAXOPBLOCKS budget.
const maxIOSize = ((common.MAXOPBLOCKS - 1 - 1 - 2) / 2) * common.BSIZE

// Write moves n bytes from src into the file.
func (ft *Table) Write(f *File, src *vm.Buffer, n uint64) (uint64, defs.Err_t) {
	if !f.Writable {
		return 0, defs.EBADF
	}
	switch f.Kind {
	case FD_PIPE:
		return f.Pipe.write(ft, src, n)
	case FD_DEVICE:
		if f.Major >= common.NDEV || ft.Devsw[f.Major] == nil {
			return 0, defs.ENODEV
		}
		return ft.Devsw[f.Major].Write(src, n)
	case FD_INODE:
		var done uint64
		for done < n {
			m := n - done
			if m > maxIOSize {
				m = maxIOSize
			}
			ft.fsys.Log().Begin()
			ft.fsys.Ilock(f.Ip)
			w, err := ft.fsys.Writei(f.Ip, src.Slice(done), f.Off, m)
			if err == 0 {
				f.Off += w
			}
			ft.fsys.Iunlock(f.Ip)
			ft.fsys.Log().End()
			if err != 0 {
				return done + w, err
			}
			if w != m {
				break
			}
			done += w
		}
		return done, 0
	}
	panic("filewrite")
}
