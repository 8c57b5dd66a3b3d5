package vm

import (
	"github.com/mit-pdos/go-xv6/defs"
)

// Buffer is an I/O target that is either user memory reached through
// a page table or a kernel byte slice. File and pipe I/O take one of
// these so the copy direction and address space are explicit at the
// boundary.
type Buffer struct {
	user bool
	vm   *Vm
	pt   Pagetable
	va   uint64
	k    []byte
}

// MkUserBuf is a user-space target at va under pt.
func MkUserBuf(vm *Vm, pt Pagetable, va uint64) *Buffer {
	return &Buffer{user: true, vm: vm, pt: pt, va: va}
}

// MkKernBuf is a kernel-space target.
func MkKernBuf(k []byte) *Buffer {
	return &Buffer{k: k}
}

// Slice is a view of the buffer starting at off.
func (b *Buffer) Slice(off uint64) *Buffer {
	if b.user {
		return &Buffer{user: true, vm: b.vm, pt: b.pt, va: b.va + off}
	}
	return &Buffer{k: b.k[off:]}
}

// IsUser reports which space the buffer addresses.
func (b *Buffer) IsUser() bool {
	return b.user
}

// WriteAt copies src into the buffer at off.
func (b *Buffer) WriteAt(off uint64, src []byte) defs.Err_t {
	if b.user {
		return b.vm.CopyOut(b.pt, b.va+off, src)
	}
	if off+uint64(len(src)) > uint64(len(b.k)) {
		return defs.EFAULT
	}
	copy(b.k[off:], src)
	return 0
}

// ReadAt fills dst from the buffer at off.
func (b *Buffer) ReadAt(off uint64, dst []byte) defs.Err_t {
	if b.user {
		return b.vm.CopyIn(b.pt, dst, b.va+off)
	}
	if off+uint64(len(dst)) > uint64(len(b.k)) {
		return defs.EFAULT
	}
	copy(dst, b.k[off:])
	return 0
}
