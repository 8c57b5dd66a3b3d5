// Package vm is the page-table engine: three-level 512-entry tables
// keyed by 9-bit slices of the virtual address, stored inside
// physical frames from the kalloc arena. PTE words are read and
// written in place with the little-endian u64 accessors, the same
// way the hardware walker would see them.
package vm

import (
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/kalloc"
	"github.com/mit-pdos/go-xv6/util"
)

const (
	PGSIZE = kalloc.PGSIZE

	// one beyond the highest usable Sv39 virtual address
	MAXVA uint64 = 1 << (9 + 9 + 9 + 12 - 1)

	PTE_V uint64 = 1 << 0
	PTE_R uint64 = 1 << 1
	PTE_W uint64 = 1 << 2
	PTE_X uint64 = 1 << 3
	PTE_U uint64 = 1 << 4
)

func pa2pte(pa uint64) uint64 {
	return (pa >> 12) << 10
}

func pte2pa(pte uint64) uint64 {
	return (pte >> 10) << 12
}

func pteFlags(pte uint64) uint64 {
	return pte & 0x3FF
}

// px is the 9-bit table index for va at the given level (2 is the
// root).
func px(level int, va uint64) uint64 {
	return (va >> (12 + 9*uint(level))) & 0x1FF
}

// Pagetable is the physical address of a root table frame.
type Pagetable = uint64

// Vm ties the engine to the arena its tables and leaves live in.
type Vm struct {
	mem *kalloc.Mem
}

func MkVm(mem *kalloc.Mem) *Vm {
	return &Vm{mem: mem}
}

// NewPagetable allocates an empty root table.
func (vm *Vm) NewPagetable() (Pagetable, defs.Err_t) {
	return vm.mem.AllocZero()
}

// slot is the 8 PTE bytes at index i of the table frame at pa.
func (vm *Vm) slot(tbl uint64, i uint64) []byte {
	f := vm.mem.Frame(tbl)
	return f[i*8 : i*8+8]
}

// Walk returns the leaf PTE slot for va, allocating intermediate
// tables iff alloc. A nil slot means a missing intermediate table
// (or ENOMEM when allocating).
func (vm *Vm) Walk(pt Pagetable, va uint64, alloc bool) []byte {
	if va >= MAXVA {
		panic("walk")
	}
	tbl := pt
	for level := 2; level > 0; level-- {
		s := vm.slot(tbl, px(level, va))
		pte := machine.UInt64Get(s)
		if pte&PTE_V != 0 {
			tbl = pte2pa(pte)
		} else {
			if !alloc {
				return nil
			}
			pa, err := vm.mem.AllocZero()
			if err != 0 {
				return nil
			}
			machine.UInt64Put(s, pa2pte(pa)|PTE_V)
			tbl = pa
		}
	}
	return vm.slot(tbl, px(0, va))
}

// WalkAddr translates a user virtual address to a physical address,
// requiring a valid user-accessible leaf.
func (vm *Vm) WalkAddr(pt Pagetable, va uint64) (uint64, defs.Err_t) {
	if va >= MAXVA {
		return 0, defs.EFAULT
	}
	s := vm.Walk(pt, va, false)
	if s == nil {
		return 0, defs.EFAULT
	}
	pte := machine.UInt64Get(s)
	if pte&PTE_V == 0 || pte&PTE_U == 0 {
		return 0, defs.EFAULT
	}
	return pte2pa(pte), 0
}

// MapPages installs leaf mappings for [va, va+size), rounding both
// ends to page boundaries. Remapping over a valid entry panics.
func (vm *Vm) MapPages(pt Pagetable, va uint64, size uint64, pa uint64, perm uint64) defs.Err_t {
	if size == 0 {
		panic("mappages: size")
	}
	a := kalloc.PGROUNDDOWN(va)
	last := kalloc.PGROUNDDOWN(va + size - 1)
	for {
		s := vm.Walk(pt, a, true)
		if s == nil {
			return defs.ENOMEM
		}
		if machine.UInt64Get(s)&PTE_V != 0 {
			panic("mappages: remap")
		}
		machine.UInt64Put(s, pa2pte(pa)|perm|PTE_V)
		if a == last {
			break
		}
		a += PGSIZE
		pa += PGSIZE
	}
	return 0
}

// Unmap removes npages mappings starting at page-aligned va,
// returning frames to the allocator iff doFree. The whole range must
// be mapped.
func (vm *Vm) Unmap(pt Pagetable, va uint64, npages uint64, doFree bool) {
	if va%PGSIZE != 0 {
		panic("unmap: not aligned")
	}
	for a := va; a < va+npages*PGSIZE; a += PGSIZE {
		s := vm.Walk(pt, a, false)
		if s == nil {
			panic("unmap: walk")
		}
		pte := machine.UInt64Get(s)
		if pte&PTE_V == 0 {
			panic("unmap: not mapped")
		}
		if pteFlags(pte) == PTE_V {
			panic("unmap: not a leaf")
		}
		if doFree {
			vm.mem.Free(pte2pa(pte))
		}
		machine.UInt64Put(s, 0)
	}
}

// UserAlloc grows the user area from oldsz to newsz, allocating a
// zeroed frame per page. On failure the partial growth is undone.
func (vm *Vm) UserAlloc(pt Pagetable, oldsz uint64, newsz uint64, perm uint64) (uint64, defs.Err_t) {
	if newsz < oldsz {
		return oldsz, 0
	}
	oldsz = kalloc.PGROUNDUP(oldsz)
	for a := oldsz; a < newsz; a += PGSIZE {
		pa, err := vm.mem.AllocZero()
		if err != 0 {
			vm.UserDealloc(pt, a, oldsz)
			return 0, err
		}
		err = vm.MapPages(pt, a, PGSIZE, pa, PTE_R|PTE_W|PTE_X|PTE_U|perm)
		if err != 0 {
			vm.mem.Free(pa)
			vm.UserDealloc(pt, a, oldsz)
			return 0, err
		}
	}
	return newsz, 0
}

// UserDealloc shrinks the user area from oldsz to newsz and returns
// the new size.
func (vm *Vm) UserDealloc(pt Pagetable, oldsz uint64, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if kalloc.PGROUNDUP(newsz) < kalloc.PGROUNDUP(oldsz) {
		npages := (kalloc.PGROUNDUP(oldsz) - kalloc.PGROUNDUP(newsz)) / PGSIZE
		vm.Unmap(pt, kalloc.PGROUNDUP(newsz), npages, true)
	}
	return newsz
}

// ForkCopy copies the user pages of src into dst: fresh frames,
// same contents and permission bits. On failure dst's partial copy
// is unmapped and freed.
func (vm *Vm) ForkCopy(src Pagetable, dst Pagetable, sz uint64) defs.Err_t {
	for a := uint64(0); a < sz; a += PGSIZE {
		s := vm.Walk(src, a, false)
		if s == nil {
			panic("forkcopy: walk")
		}
		pte := machine.UInt64Get(s)
		if pte&PTE_V == 0 {
			panic("forkcopy: page not present")
		}
		pa, err := vm.mem.Alloc()
		if err != 0 {
			vm.Unmap(dst, 0, a/PGSIZE, true)
			return err
		}
		copy(vm.mem.Frame(pa), vm.mem.Frame(pte2pa(pte)))
		err = vm.MapPages(dst, a, PGSIZE, pa, pteFlags(pte)&^PTE_V)
		if err != 0 {
			vm.mem.Free(pa)
			vm.Unmap(dst, 0, a/PGSIZE, true)
			return err
		}
	}
	return 0
}

// freewalk frees table frames below pa; every leaf must already be
// unmapped.
func (vm *Vm) freewalk(tbl uint64) {
	for i := uint64(0); i < 512; i++ {
		s := vm.slot(tbl, i)
		pte := machine.UInt64Get(s)
		if pte&PTE_V != 0 && pte&(PTE_R|PTE_W|PTE_X) == 0 {
			vm.freewalk(pte2pa(pte))
			machine.UInt64Put(s, 0)
		} else if pte&PTE_V != 0 {
			panic("freewalk: leaf")
		}
	}
	vm.mem.Free(tbl)
}

// Free unmaps and frees the user region [0, sz) and then the table
// pages themselves.
func (vm *Vm) Free(pt Pagetable, sz uint64) {
	if sz > 0 {
		vm.Unmap(pt, 0, kalloc.PGROUNDUP(sz)/PGSIZE, true)
	}
	vm.freewalk(pt)
}

// CopyOut copies src into user memory at dstva, page by page through
// the user page table.
func (vm *Vm) CopyOut(pt Pagetable, dstva uint64, src []byte) defs.Err_t {
	n := uint64(len(src))
	var done uint64
	for done < n {
		va0 := kalloc.PGROUNDDOWN(dstva)
		pa0, err := vm.WalkAddr(pt, va0)
		if err != 0 {
			return err
		}
		cnt := util.Min(n-done, PGSIZE-(dstva-va0))
		f := vm.mem.Frame(pa0)
		copy(f[dstva-va0:dstva-va0+cnt], src[done:done+cnt])
		done += cnt
		dstva = va0 + PGSIZE
	}
	return 0
}

// CopyIn fills dst from user memory at srcva.
func (vm *Vm) CopyIn(pt Pagetable, dst []byte, srcva uint64) defs.Err_t {
	n := uint64(len(dst))
	var done uint64
	for done < n {
		va0 := kalloc.PGROUNDDOWN(srcva)
		pa0, err := vm.WalkAddr(pt, va0)
		if err != 0 {
			return err
		}
		cnt := util.Min(n-done, PGSIZE-(srcva-va0))
		f := vm.mem.Frame(pa0)
		copy(dst[done:done+cnt], f[srcva-va0:srcva-va0+cnt])
		done += cnt
		srcva = va0 + PGSIZE
	}
	return 0
}

// CopyInStr copies a NUL-terminated string of at most max bytes from
// user memory, failing with EFAULT when no NUL appears.
func (vm *Vm) CopyInStr(pt Pagetable, srcva uint64, max uint64) (string, defs.Err_t) {
	var out []byte
	for max > 0 {
		va0 := kalloc.PGROUNDDOWN(srcva)
		pa0, err := vm.WalkAddr(pt, va0)
		if err != 0 {
			return "", err
		}
		cnt := util.Min(max, PGSIZE-(srcva-va0))
		f := vm.mem.Frame(pa0)
		for i := uint64(0); i < cnt; i++ {
			b := f[srcva-va0+i]
			if b == 0 {
				return string(out), 0
			}
			out = append(out, b)
		}
		max -= cnt
		srcva = va0 + PGSIZE
	}
	return "", defs.EFAULT
}
