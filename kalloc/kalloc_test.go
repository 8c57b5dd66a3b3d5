package kalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-xv6/hw"
)

func TestAllocFree(t *testing.T) {
	assert := assert.New(t)
	m := MkMem(hw.NewMachine(2), 16)
	free0 := m.NFree()
	assert.Equal(uint64(15), free0, "all frames but frame 0 start free")

	pa, err := m.Alloc()
	assert.Equal(0, int(err))
	assert.Equal(uint64(0), pa%PGSIZE, "page aligned")
	assert.Equal(free0-1, m.NFree())

	f := m.Frame(pa)
	for _, b := range f {
		assert.EqualValues(5, b, "allocated frames carry the junk fill")
	}

	m.Free(pa)
	assert.Equal(free0, m.NFree())
}

func TestAllocZero(t *testing.T) {
	m := MkMem(hw.NewMachine(1), 8)
	pa, err := m.AllocZero()
	assert.Equal(t, 0, int(err))
	for _, b := range m.Frame(pa) {
		assert.EqualValues(t, 0, b)
	}
}

func TestExhaustion(t *testing.T) {
	assert := assert.New(t)
	m := MkMem(hw.NewMachine(1), 4)
	var got []uint64
	for {
		pa, err := m.Alloc()
		if err != 0 {
			break
		}
		got = append(got, pa)
	}
	assert.Equal(3, len(got))
	_, err := m.Alloc()
	assert.NotEqual(0, int(err), "empty allocator reports out of memory")
	for _, pa := range got {
		m.Free(pa)
	}
	assert.Equal(uint64(3), m.NFree())
}

func TestStealCrossesCpus(t *testing.T) {
	assert := assert.New(t)
	mach := hw.NewMachine(2)
	m := MkMem(mach, 16)

	// boot put every frame on hart 0's list; an allocation from a
	// goroutine bound to hart 1 must steal
	done := make(chan uint64)
	go func() {
		mach.Bind(mach.Cpus[1])
		defer mach.Unbind()
		pa, err := m.Alloc()
		if err != 0 {
			done <- 0
			return
		}
		done <- pa
	}()
	pa := <-done
	assert.NotEqual(uint64(0), pa, "steal path produced a frame")
	m.Free(pa)
	assert.Equal(uint64(15), m.NFree())
}

func TestBadFreePanics(t *testing.T) {
	m := MkMem(hw.NewMachine(1), 8)
	assert.Panics(t, func() { m.Free(123) }, "unaligned")
	assert.Panics(t, func() { m.Free(0) }, "reserved frame")
	assert.Panics(t, func() { m.Free(8 * PGSIZE) }, "beyond the arena")
}
