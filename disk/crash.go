package disk

import (
	"sync"

	"github.com/tchajed/goose/machine/disk"
)

var _ disk.Disk = (*CrashDisk)(nil)

// CrashDisk wraps a disk and stops persisting writes after a
// programmable number of them, simulating a crash at an arbitrary
// point between two block writes. Reads keep working against
// whatever reached the underlying disk, which is exactly the state
// recovery sees after a reboot.
type CrashDisk struct {
	mu      *sync.Mutex
	d       disk.Disk
	fuse    uint64 // writes remaining before the simulated crash
	crashed bool
	writes  uint64
}

func NewCrashDisk(d disk.Disk, fuse uint64) *CrashDisk {
	return &CrashDisk{
		mu:   new(sync.Mutex),
		d:    d,
		fuse: fuse,
	}
}

func (c *CrashDisk) Read(a uint64) disk.Block {
	return c.d.Read(a)
}

func (c *CrashDisk) Write(a uint64, v disk.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.crashed {
		return
	}
	if c.fuse == 0 {
		c.crashed = true
		return
	}
	c.fuse--
	c.d.Write(a, v)
}

func (c *CrashDisk) Size() uint64 {
	return c.d.Size()
}

func (c *CrashDisk) Barrier() {
	c.mu.Lock()
	crashed := c.crashed
	c.mu.Unlock()
	if !crashed {
		c.d.Barrier()
	}
}

func (c *CrashDisk) Close() {}

// Writes reports how many writes were attempted, crashed or not.
// Tests use it to size the fuse for a sweep over crash points.
func (c *CrashDisk) Writes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Crashed reports whether the fuse has blown.
func (c *CrashDisk) Crashed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashed
}
