package kernel_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/bcache"
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	xdisk "github.com/mit-pdos/go-xv6/disk"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/kernel"
	"github.com/mit-pdos/go-xv6/mkfs"
)

func freshDisk(size uint64) disk.Disk {
	d := disk.NewMemDisk(size)
	mkfs.Mkfs(d, size, 200)
	return d
}

func boot(t *testing.T, d disk.Disk) *kernel.Kernel {
	t.Helper()
	k := kernel.Boot(kernel.Config{Disk: d})
	t.Cleanup(k.Shutdown)
	return k
}

// run spawns a user program and waits for it to finish.
func run(t *testing.T, k *kernel.Kernel, name string, body func(*kernel.Env)) {
	t.Helper()
	_, done, err := k.Spawn(name, body)
	if err != 0 {
		t.Fatalf("spawn %s: err %d", name, err)
	}
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("%s did not finish", name)
	}
}

// Scenario 1: write a file, reopen it, read it back, check fstat.
func TestScenarioHelloFile(t *testing.T) {
	assert := assert.New(t)
	k := boot(t, freshDisk(2048))

	run(t, k, "hello", func(u *kernel.Env) {
		fd := u.Open("/a", defs.O_CREATE|defs.O_WRONLY)
		assert.GreaterOrEqual(fd, int64(0))
		assert.Equal(int64(6), u.Write(fd, []byte("hello!")))
		assert.Equal(int64(0), u.Close(fd))

		fd = u.Open("/a", defs.O_RDONLY)
		assert.GreaterOrEqual(fd, int64(0))
		data, n := u.Read(fd, 6)
		assert.Equal(int64(6), n)
		assert.Equal("hello!", string(data))

		st, r := u.Fstat(fd)
		assert.Equal(int64(0), r)
		assert.Equal(uint64(6), st.Size)
		assert.Equal(defs.T_FILE, st.Type)
		u.Close(fd)
	})
}

// Scenario 2: make 100 small files, unlink the even ones, list the
// root directory.
func TestScenarioUnlinkEven(t *testing.T) {
	assert := assert.New(t)
	k := boot(t, freshDisk(2048))

	run(t, k, "unlink100", func(u *kernel.Env) {
		for i := 0; i < 100; i++ {
			name := fmt.Sprintf("/f%d", i)
			fd := u.Open(name, defs.O_CREATE|defs.O_WRONLY)
			assert.GreaterOrEqual(fd, int64(0), name)
			body := []byte(fmt.Sprintf("%d", i))
			assert.Equal(int64(len(body)), u.Write(fd, body))
			u.Close(fd)
		}
		for i := 0; i < 100; i += 2 {
			assert.Equal(int64(0), u.Unlink(fmt.Sprintf("/f%d", i)))
		}

		// list the root directory through the syscall surface
		fd := u.Open("/", defs.O_RDONLY)
		assert.GreaterOrEqual(fd, int64(0))
		var files []string
		for {
			ent, n := u.Read(fd, common.DIRENTSZ)
			if n == 0 {
				break
			}
			assert.Equal(int64(common.DIRENTSZ), n)
			inum := uint16(ent[0]) | uint16(ent[1])<<8
			if inum == 0 {
				continue
			}
			name := ent[2:]
			end := 0
			for end < len(name) && name[end] != 0 {
				end++
			}
			files = append(files, string(name[:end]))
		}
		u.Close(fd)

		var fcount int
		for _, f := range files {
			if f == "." || f == ".." || f == "console" {
				continue
			}
			var i int
			_, serr := fmt.Sscanf(f, "f%d", &i)
			assert.NoError(serr, f)
			assert.Equal(1, i%2, "only odd-indexed files remain")
			fcount++
		}
		assert.Equal(50, fcount)

		// and the unlinked ones are really gone
		assert.Equal(int64(-1), u.Open("/f2", defs.O_RDONLY))
		assert.GreaterOrEqual(u.Open("/f3", defs.O_RDONLY), int64(0))
	})
}

// Scenario 3: a writer appends block-sized chunks while a reader
// repeatedly scans the file; the reader must only ever see a prefix
// of the writer's output.
func TestScenarioConcurrentAppendScan(t *testing.T) {
	assert := assert.New(t)
	const iters = 2048
	k := boot(t, freshDisk(8192))

	_, wdone, err := k.Spawn("writer", func(u *kernel.Env) {
		fd := u.Open("/big", defs.O_CREATE|defs.O_WRONLY)
		assert.GreaterOrEqual(fd, int64(0))
		va := u.Alloc(common.BSIZE)
		chunk := make([]byte, common.BSIZE)
		for i := 0; i < iters; i++ {
			for j := range chunk {
				chunk[j] = byte(i)
			}
			u.Poke(va, chunk)
			assert.Equal(int64(common.BSIZE), u.WriteN(fd, va, common.BSIZE))
		}
		u.Close(fd)
	})
	if err != 0 {
		t.Fatal("spawn writer")
	}

	_, rdone, err := k.Spawn("reader", func(u *kernel.Env) {
		va := u.Alloc(common.BSIZE)
		for {
			fd := u.Open("/big", defs.O_RDONLY)
			if fd < 0 {
				// not created yet
				u.SleepTicks(1)
				continue
			}
			var got int64
			lastFull := true
			for {
				n := u.ReadN(fd, va, common.BSIZE)
				if n <= 0 {
					break
				}
				assert.True(lastFull, "short read only at EOF")
				blk := u.Peek(va, uint64(n))
				want := byte(got / int64(common.BSIZE))
				for _, b := range blk {
					if b != want {
						t.Errorf("reader saw non-prefix byte %d want %d", b, want)
						u.Close(fd)
						return
					}
				}
				got += n
				lastFull = n == int64(common.BSIZE)
			}
			u.Close(fd)
			if got >= int64(iters)*int64(common.BSIZE) {
				return
			}
			select {
			case <-wdone:
				// one final full scan after the writer finished
				if got >= int64(iters)*int64(common.BSIZE) {
					return
				}
			default:
				u.SleepTicks(1)
			}
		}
	})
	if err != 0 {
		t.Fatal("spawn reader")
	}

	for _, c := range []<-chan struct{}{wdone, rdone} {
		select {
		case <-c:
		case <-time.After(120 * time.Second):
			t.Fatal("append/scan did not finish")
		}
	}
}

// Scenario 4: a fork chain three deep; every wait returns its own
// child's pid and that pid as the exit status.
func TestScenarioForkChain(t *testing.T) {
	assert := assert.New(t)
	k := boot(t, freshDisk(2048))

	run(t, k, "chain", func(u *kernel.Env) {
		cons := u.Open("/console", defs.O_RDWR)
		assert.GreaterOrEqual(cons, int64(0))

		childPid := u.Fork(func(c *kernel.Env) {
			gpid := c.Fork(func(g *kernel.Env) {
				g.Write(cons, []byte(fmt.Sprintf("grandchild %d\n", g.Getpid())))
				g.Exit(g.Getpid())
			})
			wpid, status := c.Wait()
			if wpid != gpid || status != gpid {
				c.Exit(-1)
			}
			c.Write(cons, []byte(fmt.Sprintf("child %d\n", c.Getpid())))
			c.Exit(c.Getpid())
		})
		assert.Greater(childPid, int64(0))

		wpid, status := u.Wait()
		assert.Equal(childPid, wpid, "wait returns the forked child")
		assert.Equal(childPid, status, "child exits with its own pid")
		u.Write(cons, []byte(fmt.Sprintf("parent %d\n", u.Getpid())))
		u.Close(cons)
	})
}

// cloneDisk copies every block so recovery can run against a
// snapshot.
func cloneDisk(d disk.Disk, size uint64) disk.Disk {
	c := disk.NewMemDisk(size)
	for i := uint64(0); i < size; i++ {
		c.Write(i, d.Read(i))
	}
	return c
}

// linkState mounts the snapshot and reports (aExists, bExists,
// nlink of /a).
func linkState(t *testing.T, d disk.Disk) (bool, bool, int16) {
	mach := hw.NewMachine(1)
	bc := bcache.MkBcache(mach, d, nil, func() uint64 { return 0 })
	fsys := fs.MkFileSys(mach, bc, nil, common.ROOTDEV)

	var nlink int16
	a, aerr := fsys.Namei(nil, "/a")
	if aerr == 0 {
		fsys.Ilock(a)
		nlink = a.Nlink
		fsys.Iunlock(a)
		fsys.Iput(a)
	}
	b, berr := fsys.Namei(nil, "/b")
	if berr == 0 {
		fsys.Iput(b)
	}
	return aerr == 0, berr == 0, nlink
}

// Scenario 5: crash at every point inside link("/a", "/b") and
// recover; the link is always all-or-nothing.
func TestScenarioCrashDuringLink(t *testing.T) {
	assert := assert.New(t)

	// phase one: a durable /a on a pristine image
	base := freshDisk(2048)
	k := boot(t, base)
	run(t, k, "setup", func(u *kernel.Env) {
		fd := u.Open("/a", defs.O_CREATE|defs.O_WRONLY)
		u.Write(fd, []byte("x"))
		u.Close(fd)
	})
	k.Shutdown()

	// measure the writes of one link run
	probe := cloneDisk(base, 2048)
	cd := xdisk.NewCrashDisk(probe, ^uint64(0))
	k2 := kernel.Boot(kernel.Config{Disk: cd})
	run(t, k2, "link", func(u *kernel.Env) {
		assert.Equal(int64(0), u.Link("/a", "/b"))
	})
	k2.Shutdown()
	total := cd.Writes()

	sawNone := false
	sawBoth := false
	for fuse := uint64(0); fuse <= total; fuse++ {
		snap := cloneDisk(base, 2048)
		cd := xdisk.NewCrashDisk(snap, fuse)
		kc := kernel.Boot(kernel.Config{Disk: cd})
		_, done, _ := kc.Spawn("link", func(u *kernel.Env) {
			u.Link("/a", "/b")
		})
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			t.Fatal("link run hung")
		}
		kc.Shutdown()

		aOk, bOk, nlink := linkState(t, snap)
		assert.True(aOk, "fuse %d: /a must survive", fuse)
		if bOk {
			sawBoth = true
			assert.Equal(int16(2), nlink, "fuse %d: linked state has nlink=2", fuse)
		} else {
			sawNone = true
			assert.Equal(int16(1), nlink, "fuse %d: unlinked state has nlink=1", fuse)
		}
	}
	assert.True(sawNone, "some crash point discards the link")
	assert.True(sawBoth, "some crash point preserves the link")
}

// Scenario 6: ping-pong over two pipes, five rounds each way.
func TestScenarioPipePingPong(t *testing.T) {
	assert := assert.New(t)
	k := boot(t, freshDisk(2048))

	run(t, k, "pingpong", func(u *kernel.Env) {
		p2cR, p2cW, r := u.Pipe()
		assert.Equal(int64(0), r)
		c2pR, c2pW, r := u.Pipe()
		assert.Equal(int64(0), r)

		u.Fork(func(c *kernel.Env) {
			c.Close(p2cW)
			c.Close(c2pR)
			for i := 0; i < 5; i++ {
				msg, n := c.Read(p2cR, 4)
				if n != 4 || string(msg) != "ping" {
					c.Exit(1)
				}
				if c.Write(c2pW, []byte("pong")) != 4 {
					c.Exit(1)
				}
			}
			c.Close(p2cR)
			c.Close(c2pW)
			c.Exit(0)
		})
		u.Close(p2cR)
		u.Close(c2pW)

		for i := 0; i < 5; i++ {
			assert.Equal(int64(4), u.Write(p2cW, []byte("ping")))
			msg, n := u.Read(c2pR, 4)
			assert.Equal(int64(4), n)
			assert.Equal("pong", string(msg))
		}
		u.Close(p2cW)
		u.Close(c2pR)

		_, status := u.Wait()
		assert.Equal(int64(0), status, "child exited cleanly")
	})
}

// Assorted syscall-boundary behavior: bad descriptors, bad
// addresses, unknown calls, sbrk, uptime, and kill.
func TestSyscallEdges(t *testing.T) {
	assert := assert.New(t)
	k := boot(t, freshDisk(2048))

	run(t, k, "edges", func(u *kernel.Env) {
		// bad descriptor
		_, n := u.Read(99, 4)
		assert.Equal(int64(-1), n)
		assert.Equal(int64(-1), u.Close(42))

		// bad address: unmapped buffer pointer
		fd := u.Open("/e", defs.O_CREATE|defs.O_WRONLY)
		assert.Equal(int64(-1), u.WriteN(fd, 1<<30, 16))
		u.Close(fd)

		// open of a missing file, and of a directory for writing
		assert.Equal(int64(-1), u.Open("/missing", defs.O_RDONLY))
		assert.Equal(int64(-1), u.Open("/", defs.O_WRONLY))

		// mkdir/chdir/relative lookup
		assert.Equal(int64(0), u.Mkdir("/d"))
		assert.Equal(int64(0), u.Chdir("/d"))
		fd = u.Open("inner", defs.O_CREATE|defs.O_WRONLY)
		assert.GreaterOrEqual(fd, int64(0))
		u.Close(fd)
		assert.GreaterOrEqual(u.Open("/d/inner", defs.O_RDONLY), int64(0))

		// unlink of a non-empty directory fails
		assert.Equal(int64(-1), u.Unlink("/d"))

		// sbrk returns the old break
		old := u.Sbrk(4096)
		assert.Equal(old+4096, u.Sbrk(0))

		// time moves
		t0 := u.Uptime()
		u.SleepTicks(3)
		assert.GreaterOrEqual(u.Uptime(), t0+3)

		// dup shares the offset
		fd = u.Open("/e", defs.O_RDWR)
		u.Write(fd, []byte("abcd"))
		fd2 := u.Dup(fd)
		st, _ := u.Fstat(fd2)
		assert.Equal(uint64(4), st.Size)
		u.Close(fd)
		u.Close(fd2)
	})

	// a killed sleeper exits with -1
	run(t, k, "killer", func(u *kernel.Env) {
		pid := u.Fork(func(c *kernel.Env) {
			c.SleepTicks(1 << 30)
			c.Exit(0) // unreachable
		})
		u.SleepTicks(2)
		assert.Equal(int64(0), u.Kill(pid))
		wpid, status := u.Wait()
		assert.Equal(pid, wpid)
		assert.Equal(int64(-1), status)
	})

	// log quiesces between operations
	assert.Equal(uint64(0), k.Fsys.Log().NLogged())
}
