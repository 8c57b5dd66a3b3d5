package file_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-xv6/bcache"
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/file"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/mkfs"
	"github.com/mit-pdos/go-xv6/vm"
)

func mktable(t *testing.T) *file.Table {
	d := disk.NewMemDisk(2048)
	mkfs.Mkfs(d, 2048, 200)
	mach := hw.NewMachine(2)
	bc := bcache.MkBcache(mach, d, nil, func() uint64 { return 0 })
	fsys := fs.MkFileSys(mach, bc, nil, common.ROOTDEV)
	return file.MkTable(mach, fsys, nil)
}

func TestAllocDupClose(t *testing.T) {
	assert := assert.New(t)
	ft := mktable(t)
	f, err := ft.Alloc()
	assert.Equal(0, int(err))
	assert.Same(f, ft.Dup(f))
	ft.Close(f)
	ft.Close(f) // ref from Dup
	assert.Panics(func() { ft.Close(f) }, "close of a dead file")
}

func TestFileTableExhaustion(t *testing.T) {
	ft := mktable(t)
	var files []*file.File
	for {
		f, err := ft.Alloc()
		if err != 0 {
			break
		}
		files = append(files, f)
	}
	assert.Equal(t, int(common.NFILE), len(files))
	for _, f := range files {
		f.Kind = file.FD_NONE
		ft.Close(f)
	}
	_, err := ft.Alloc()
	assert.Equal(t, 0, int(err), "slots reusable after close")
}

func TestPipeRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ft := mktable(t)
	rf, wf, err := ft.AllocPipe()
	assert.Equal(0, int(err))

	n, werr := ft.Write(wf, vm.MkKernBuf([]byte("ping")), 4)
	assert.Equal(0, int(werr))
	assert.Equal(uint64(4), n)

	buf := make([]byte, 4)
	n, rerr := ft.Read(rf, vm.MkKernBuf(buf), 4)
	assert.Equal(0, int(rerr))
	assert.Equal(uint64(4), n)
	assert.Equal("ping", string(buf))

	ft.Close(wf)
	// writer gone, drained pipe reads EOF
	n, rerr = ft.Read(rf, vm.MkKernBuf(buf), 4)
	assert.Equal(0, int(rerr))
	assert.Equal(uint64(0), n)
	ft.Close(rf)
}

func TestPipeDirectionEnforced(t *testing.T) {
	ft := mktable(t)
	rf, wf, _ := ft.AllocPipe()
	buf := make([]byte, 1)
	_, err := ft.Write(rf, vm.MkKernBuf(buf), 1)
	assert.NotEqual(t, 0, int(err))
	_, err = ft.Read(wf, vm.MkKernBuf(buf), 1)
	assert.NotEqual(t, 0, int(err))
	ft.Close(rf)
	ft.Close(wf)
}

func TestPipeWriterBlocksUntilRead(t *testing.T) {
	assert := assert.New(t)
	ft := mktable(t)
	rf, wf, _ := ft.AllocPipe()

	big := make([]byte, file.PIPESIZE+64)
	for i := range big {
		big[i] = byte(i)
	}
	wrote := make(chan uint64)
	go func() {
		n, _ := ft.Write(wf, vm.MkKernBuf(big), uint64(len(big)))
		wrote <- n
	}()

	select {
	case <-wrote:
		t.Fatal("write past the ring size did not block")
	case <-time.After(10 * time.Millisecond):
	}

	var got []byte
	buf := make([]byte, 64)
	for uint64(len(got)) < uint64(len(big)) {
		n, err := ft.Read(rf, vm.MkKernBuf(buf), 64)
		assert.Equal(0, int(err))
		got = append(got, buf[:n]...)
	}
	assert.Equal(uint64(len(big)), <-wrote)
	assert.Equal(big, got, "bytes arrive in order, none lost")
	ft.Close(rf)
	ft.Close(wf)
}

func TestPipeBrokenWrite(t *testing.T) {
	ft := mktable(t)
	rf, wf, _ := ft.AllocPipe()
	ft.Close(rf)
	_, err := ft.Write(wf, vm.MkKernBuf([]byte("x")), 1)
	assert.NotEqual(t, 0, int(err), "write with no reader fails")
	ft.Close(wf)
}

func TestPipeConcurrentChatter(t *testing.T) {
	ft := mktable(t)
	rf, wf, _ := ft.AllocPipe()
	const msgs = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < msgs; i++ {
			ft.Write(wf, vm.MkKernBuf([]byte{byte(i)}), 1)
		}
		ft.Close(wf)
	}()
	errs := make(chan int, 1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 1)
		for i := 0; i < msgs; i++ {
			n, err := ft.Read(rf, vm.MkKernBuf(buf), 1)
			if err != 0 || n != 1 || buf[0] != byte(i) {
				errs <- i
				return
			}
		}
		errs <- -1
	}()
	wg.Wait()
	assert.Equal(t, -1, <-errs, "reader saw every byte in order")
	ft.Close(rf)
}
