package uart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-xv6/hw"
	"github.com/mit-pdos/go-xv6/vm"
)

func mkcons() (*Console, *Uart, *hw.Plic) {
	mach := hw.NewMachine(1)
	plic := hw.NewPlic()
	u := MkUart(mach, plic, nil)
	return MkConsole(mach, u, nil), u, plic
}

func TestPutcDrainsOnIntr(t *testing.T) {
	assert := assert.New(t)
	_, u, plic := mkcons()
	for _, b := range []byte("hi") {
		u.Putc(b)
	}
	assert.True(plic.Pending(), "transmit raises the irq")
	u.Intr()
	assert.Equal("hi", string(u.Output()))
}

func TestPutcBlocksOnFullRing(t *testing.T) {
	_, u, _ := mkcons()
	for i := uint64(0); i < txBufSize; i++ {
		u.Putc('x')
	}
	done := make(chan struct{})
	go func() {
		u.Putc('y') // ring full: must wait for the transmitter
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("putc did not block on a full ring")
	case <-time.After(10 * time.Millisecond):
	}
	u.Intr()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("putc not woken by the transmit interrupt")
	}
	u.Intr()
	assert.Equal(t, int(txBufSize)+1, len(u.Output()))
}

func TestConsoleLineDiscipline(t *testing.T) {
	assert := assert.New(t)
	cons, u, _ := mkcons()
	u.Inject("echo hxi\x08\x08i\n")
	cons.DevIntr()

	buf := make([]byte, 64)
	n, err := cons.Read(vm.MkKernBuf(buf), 64)
	assert.Equal(0, int(err))
	assert.Equal("echo hi\n", string(buf[:n]), "backspace edits the line")
}

func TestConsoleReadBlocksForLine(t *testing.T) {
	cons, u, _ := mkcons()
	got := make(chan string)
	go func() {
		buf := make([]byte, 16)
		n, _ := cons.Read(vm.MkKernBuf(buf), 16)
		got <- string(buf[:n])
	}()
	u.Inject("partial")
	cons.DevIntr()
	select {
	case <-got:
		t.Fatal("read returned before newline")
	case <-time.After(10 * time.Millisecond):
	}
	u.Inject("\n")
	cons.DevIntr()
	select {
	case s := <-got:
		assert.Equal(t, "partial\n", s)
	case <-time.After(time.Second):
		t.Fatal("read not woken by the line")
	}
}

func TestConsoleWrite(t *testing.T) {
	cons, u, _ := mkcons()
	n, err := cons.Write(vm.MkKernBuf([]byte("boot ok\n")), 8)
	assert.Equal(t, 0, int(err))
	assert.Equal(t, uint64(8), n)
	u.Intr()
	assert.Equal(t, "boot ok\n", string(u.Output()))
}
