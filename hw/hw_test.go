package hw

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushOffNesting(t *testing.T) {
	assert := assert.New(t)
	m := NewMachine(2)
	c := m.Cpus[0]

	c.IntrOn()
	g1 := c.PushOff()
	assert.False(c.IntrGet(), "push_off disables interrupts")
	g2 := c.PushOff()
	assert.Equal(2, c.Noff())
	g2.Pop()
	assert.False(c.IntrGet(), "inner pop keeps interrupts off")
	g1.Pop()
	assert.True(c.IntrGet(), "outer pop restores the saved state")
}

func TestPushOffFromDisabled(t *testing.T) {
	m := NewMachine(1)
	c := m.Cpus[0]
	c.IntrOff()
	g := c.PushOff()
	g.Pop()
	assert.False(t, c.IntrGet(), "pop does not enable what was disabled")
}

func TestBindResolvesMyCpu(t *testing.T) {
	assert := assert.New(t)
	m := NewMachine(4)

	_, bound := m.MyCpuBound()
	assert.False(bound, "fresh goroutine is unbound")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Bind(m.Cpus[3])
		c, bound := m.MyCpuBound()
		assert.True(bound)
		assert.Equal(3, c.Id)
		m.Unbind()
		_, bound = m.MyCpuBound()
		assert.False(bound)
	}()
	wg.Wait()
}

func TestGidDistinct(t *testing.T) {
	g0 := Gid()
	ch := make(chan uint64)
	go func() { ch <- Gid() }()
	g1 := <-ch
	assert.NotEqual(t, g0, g1)
	assert.Equal(t, g0, Gid(), "stable within a goroutine")
}

func TestPlicClaimComplete(t *testing.T) {
	assert := assert.New(t)
	p := NewPlic()
	assert.Equal(uint32(0), p.Claim(), "nothing pending")

	p.Raise(UART0_IRQ)
	p.Raise(UART0_IRQ) // coalesced while pending
	assert.Equal(UART0_IRQ, p.Claim())
	assert.Equal(uint32(0), p.Claim(), "claimed irq is not re-delivered")

	p.Raise(UART0_IRQ) // ignored: still claimed
	assert.Equal(uint32(0), p.Claim())
	p.Complete(UART0_IRQ)
	p.Raise(UART0_IRQ)
	assert.Equal(UART0_IRQ, p.Claim())
	p.Complete(UART0_IRQ)
}

func TestKickWakesWfi(t *testing.T) {
	m := NewMachine(1)
	c := m.Cpus[0]
	done := make(chan struct{})
	go func() {
		c.Wfi()
		close(done)
	}()
	m.KickAll()
	<-done
}
