package klock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-xv6/hw"
)

func TestSpinLockExcludes(t *testing.T) {
	m := hw.NewMachine(2)
	lk := MkSpinLock(m, "test")

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				lk.Acquire()
				counter++
				lk.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestSpinLockHolding(t *testing.T) {
	m := hw.NewMachine(1)
	lk := MkSpinLock(m, "test")
	assert.False(t, lk.Holding())
	lk.Acquire()
	assert.True(t, lk.Holding())
	lk.Release()
	assert.False(t, lk.Holding())
}

func TestReleaseWithoutHoldingPanics(t *testing.T) {
	m := hw.NewMachine(1)
	lk := MkSpinLock(m, "test")
	assert.Panics(t, func() { lk.Release() })
}

func TestSleepLockBlocks(t *testing.T) {
	m := hw.NewMachine(1)
	sl := MkSleepLock(m, "test", nil)

	sl.Acquire()
	assert.True(t, sl.IsLocked())

	acquired := make(chan struct{})
	go func() {
		sl.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while held")
	case <-time.After(10 * time.Millisecond):
	}

	sl.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	sl.Release()
}

func TestCondWakeAll(t *testing.T) {
	m := hw.NewMachine(1)
	lk := MkSpinLock(m, "cond")
	c := MkCond("event", nil)

	const n = 4
	var woke sync.WaitGroup
	woke.Add(n)
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			defer woke.Done()
			lk.Acquire()
			started <- struct{}{}
			c.Sleep(lk)
			lk.Release()
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	// every sleeper has published itself before releasing lk; one
	// wakeup must reach all of them
	lk.Acquire()
	lk.Release()
	c.Wakeup()
	woke.Wait()
}
