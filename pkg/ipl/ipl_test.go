package ipl_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/ipl"
)

func TestRaiseIsIdempotentAtSameLevel(t *testing.T) {
	cpu := ipl.NewCPU()
	prior := cpu.Raise(ipl.Dispatch)
	assert.Equal(t, ipl.Passive, prior)

	prior2 := cpu.Raise(ipl.Dispatch)
	assert.Equal(t, ipl.Dispatch, prior2)
	assert.Equal(t, ipl.Dispatch, cpu.Current())
}

func TestRaiseBelowCurrentPanics(t *testing.T) {
	cpu := ipl.NewCPU()
	cpu.Raise(ipl.Dispatch)
	require.Panics(t, func() {
		cpu.Raise(ipl.APC)
	})
}

func TestLowerAboveCurrentPanics(t *testing.T) {
	cpu := ipl.NewCPU()
	require.Panics(t, func() {
		cpu.Lower(ipl.Dispatch)
	})
}

func TestLowerThroughDispatchDrainsDPCs(t *testing.T) {
	cpu := ipl.NewCPU()
	var drained atomic.Int32
	cpu.SetDPCDrain(func() { drained.Add(1) })

	cpu.Raise(ipl.Dispatch)
	cpu.Lower(ipl.Passive)
	assert.Equal(t, int32(1), drained.Load())

	// Lowering within >= Dispatch range does not drain.
	cpu.Raise(ipl.Device)
	cpu.Lower(ipl.Dispatch)
	assert.Equal(t, int32(1), drained.Load())
}

func TestSpinlockMutualExclusion(t *testing.T) {
	var lock ipl.Spinlock
	var counter int
	var wg sync.WaitGroup

	const goroutines = 50
	const increments = 200
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				lock.Acquire()
				counter++
				lock.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, goroutines*increments, counter)
}

func TestSpinlockReleaseRestoresExactIPL(t *testing.T) {
	cpu := ipl.NewCPU()
	var lock ipl.Spinlock

	prior := lock.AcquireRaise(cpu, ipl.Dispatch)
	assert.Equal(t, ipl.Passive, prior)
	assert.Equal(t, ipl.Dispatch, cpu.Current())

	lock.ReleaseLower(cpu, prior)
	assert.Equal(t, ipl.Passive, cpu.Current())
}

func TestReleaseUnheldPanics(t *testing.T) {
	var lock ipl.Spinlock
	require.Panics(t, func() {
		lock.Release()
	})
}
