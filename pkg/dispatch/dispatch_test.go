package dispatch_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/dispatch"
	"github.com/keyronex/kernel/pkg/ipl"
)

func TestMessageQueueProducerConsumerCapacityOne(t *testing.T) {
	cpu := ipl.NewCPU()
	mq := dispatch.NewMessageQueue(1, logr.Discard())

	ok := mq.Post(cpu, "x")
	require.True(t, ok)
	assert.Equal(t, int64(1), mq.SignalCount())

	consumer := dispatch.NewWaiter("B")
	msg, r := mq.Dequeue(cpu, consumer, dispatch.Forever)
	require.Equal(t, dispatch.ResultOK, r)
	assert.Equal(t, "x", msg)
	assert.Equal(t, int64(0), mq.SignalCount())

	_, r = mq.Dequeue(cpu, consumer, time.Millisecond)
	assert.Equal(t, dispatch.ResultTimedOut, r)
}

func TestWaitAllOnTwoEventsWakesOnlyAfterBoth(t *testing.T) {
	cpu := ipl.NewCPU()
	e1 := dispatch.NewEvent(false, logr.Discard())
	e2 := dispatch.NewEvent(false, logr.Discard())
	w := dispatch.NewWaiter("waiter")

	done := make(chan dispatch.Result, 1)
	go func() {
		r, _ := dispatch.Wait(ipl.NewCPU(), w, []dispatch.Object{e1, e2}, dispatch.WaitAll, false, dispatch.Forever)
		done <- r
	}()

	time.Sleep(10 * time.Millisecond)
	e1.Set(cpu)

	select {
	case <-done:
		t.Fatal("all-wait woke after only one event was signalled")
	case <-time.After(20 * time.Millisecond):
	}

	e2.Set(cpu)
	select {
	case r := <-done:
		assert.Equal(t, dispatch.ResultOK, r)
	case <-time.After(time.Second):
		t.Fatal("all-wait never woke after both events signalled")
	}

	assert.True(t, e1.IsSet(cpu))
	assert.True(t, e2.IsSet(cpu))
}

func TestSemaphoreAnyWaitDecrementsByExactlyOne(t *testing.T) {
	cpu := ipl.NewCPU()
	sem := dispatch.NewSemaphore(3, logr.Discard())
	w := dispatch.NewWaiter("waiter")

	before := sem.Count(cpu)
	r, idx := dispatch.Wait(cpu, w, []dispatch.Object{sem}, dispatch.WaitAny, false, dispatch.Forever)
	require.Equal(t, dispatch.ResultOK, r)
	assert.Equal(t, 0, idx)
	assert.Equal(t, before-1, sem.Count(cpu))
}

func TestMutexReleaseByNonOwnerPanics(t *testing.T) {
	cpu := ipl.NewCPU()
	m := dispatch.NewMutex(logr.Discard())
	owner := dispatch.NewWaiter("owner")
	other := dispatch.NewWaiter("other")

	r := m.Acquire(cpu, owner, int64(dispatch.Forever))
	require.Equal(t, dispatch.ResultOK, r)

	assert.Panics(t, func() {
		m.Release(cpu, other)
	})
	m.Release(cpu, owner)
	assert.Nil(t, m.Owner(cpu))
}

func TestMutexSerializesAcquirers(t *testing.T) {
	cpu := ipl.NewCPU()
	m := dispatch.NewMutex(logr.Discard())
	a := dispatch.NewWaiter("a")
	b := dispatch.NewWaiter("b")

	require.Equal(t, dispatch.ResultOK, m.Acquire(cpu, a, int64(dispatch.Forever)))

	acquired := make(chan struct{})
	go func() {
		r := m.Acquire(ipl.NewCPU(), b, int64(dispatch.Forever))
		assert.Equal(t, dispatch.ResultOK, r)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer ran before first released")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release(cpu, a)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never woke")
	}
	m.Release(cpu, b)
}

func TestTimerPollReturnsImmediately(t *testing.T) {
	cpu := ipl.NewCPU()
	timer := dispatch.NewTimer(logr.Discard())
	w := dispatch.NewWaiter("waiter")

	r, _ := dispatch.Wait(cpu, w, []dispatch.Object{timer}, dispatch.WaitAny, false, dispatch.Poll)
	assert.Equal(t, dispatch.ResultTimedOut, r)
}

func TestTimerCancelOfElapsedTimerIsNoOp(t *testing.T) {
	cpu := ipl.NewCPU()
	timer := dispatch.NewTimer(logr.Discard())
	timer.Arm(cpu, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, timer.Elapsed(cpu))

	assert.NotPanics(t, func() { timer.Cancel(cpu) })
	assert.True(t, timer.Elapsed(cpu))
}

func TestDPCEnqueueInlineBelowDispatch(t *testing.T) {
	cpu := ipl.NewCPU()
	q := dispatch.NewQueue(cpu, logr.Discard())

	ran := false
	d := dispatch.NewDPC(func(arg any) { ran = true })
	q.Enqueue(d, nil)
	assert.True(t, ran)
	assert.Equal(t, 0, q.Len())
}

func TestDPCQueuedAtDispatchDrainsOnLower(t *testing.T) {
	cpu := ipl.NewCPU()
	q := dispatch.NewQueue(cpu, logr.Discard())

	ran := false
	d := dispatch.NewDPC(func(arg any) { ran = true })

	cpu.Raise(ipl.Dispatch)
	q.Enqueue(d, nil)
	assert.False(t, ran)
	assert.Equal(t, 1, q.Len())

	cpu.Lower(ipl.Passive)
	assert.True(t, ran)
	assert.Equal(t, 0, q.Len())
}

func TestDPCNotDoubleQueued(t *testing.T) {
	cpu := ipl.NewCPU()
	q := dispatch.NewQueue(cpu, logr.Discard())

	count := 0
	d := dispatch.NewDPC(func(arg any) { count++ })

	cpu.Raise(ipl.Dispatch)
	q.Enqueue(d, nil)
	q.Enqueue(d, nil)
	assert.Equal(t, 1, q.Len())
	cpu.Lower(ipl.Passive)
	assert.Equal(t, 1, count)
}

func TestWaitTimeoutReleasesWaitBlocks(t *testing.T) {
	cpu := ipl.NewCPU()
	sem := dispatch.NewSemaphore(0, logr.Discard())
	w := dispatch.NewWaiter("waiter")

	r, _ := dispatch.Wait(cpu, w, []dispatch.Object{sem}, dispatch.WaitAny, false, 5*time.Millisecond)
	assert.Equal(t, dispatch.ResultTimedOut, r)

	sem.Release(cpu, 1)
	assert.Equal(t, int64(1), sem.Count(cpu))
}

func TestAlertableCancelWakesWithSignalled(t *testing.T) {
	sem := dispatch.NewSemaphore(0, logr.Discard())
	w := dispatch.NewWaiter("waiter")

	done := make(chan dispatch.Result, 1)
	go func() {
		r, _ := dispatch.Wait(ipl.NewCPU(), w, []dispatch.Object{sem}, dispatch.WaitAny, true, dispatch.Forever)
		done <- r
	}()

	time.Sleep(10 * time.Millisecond)
	dispatch.Cancel(ipl.NewCPU(), w)

	select {
	case r := <-done:
		assert.Equal(t, dispatch.ResultSignalled, r)
	case <-time.After(time.Second):
		t.Fatal("alertable wait never woke on cancel")
	}
}
