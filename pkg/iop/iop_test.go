package iop_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/iop"
)

// syncDevice completes synchronously on both the way down and the way
// up, recording call order.
type syncDevice struct {
	calls *[]string
}

func (d *syncDevice) Dispatch(p *iop.IOP, f *iop.Frame) iop.Result {
	*d.calls = append(*d.calls, "dispatch")
	f.Result = nil
	return iop.ResultCompleted
}

func (d *syncDevice) Complete(p *iop.IOP, f *iop.Frame) iop.Result {
	*d.calls = append(*d.calls, "complete")
	return iop.ResultCompleted
}

func TestSingleFrameSynchronousIOPCompletes(t *testing.T) {
	cpu := ipl.NewCPU()
	var calls []string
	frame := &iop.Frame{Func: iop.FuncRead, Target: &syncDevice{calls: &calls}}
	p := iop.NewIOP([]*iop.Frame{frame}, logr.Discard())

	err := iop.SendSync(cpu, p)
	require.NoError(t, err)
	assert.True(t, p.IsComplete())
	assert.Equal(t, []string{"dispatch", "complete"}, calls)
}

// passThrough always asks the engine to keep descending/ascending
// without doing any work of its own, for building multi-frame stacks.
type passThrough struct {
	calls *[]string
	name  string
}

func (d *passThrough) Dispatch(p *iop.IOP, f *iop.Frame) iop.Result {
	*d.calls = append(*d.calls, d.name+":dispatch")
	return iop.ResultContinue
}

func (d *passThrough) Complete(p *iop.IOP, f *iop.Frame) iop.Result {
	*d.calls = append(*d.calls, d.name+":complete")
	return iop.ResultCompleted
}

func TestMultiFrameIOPTraversesDownThenUp(t *testing.T) {
	cpu := ipl.NewCPU()
	var calls []string
	outer := &iop.Frame{Target: &passThrough{calls: &calls, name: "outer"}}
	inner := &iop.Frame{Target: &syncDevice{calls: &calls}}
	p := iop.NewIOP([]*iop.Frame{outer, inner}, logr.Discard())

	err := iop.SendSync(cpu, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:dispatch", "dispatch", "complete", "outer:complete"}, calls)
}

// asyncDevice returns pending from Dispatch until told to finish.
type asyncDevice struct {
	pending chan struct{}
}

func (d *asyncDevice) Dispatch(p *iop.IOP, f *iop.Frame) iop.Result {
	go func() {
		<-d.pending
	}()
	return iop.ResultPending
}

func (d *asyncDevice) Complete(p *iop.IOP, f *iop.Frame) iop.Result {
	return iop.ResultCompleted
}

func TestAsyncDeviceSuspendsThenResumesOnExplicitContinue(t *testing.T) {
	cpu := ipl.NewCPU()
	dev := &asyncDevice{pending: make(chan struct{})}
	frame := &iop.Frame{Target: dev}
	p := iop.NewIOP([]*iop.Frame{frame}, logr.Discard())

	res := iop.Continue(cpu, p, iop.ResultContinue)
	assert.Equal(t, iop.ResultPending, res)
	assert.False(t, p.IsComplete())

	close(dev.pending)
	res = iop.Continue(cpu, p, iop.ResultCompleted)
	assert.Equal(t, iop.ResultCompleted, res)
	assert.True(t, p.IsComplete())
}

// slaveDevice completes synchronously and records its own identity.
type slaveDevice struct {
	name string
	seen *[]string
}

func (d *slaveDevice) Dispatch(p *iop.IOP, f *iop.Frame) iop.Result {
	*d.seen = append(*d.seen, d.name)
	return iop.ResultCompleted
}

func (d *slaveDevice) Complete(p *iop.IOP, f *iop.Frame) iop.Result {
	return iop.ResultCompleted
}

// masterSplitter attaches two slave IOPs to its own frame on first
// dispatch and returns pending, modelling a device that fans a request
// out across sub-devices.
type masterSplitter struct {
	seen *[]string
}

func (d *masterSplitter) Dispatch(p *iop.IOP, f *iop.Frame) iop.Result {
	iop.NewSlaveIOP(p, f, []*iop.Frame{{Target: &slaveDevice{name: "a", seen: d.seen}}}, logr.Discard())
	iop.NewSlaveIOP(p, f, []*iop.Frame{{Target: &slaveDevice{name: "b", seen: d.seen}}}, logr.Discard())
	return iop.ResultPending
}

func (d *masterSplitter) Complete(p *iop.IOP, f *iop.Frame) iop.Result {
	*d.seen = append(*d.seen, "master-complete")
	return iop.ResultCompleted
}

func TestSlaveIOPsRunBeforeMasterCompletes(t *testing.T) {
	cpu := ipl.NewCPU()
	var seen []string
	frame := &iop.Frame{Target: &masterSplitter{seen: &seen}}
	p := iop.NewIOP([]*iop.Frame{frame}, logr.Discard())

	err := iop.SendSync(cpu, p)
	require.NoError(t, err)
	assert.True(t, p.IsComplete())
	assert.ElementsMatch(t, []string{"a", "b", "master-complete"}, seen)
	assert.Equal(t, "master-complete", seen[len(seen)-1])
}
