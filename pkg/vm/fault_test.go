package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/vm"
)

type fakeObject struct {
	pattern byte
}

func (f *fakeObject) ReadPage(pageOffset uint64, dst []byte) error {
	for i := range dst {
		dst[i] = f.pattern
	}
	return nil
}

func TestFaultOnUnmappedAddressFails(t *testing.T) {
	m, _, cpu := newTestMap(t)
	res, err := m.Fault(cpu, 0xdead0000, false)
	assert.Equal(t, vm.FaultFailure, res)
	assert.ErrorIs(t, err, vm.ErrNoSuchMapping)
}

func TestFaultWriteToReadOnlyVADFails(t *testing.T) {
	m, _, cpu := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead, vm.InheritCopy)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, true)
	assert.Equal(t, vm.FaultFailure, res)
	assert.ErrorIs(t, err, vm.ErrProtectionViolation)
}

func TestFaultMissZeroFillsAnonymousPage(t *testing.T) {
	m, _, cpu := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, vm.InheritCopy)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, false)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	v := m.Lookup(base)
	anon := v.Amap.Lookup(0)
	require.NotNil(t, anon)
	require.True(t, anon.Resident())
	for _, b := range anon.Frame().Data {
		require.EqualValues(t, 0, b)
	}
}

func TestFaultMissReadsThroughObject(t *testing.T) {
	m, _, cpu := newTestMap(t)
	obj := vm.NewObject(&fakeObject{pattern: 0x42})
	base, err := m.MapObject(0, 0x1000, pmap.ProtRead, obj, 0, true)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, false)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	v := m.Lookup(base)
	assert.Nil(t, v.Amap.Lookup(0), "a read fault against a private object VAD must not fork a private anon")
	frame := m.PMap().Frame(base)
	require.NotNil(t, frame)
	assert.EqualValues(t, 0x42, frame.Data[0])
}

func TestFaultPrivateObjectWriteForksAnonOnlyOnWrite(t *testing.T) {
	m, _, cpu := newTestMap(t)
	obj := vm.NewObject(&fakeObject{pattern: 0x7})
	base, err := m.MapObject(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, obj, 0, true)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, true)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	v := m.Lookup(base)
	anon := v.Amap.Lookup(0)
	require.NotNil(t, anon, "a write fault against a private object VAD must fork a private anon")
	assert.EqualValues(t, 0x7, anon.Frame().Data[0])

	m.PMap().Frame(base).Data[0] = 0xEE
	// the fork must have copied the object's page rather than aliasing
	// it, so mutating the private anon leaves nothing else to observe.
	assert.EqualValues(t, 0xEE, anon.Frame().Data[0])
}

func TestFaultSharedObjectMapHasNoPrivateAnon(t *testing.T) {
	m, _, cpu := newTestMap(t)
	obj := vm.NewObject(&fakeObject{pattern: 0x9})
	base, err := m.MapObject(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, obj, 0, false)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, true)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	v := m.Lookup(base)
	assert.Nil(t, v.Amap.Lookup(0), "a shared object VAD must never fork a private anon")
}

func TestFaultSwapInRetriesThenSucceeds(t *testing.T) {
	m, _, cpu := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, vm.InheritCopy)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, false)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	v := m.Lookup(base)
	anon := v.Amap.Lookup(0)
	anon.Frame().Data[0] = 0x55

	require.NoError(t, m.PageOut(cpu, base))
	assert.False(t, anon.Resident())

	res, err = m.Fault(cpu, base, false)
	require.NoError(t, err)
	assert.Equal(t, vm.FaultRetry, res)
	assert.True(t, anon.Resident())
	assert.EqualValues(t, 0x55, anon.Frame().Data[0])

	res, err = m.Fault(cpu, base, false)
	require.NoError(t, err)
	assert.Equal(t, vm.FaultOK, res)
}

func TestPageOutOfNonResidentPageFails(t *testing.T) {
	m, _, cpu := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead, vm.InheritCopy)
	require.NoError(t, err)
	assert.ErrorIs(t, m.PageOut(cpu, base), vm.ErrAlreadyNonResident)
}

func TestFaultCopyOnWriteDemotesSharedAnon(t *testing.T) {
	m, _, cpu := newTestMap(t)
	base, err := m.MapAnon(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, vm.InheritCopy)
	require.NoError(t, err)

	res, err := m.Fault(cpu, base, false)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	v := m.Lookup(base)
	shared := v.Amap.Lookup(0)
	require.NotNil(t, shared)

	// force the anon into shared (refcount > 1) state the way Fork does.
	v.Amap.Clone()
	require.EqualValues(t, 2, shared.Refcount())

	res, err = m.Fault(cpu, base, true)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, res)

	private := v.Amap.Lookup(0)
	assert.NotSame(t, shared, private)
	assert.EqualValues(t, 1, shared.Refcount())
	assert.EqualValues(t, 1, private.Refcount())
}

