package vm_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyronex/kernel/pkg/ipl"
	"github.com/keyronex/kernel/pkg/pfn"
	"github.com/keyronex/kernel/pkg/pmap"
	"github.com/keyronex/kernel/pkg/vm"
	"github.com/keyronex/kernel/pkg/vm/swap"
)

type fakeRWObject struct {
	data [4096]byte
}

func (f *fakeRWObject) ReadPage(pageOffset uint64, dst []byte) error {
	copy(dst, f.data[:])
	return nil
}

func (f *fakeRWObject) WritePage(pageOffset uint64, src []byte) error {
	copy(f.data[:], src)
	return nil
}

func TestObjectSyncIsNoopWithoutAFault(t *testing.T) {
	obj := vm.NewObject(&fakeObject{pattern: 0x1})
	assert.NoError(t, obj.Sync(0))
}

func TestObjectSyncIsNoopAgainstAReadOnlyBacking(t *testing.T) {
	m, _, cpu := newTestMap(t)
	backing := &fakeObject{pattern: 0x3}
	obj := vm.NewObject(backing)
	base, err := m.MapObject(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, obj, 0, false)
	require.NoError(t, err)
	_, err = m.Fault(cpu, base, true)
	require.NoError(t, err)

	assert.NoError(t, obj.Sync(0))
}

func TestObjectSyncWritesResidentPageBackToBacking(t *testing.T) {
	m, _, cpu := newTestMap(t)
	backing := &fakeRWObject{}
	obj := vm.NewObject(backing)
	base, err := m.MapObject(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, obj, 0, false)
	require.NoError(t, err)

	_, err = m.Fault(cpu, base, true)
	require.NoError(t, err)
	m.PMap().Frame(base).Data[0] = 0x77

	require.NoError(t, obj.Sync(0))
	assert.EqualValues(t, 0x77, backing.data[0])
}

func TestObjectResolveCachesAcrossMultipleMaps(t *testing.T) {
	pfndb := pfn.New(64, logr.Discard())
	kmap := pmap.New(pmap.DefaultLayout, nil, pfndb, logr.Discard())
	cpu := ipl.NewCPU()

	m1 := vm.NewMap(kmap, pfndb, swap.NewMemStore(), logr.Discard())
	m2 := vm.NewMap(kmap, pfndb, swap.NewMemStore(), logr.Discard())

	backing := &fakeObject{pattern: 0x5}
	obj := vm.NewObject(backing)
	base1, err := m1.MapObject(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, obj, 0, false)
	require.NoError(t, err)
	base2, err := m2.MapObject(0, 0x1000, pmap.ProtRead|pmap.ProtWrite, obj, 0, false)
	require.NoError(t, err)

	_, err = m1.Fault(cpu, base1, true)
	require.NoError(t, err)
	m1.PMap().Frame(base1).Data[0] = 0x9

	_, err = m2.Fault(cpu, base2, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0x9, m2.PMap().Frame(base2).Data[0])
}
